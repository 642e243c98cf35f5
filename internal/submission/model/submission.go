// Package model defines the submission record and its status state machine.
package model

import (
	"strings"
	"time"

	pkgerrors "autograder/pkg/errors"
)

// Status is the grading status of a submission.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusRunning  Status = "RUNNING"
	StatusComplete Status = "COMPLETE"
	StatusError    Status = "ERROR"
)

// DefaultFailureMarker is the phrase the grading worker writes into the log when grading fails.
const DefaultFailureMarker = "오류 발생"

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusError
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusComplete, StatusError:
		return true
	}
	return false
}

// ParseStatus parses a status name, case-insensitively.
func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	return s, s.Valid()
}

// Submission is one student's graded attempt at an assignment.
// Score is set if and only if Status is COMPLETE.
type Submission struct {
	ID               int64      `json:"id"`
	OwnerID          int64      `json:"owner_id"`
	AssignmentID     int64      `json:"assignment_id"`
	ArtifactPath     string     `json:"artifact_path"`
	Status           Status     `json:"status"`
	Score            *float64   `json:"score,omitempty"`
	Log              *string    `json:"log,omitempty"`
	SubmittedAt      time.Time  `json:"submitted_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	DispatchedAt     *time.Time `json:"dispatched_at,omitempty"`
	DispatchAttempts int        `json:"dispatch_attempts"`
}

// NewSubmission returns a PENDING submission.
func NewSubmission(ownerID, assignmentID int64, artifactPath string, now time.Time) *Submission {
	return &Submission{
		OwnerID:      ownerID,
		AssignmentID: assignmentID,
		ArtifactPath: artifactPath,
		Status:       StatusPending,
		SubmittedAt:  now,
		UpdatedAt:    now,
	}
}

// Result is what the grading worker reports when it finishes.
// Status is optional; when empty the outcome is decided from Score and Log.
type Result struct {
	Score  *float64
	Log    string
	Status string
}

// Outcome is the decided terminal state for a Result.
type Outcome struct {
	Status Status
	Score  *float64
	Log    string
}

// Policy decides terminal outcomes.
type Policy struct {
	// FailureMarker routes a result to ERROR when found in its log.
	FailureMarker string
}

// DefaultPolicy uses the worker's failure phrase.
func DefaultPolicy() Policy {
	return Policy{FailureMarker: DefaultFailureMarker}
}

// Decide maps a worker result to COMPLETE or ERROR.
// A log containing the failure marker means ERROR even when a score is present.
func (p Policy) Decide(r Result) (Outcome, error) {
	if r.Status != "" {
		st, ok := ParseStatus(r.Status)
		if !ok || !st.IsTerminal() {
			return Outcome{}, pkgerrors.Newf(pkgerrors.ResultInvalid, "result status must be COMPLETE or ERROR, got %q", r.Status)
		}
		if st == StatusError {
			return Outcome{Status: StatusError, Log: r.Log}, nil
		}
	}
	if p.FailureMarker != "" && strings.Contains(r.Log, p.FailureMarker) {
		return Outcome{Status: StatusError, Log: r.Log}, nil
	}
	if r.Score == nil {
		return Outcome{}, pkgerrors.New(pkgerrors.ResultInvalid).WithMessage("score is required for a completed result")
	}
	score := *r.Score
	return Outcome{Status: StatusComplete, Score: &score, Log: r.Log}, nil
}

// MarkRunning moves PENDING to RUNNING. Any other state is left alone.
func (s *Submission) MarkRunning(now time.Time) bool {
	if s.Status != StatusPending {
		return false
	}
	s.Status = StatusRunning
	s.UpdatedAt = now
	return true
}

// ApplyOutcome moves a non-terminal submission to the outcome's terminal state.
// A terminal submission is left unchanged.
func (s *Submission) ApplyOutcome(o Outcome, now time.Time) bool {
	if s.Status.IsTerminal() || !o.Status.IsTerminal() {
		return false
	}
	log := o.Log
	s.Status = o.Status
	s.Log = &log
	if o.Status == StatusComplete && o.Score != nil {
		score := *o.Score
		s.Score = &score
	} else {
		s.Score = nil
	}
	s.UpdatedAt = now
	return true
}

// MarkError moves a non-terminal submission to ERROR with log.
func (s *Submission) MarkError(log string, now time.Time) bool {
	return s.ApplyOutcome(Outcome{Status: StatusError, Log: log}, now)
}

// MarkDispatched records a successful hand-off to the grading worker.
func (s *Submission) MarkDispatched(attempts int, now time.Time) {
	s.DispatchAttempts = attempts
	s.DispatchedAt = &now
}
