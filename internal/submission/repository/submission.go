package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"autograder/internal/common/cache"
	"autograder/internal/common/db"
	"autograder/internal/submission/model"
	"autograder/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultSubmissionCacheTTL      = 10 * time.Minute
	defaultSubmissionCacheEmptyTTL = time.Minute
	submissionCacheKeyPrefix       = "submission:"
)

var (
	ErrSubmissionNotFound = errors.New("submission not found")
)

// TransitionFunc mutates a locked submission and reports whether it changed.
type TransitionFunc func(s *model.Submission) (bool, error)

// SubmissionRepository defines submission persistence interfaces.
type SubmissionRepository interface {
	Create(ctx context.Context, submission *model.Submission) (int64, error)
	GetByID(ctx context.Context, id int64) (*model.Submission, error)
	ListByOwner(ctx context.Context, ownerID int64, limit int) ([]*model.Submission, error)
	ListAll(ctx context.Context, offset, limit int) ([]*model.Submission, int64, error)

	// Transition applies fn to the submission under a row lock and persists it when changed.
	// It returns the resulting submission and whether fn changed it.
	Transition(ctx context.Context, id int64, fn TransitionFunc) (*model.Submission, bool, error)

	MarkDispatched(ctx context.Context, id int64, attempts int, at time.Time) error
	ListUndispatched(ctx context.Context, submittedBefore time.Time, limit int) ([]*model.Submission, error)
}

// MySQLSubmissionRepository implements SubmissionRepository with MySQL.
type MySQLSubmissionRepository struct {
	db       db.Database
	cache    cache.Cache
	ttl      time.Duration
	emptyTTL time.Duration
}

// NewSubmissionRepository creates a submission repository with defaults.
func NewSubmissionRepository(database db.Database, cacheClient cache.Cache) *MySQLSubmissionRepository {
	return NewSubmissionRepositoryWithTTL(database, cacheClient, defaultSubmissionCacheTTL, defaultSubmissionCacheEmptyTTL)
}

// NewSubmissionRepositoryWithTTL creates a submission repository with custom TTL.
func NewSubmissionRepositoryWithTTL(database db.Database, cacheClient cache.Cache, ttl, emptyTTL time.Duration) *MySQLSubmissionRepository {
	if ttl <= 0 {
		ttl = defaultSubmissionCacheTTL
	}
	if emptyTTL <= 0 {
		emptyTTL = defaultSubmissionCacheEmptyTTL
	}
	return &MySQLSubmissionRepository{
		db:       database,
		cache:    cacheClient,
		ttl:      ttl,
		emptyTTL: emptyTTL,
	}
}

const submissionColumns = "id, owner_id, assignment_id, artifact_path, status, score, log, submitted_at, updated_at, dispatched_at, dispatch_attempts"

// Create inserts a submission record and returns its id.
func (r *MySQLSubmissionRepository) Create(ctx context.Context, submission *model.Submission) (int64, error) {
	if submission == nil {
		return 0, errors.New("submission is nil")
	}
	if submission.OwnerID <= 0 {
		return 0, errors.New("ownerID is required")
	}
	if submission.AssignmentID <= 0 {
		return 0, errors.New("assignmentID is required")
	}
	if submission.ArtifactPath == "" {
		return 0, errors.New("artifactPath is required")
	}
	if submission.Status == "" {
		submission.Status = model.StatusPending
	}

	query := `
		INSERT INTO submissions
		(owner_id, assignment_id, artifact_path, status, score, log, submitted_at, updated_at, dispatch_attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := r.db.Exec(
		ctx,
		query,
		submission.OwnerID,
		submission.AssignmentID,
		submission.ArtifactPath,
		string(submission.Status),
		nullFloat(submission.Score),
		nullString(submission.Log),
		submission.SubmittedAt,
		submission.UpdatedAt,
		submission.DispatchAttempts,
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	submission.ID = id
	r.invalidate(ctx, id)
	return id, nil
}

// GetByID retrieves a submission by id.
// Only COMPLETE and ERROR rows are cached: they never change again, so a fill
// racing a status transition cannot pin an outdated status.
func (r *MySQLSubmissionRepository) GetByID(ctx context.Context, id int64) (*model.Submission, error) {
	if id <= 0 {
		return nil, ErrSubmissionNotFound
	}
	if r.cache == nil {
		return r.getByIDFromDB(ctx, nil, id, false)
	}
	submission, err := cache.GetWithCached[*model.Submission](
		ctx,
		r.cache,
		submissionCacheKey(id),
		cache.JitterTTL(r.ttl),
		cache.JitterTTL(r.emptyTTL),
		func(submission *model.Submission) bool { return submission == nil },
		func(submission *model.Submission) bool { return submission.Status.IsTerminal() },
		marshalSubmission,
		unmarshalSubmission,
		func(ctx context.Context) (*model.Submission, error) {
			submission, err := r.getByIDFromDB(ctx, nil, id, false)
			if err != nil {
				if errors.Is(err, ErrSubmissionNotFound) {
					return nil, nil
				}
				return nil, err
			}
			return submission, nil
		},
	)
	if err != nil {
		return nil, err
	}
	if submission == nil {
		return nil, ErrSubmissionNotFound
	}
	return submission, nil
}

// ListByOwner returns the newest submissions of one owner.
func (r *MySQLSubmissionRepository) ListByOwner(ctx context.Context, ownerID int64, limit int) ([]*model.Submission, error) {
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT " + submissionColumns + " FROM submissions WHERE owner_id = ? ORDER BY id DESC LIMIT ?"
	return r.queryList(ctx, query, ownerID, limit)
}

// ListAll returns one page of all submissions, newest first, and the total count.
func (r *MySQLSubmissionRepository) ListAll(ctx context.Context, offset, limit int) ([]*model.Submission, int64, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	var total int64
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM submissions").Scan(&total); err != nil {
		return nil, 0, err
	}
	query := "SELECT " + submissionColumns + " FROM submissions ORDER BY id DESC LIMIT ? OFFSET ?"
	items, err := r.queryList(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// Transition locks the row with SELECT ... FOR UPDATE so concurrent callbacks for
// the same submission are applied one after another.
func (r *MySQLSubmissionRepository) Transition(ctx context.Context, id int64, fn TransitionFunc) (*model.Submission, bool, error) {
	if fn == nil {
		return nil, false, errors.New("transition func is nil")
	}
	var (
		result  *model.Submission
		changed bool
	)
	err := r.db.Transaction(ctx, func(tx db.Transaction) error {
		submission, err := r.getByIDFromDB(ctx, tx, id, true)
		if err != nil {
			return err
		}
		changed, err = fn(submission)
		if err != nil {
			return err
		}
		result = submission
		if !changed {
			return nil
		}
		query := `
			UPDATE submissions
			SET status = ?, score = ?, log = ?, updated_at = ?
			WHERE id = ?
		`
		_, err = tx.Exec(
			ctx,
			query,
			string(submission.Status),
			nullFloat(submission.Score),
			nullString(submission.Log),
			submission.UpdatedAt,
			submission.ID,
		)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if changed {
		r.invalidate(ctx, id)
	}
	return result, changed, nil
}

// MarkDispatched records that the grading worker accepted the submission.
func (r *MySQLSubmissionRepository) MarkDispatched(ctx context.Context, id int64, attempts int, at time.Time) error {
	res, err := r.db.Exec(ctx, "UPDATE submissions SET dispatched_at = ?, dispatch_attempts = ? WHERE id = ?", at, attempts, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSubmissionNotFound
	}
	r.invalidate(ctx, id)
	return nil
}

// ListUndispatched returns PENDING submissions the worker was never told about.
func (r *MySQLSubmissionRepository) ListUndispatched(ctx context.Context, submittedBefore time.Time, limit int) ([]*model.Submission, error) {
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT " + submissionColumns + " FROM submissions WHERE status = ? AND dispatched_at IS NULL AND submitted_at < ? ORDER BY id LIMIT ?"
	return r.queryList(ctx, query, string(model.StatusPending), submittedBefore, limit)
}

func (r *MySQLSubmissionRepository) getByIDFromDB(ctx context.Context, tx db.Transaction, id int64, forUpdate bool) (*model.Submission, error) {
	query := "SELECT " + submissionColumns + " FROM submissions WHERE id = ? LIMIT 1"
	if forUpdate {
		query += " FOR UPDATE"
	}
	submission, err := scanSubmission(db.GetQuerier(r.db, tx).QueryRow(ctx, query, id))
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrSubmissionNotFound
		}
		return nil, err
	}
	return submission, nil
}

func (r *MySQLSubmissionRepository) queryList(ctx context.Context, query string, args ...interface{}) ([]*model.Submission, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]*model.Submission, 0)
	for rows.Next() {
		submission, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, submission)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func scanSubmission(row db.Row) (*model.Submission, error) {
	var (
		submission   model.Submission
		status       string
		score        sql.NullFloat64
		log          sql.NullString
		dispatchedAt sql.NullTime
	)
	if err := row.Scan(
		&submission.ID,
		&submission.OwnerID,
		&submission.AssignmentID,
		&submission.ArtifactPath,
		&status,
		&score,
		&log,
		&submission.SubmittedAt,
		&submission.UpdatedAt,
		&dispatchedAt,
		&submission.DispatchAttempts,
	); err != nil {
		return nil, err
	}
	submission.Status = model.Status(status)
	if score.Valid {
		v := score.Float64
		submission.Score = &v
	}
	if log.Valid {
		v := log.String
		submission.Log = &v
	}
	if dispatchedAt.Valid {
		v := dispatchedAt.Time
		submission.DispatchedAt = &v
	}
	return &submission, nil
}

// invalidate drops the cached row; a stale entry only delays reads until its TTL.
func (r *MySQLSubmissionRepository) invalidate(ctx context.Context, id int64) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Del(ctx, submissionCacheKey(id)); err != nil {
		logger.Warn(ctx, "invalidate submission cache failed", zap.Int64("submission_id", id), zap.Error(err))
	}
}

func submissionCacheKey(id int64) string {
	return submissionCacheKeyPrefix + strconv.FormatInt(id, 10)
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func marshalSubmission(submission *model.Submission) string {
	if submission == nil {
		return ""
	}
	data, err := json.Marshal(submission)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalSubmission(data string) (*model.Submission, error) {
	if data == "" || data == cache.NullCacheValue {
		return nil, nil
	}
	var submission model.Submission
	if err := json.Unmarshal([]byte(data), &submission); err != nil {
		return nil, err
	}
	return &submission, nil
}

var _ SubmissionRepository = (*MySQLSubmissionRepository)(nil)
