// Package assignment reads the assignment flags consulted at submission intake.
// Assignments are managed elsewhere; this package never writes them.
package assignment

import (
	"context"
	"errors"

	"autograder/internal/common/db"
)

var (
	ErrAssignmentNotFound = errors.New("assignment not found")
)

// Assignment holds the flags of one assignment.
type Assignment struct {
	ID                 int64 `json:"id"`
	AcceptsSubmissions bool  `json:"accepts_submissions"`
	LeaderboardHidden  bool  `json:"leaderboard_hidden"`
}

// Lookup resolves assignments by id.
type Lookup interface {
	Get(ctx context.Context, id int64) (Assignment, error)
}

// MySQLLookup implements Lookup on the assignments table.
// Every Get reads the row, so closing an assignment gates the next intake.
type MySQLLookup struct {
	db db.Database
}

func NewMySQLLookup(database db.Database) *MySQLLookup {
	return &MySQLLookup{db: database}
}

func (l *MySQLLookup) Get(ctx context.Context, id int64) (Assignment, error) {
	if id <= 0 {
		return Assignment{}, ErrAssignmentNotFound
	}
	query := "SELECT id, submissions_closed, leaderboard_hidden FROM assignments WHERE id = ? LIMIT 1"
	var (
		a      Assignment
		closed bool
	)
	if err := l.db.QueryRow(ctx, query, id).Scan(&a.ID, &closed, &a.LeaderboardHidden); err != nil {
		if db.IsNoRows(err) {
			return Assignment{}, ErrAssignmentNotFound
		}
		return Assignment{}, err
	}
	a.AcceptsSubmissions = !closed
	return a, nil
}

var _ Lookup = (*MySQLLookup)(nil)
