package db

import "context"

// Database is the subset of SQL operations the repositories rely on.
type Database interface {
	Querier

	// Transaction runs fn inside a transaction; a non-nil error rolls it back.
	Transaction(ctx context.Context, fn func(tx Transaction) error) error

	Ping(ctx context.Context) error
	Close() error
}

// Transaction is a Querier bound to an open transaction.
type Transaction interface {
	Querier
	Commit() error
	Rollback() error
}

// Row is a single-row query result.
type Row interface {
	Scan(dest ...interface{}) error
}

// Rows is a multi-row query result.
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
	Err() error
}

// Result summarizes an Exec call.
type Result interface {
	LastInsertId() (int64, error)
	RowsAffected() (int64, error)
}
