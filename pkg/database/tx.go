package database

import (
	"context"
	"database/sql"
	"errors"
)

// ErrReleased is returned when a statement runs on a released transaction.
var ErrReleased = errors.New("transaction connection already released")

// Tx wraps a database transaction. Release commits the work so far and
// hands the connection back to the pool; handlers call it before outbound
// daemon RPCs that need not be transactional with the database write, so a
// slow or dead daemon cannot pin a connection. After Release, Commit and
// Rollback are no-ops and further statements fail with ErrReleased.
type Tx struct {
	tx       *sql.Tx
	released bool
}

// ExecContext runs a statement inside the transaction.
func (t *Tx) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if t.released {
		return nil, ErrReleased
	}
	return t.tx.ExecContext(ctx, query, args...)
}

// QueryContext runs a query inside the transaction.
func (t *Tx) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	if t.released {
		return nil, ErrReleased
	}
	return t.tx.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query inside the transaction. On a
// released transaction the scan fails with sql.ErrTxDone.
func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// Release commits the transaction early and returns the connection to the
// pool. Safe to call more than once.
func (t *Tx) Release() error {
	if t.released {
		return nil
	}
	t.released = true
	return t.tx.Commit()
}

// Released reports whether the connection was handed back already.
func (t *Tx) Released() bool { return t.released }

// Commit commits the transaction. A no-op after Release.
func (t *Tx) Commit() error {
	if t.released {
		return nil
	}
	t.released = true
	return t.tx.Commit()
}

// Rollback aborts the transaction. A no-op after Release or Commit; work
// committed by an early Release cannot be undone, which is why handlers only
// release when the remaining steps need no transactional coupling.
func (t *Tx) Rollback() error {
	if t.released {
		return nil
	}
	t.released = true
	return t.tx.Rollback()
}
