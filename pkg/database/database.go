package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/aoindustries/aoserv-master-sub002/pkg/observability"
)

// Config holds database connection configuration.
type Config struct {
	URL            string
	MaxConns       int
	MinConns       int
	ConnectTimeout time.Duration
	MaxLifetime    time.Duration
	MaxIdleTime    time.Duration
}

// Queryer is the query surface shared by *sql.DB, *sql.Tx and *Tx. Handlers
// take a Queryer so read-only helpers work inside and outside transactions.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Database wraps the postgres connection pool.
type Database struct {
	db     *sql.DB
	logger *observability.Logger
}

// Open opens and verifies the connection pool.
func Open(cfg Config, logger *observability.Logger) (*Database, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MinConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)
	db.SetConnMaxIdleTime(cfg.MaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.WithField("max_conns", cfg.MaxConns).Info("database pool opened")
	return &Database{db: db, logger: logger}, nil
}

// NewFromDB wraps an existing pool, used by tests with sqlmock.
func NewFromDB(db *sql.DB, logger *observability.Logger) *Database {
	return &Database{db: db, logger: logger}
}

// DB exposes the underlying pool for health checks and stats.
func (d *Database) DB() *sql.DB { return d.db }

// Close closes the pool.
func (d *Database) Close() error { return d.db.Close() }

// Begin starts a transaction.
func (d *Database) Begin(ctx context.Context) (*Tx, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}
