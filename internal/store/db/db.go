// Package db provides the relational backend of the document store.
//
// Two dialects are supported:
//   - SQLite (embedded, github.com/ncruces/go-sqlite3) in WAL mode with
//     immediate write transactions, so concurrent writers queue on the
//     database lock instead of failing on lock upgrade.
//   - PostgreSQL (github.com/lib/pq), selected by a postgres:// DSN.
//
// Statements are written with '?' placeholders and rebound per driver by sqlx.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Dialect identifies the SQL flavour of the backend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// driverName returns the database/sql driver registered for the dialect.
func (d Dialect) driverName() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite3"
}

// Handle runs statements either on the connection pool or inside a
// transaction. *DB and *Tx implement it. Statements use '?' placeholders.
type Handle interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	Dialect() Dialect
}

var (
	_ Handle = (*DB)(nil)
	_ Handle = (*Tx)(nil)
)

// Options configures Open.
type Options struct {
	// DSN is a file path, file: URI, sqlite:// URL or postgres:// URL.
	DSN string

	// MaxOpenConns bounds the connection pool (default: 25)
	MaxOpenConns int

	// LockTimeout bounds how long a statement waits for a lock
	// (SQLite busy_timeout, Postgres lock_timeout). Default: 5s
	LockTimeout time.Duration
}

// DB wraps the database connection pool with dialect awareness.
type DB struct {
	conn        *sqlx.DB
	dialect     Dialect
	dsn         string
	lockTimeout time.Duration
}

// Open connects to the backend named by opts.DSN.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	database, err := db.Open(db.Options{DSN: ".opstore/opstore.db"})
//	if err != nil {
//	    return err
//	}
//	defer database.Close()
func Open(opts Options) (*DB, error) {
	dsn := strings.TrimSpace(opts.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 25
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 5 * time.Second
	}

	dialect, connStr, err := resolveDSN(dsn, opts.LockTimeout)
	if err != nil {
		return nil, err
	}

	conn, err := sqlx.Open(dialect.driverName(), connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.LockTimeout+5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(opts.MaxOpenConns)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{
		conn:        conn,
		dialect:     dialect,
		dsn:         dsn,
		lockTimeout: opts.LockTimeout,
	}, nil
}

// resolveDSN picks the dialect for a DSN and builds its connection string.
func resolveDSN(dsn string, lockTimeout time.Duration) (Dialect, string, error) {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return DialectPostgres, dsn, nil
	}

	path := dsn
	switch {
	case strings.HasPrefix(lower, "sqlite://"):
		path = dsn[len("sqlite://"):]
	case strings.HasPrefix(lower, "file:"):
		path = dsn[len("file:"):]
	case strings.Contains(dsn, "://"):
		return "", "", fmt.Errorf("unsupported database dsn: %s", dsn)
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "", "", fmt.Errorf("sqlite dsn has no path: %s", dsn)
	}

	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", "", fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	connStr := fmt.Sprintf(
		"file:%s?_txlock=immediate&_pragma=busy_timeout(%d)&_pragma=journal_mode(wal)&_pragma=foreign_keys(1)",
		path, lockTimeout.Milliseconds(),
	)
	return DialectSQLite, connStr, nil
}

// Dialect returns the SQL flavour of the backend.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// RawDB returns the underlying sqlx connection pool.
func (db *DB) RawDB() *sqlx.DB {
	return db.conn
}

// ExecContext runs a statement outside any transaction.
func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.conn.ExecContext(ctx, db.conn.Rebind(query), args...)
}

// QueryContext runs a query outside any transaction.
func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.conn.QueryContext(ctx, db.conn.Rebind(query), args...)
}

// QueryRowContext runs a single-row query outside any transaction.
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.conn.QueryRowContext(ctx, db.conn.Rebind(query), args...)
}

// GetContext scans a single row into dest.
func (db *DB) GetContext(ctx context.Context, dest any, query string, args ...any) error {
	return db.conn.GetContext(ctx, dest, db.conn.Rebind(query), args...)
}

// SelectContext scans all rows into the slice dest.
func (db *DB) SelectContext(ctx context.Context, dest any, query string, args ...any) error {
	return db.conn.SelectContext(ctx, dest, db.conn.Rebind(query), args...)
}

// BeginTx opens a write transaction. The transaction is rolled back by
// database/sql if ctx ends before Commit.
func (db *DB) BeginTx(ctx context.Context) (*Tx, error) {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	if db.dialect == DialectPostgres {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", db.lockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("failed to set lock timeout: %w", err)
		}
	}
	return &Tx{tx: tx, dialect: db.dialect}, nil
}

// Close closes the database connection.
// For SQLite a WAL checkpoint is performed first.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if db.dialect == DialectSQLite {
		if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
		}
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// Tx is a write transaction with dialect-aware statements.
type Tx struct {
	tx      *sqlx.Tx
	dialect Dialect
}

func (t *Tx) Dialect() Dialect {
	return t.dialect
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.tx.Rebind(query), args...)
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.tx.Rebind(query), args...)
}

func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.tx.Rebind(query), args...)
}

func (t *Tx) GetContext(ctx context.Context, dest any, query string, args ...any) error {
	return t.tx.GetContext(ctx, dest, t.tx.Rebind(query), args...)
}

func (t *Tx) SelectContext(ctx context.Context, dest any, query string, args ...any) error {
	return t.tx.SelectContext(ctx, dest, t.tx.Rebind(query), args...)
}

func (t *Tx) Commit() error {
	return t.tx.Commit()
}

func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

// Now returns the timestamp format stored in every created_at column.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
