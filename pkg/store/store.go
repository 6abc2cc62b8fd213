// Package store is the SQLite-backed graph store. It executes batches of
// upsert statements inside single atomic transactions and serves the
// read-only snapshot queries.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store manages the SQLite connection and schema.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the database at dbPath and bootstraps the
// schema. WAL mode is enabled for concurrent readers; write transactions
// take the write lock up front so a mid-batch failure never blocks on
// lock upgrade.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db}

	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the tables if they don't exist.
func (s *Store) migrate() error {
	// Identity columns hold the engine-native key encodings: resource ids
	// as JSON arrays of [type, id] tuples, principal chain ids as JSON
	// arrays of {id, event} hops. Timestamps are unix milliseconds.
	query := `
	CREATE TABLE IF NOT EXISTS resource (
		id TEXT PRIMARY KEY,
		environments TEXT NOT NULL DEFAULT '[]',
		first_seen_at INTEGER,
		last_seen_at INTEGER,
		attributes TEXT
	);

	CREATE TABLE IF NOT EXISTS principal_chain (
		id TEXT PRIMARY KEY,
		first_seen_at INTEGER NOT NULL,
		last_seen_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS event (
		principal TEXT NOT NULL,
		resource TEXT NOT NULL,
		type TEXT NOT NULL,
		principal_chains TEXT NOT NULL,
		has_direct_principal_chain INTEGER NOT NULL DEFAULT 0,
		first_seen_at INTEGER NOT NULL,
		last_seen_at INTEGER NOT NULL,
		PRIMARY KEY (principal, resource, type)
	);

	CREATE INDEX IF NOT EXISTS idx_event_resource ON event(resource);

	CREATE TABLE IF NOT EXISTS report_api_key (
		id INTEGER PRIMARY KEY,
		description TEXT,
		created_at INTEGER NOT NULL,
		created_by TEXT,
		revoked_at INTEGER,
		revoked_by TEXT
	);

	CREATE TABLE IF NOT EXISTS account (
		id INTEGER PRIMARY KEY,
		salt BLOB NOT NULL,
		api_private_key BLOB,
		created_at INTEGER NOT NULL,
		created_by TEXT,
		deleted_at INTEGER,
		deleted_by TEXT
	);
	`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create graph tables: %w", err)
	}

	return nil
}

// Querier is the read surface handed to snapshot assembly.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ReadOnly runs fn inside one deferred transaction, giving every
// statement in fn a consistent view of the graph.
func (s *Store) ReadOnly(ctx context.Context, fn func(q Querier) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	// A deferred BEGIN stays a read transaction as long as fn only reads.
	if _, err := conn.ExecContext(ctx, "BEGIN"); err != nil {
		return fmt.Errorf("failed to begin read transaction: %w", err)
	}

	if err := fn(connQuerier{conn}); err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit read transaction: %w", err)
	}

	return nil
}

type connQuerier struct {
	conn *sql.Conn
}

func (c connQuerier) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.conn.QueryContext(ctx, query, args...)
}

func (c connQuerier) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.conn.QueryRowContext(ctx, query, args...)
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
