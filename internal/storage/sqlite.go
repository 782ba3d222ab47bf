// Package storage is the SQLite-backed embedding store shared by all workers.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Errors returned by the embedding store.
var (
	ErrRecordNotFound    = errors.New("record not found")
	ErrStaleModelVersion = errors.New("model version is not current")
)

// DefaultBusyTimeout is how long a connection waits on a locked database
// before failing. Several worker processes share one database file.
const DefaultBusyTimeout = 10 * time.Second

// maxParamsPerStatement bounds the number of "?" placeholders per IN list.
const maxParamsPerStatement = 500

// DB wraps a SQLite database connection.
type DB struct {
	db *sql.DB
}

// OpenDB opens or creates a SQLite database at the given path.
func OpenDB(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		path, DefaultBusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping verifies the database is reachable.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// createSchema creates the database schema if it doesn't exist.
func createSchema(db *sql.DB) error {
	schema := `
		-- One row per record that has (or will have) an embedding
		CREATE TABLE IF NOT EXISTS embeddings (
			id TEXT PRIMARY KEY,
			dims INTEGER NOT NULL,
			vector BLOB,
			x REAL,
			y REAL,
			model_version INTEGER,
			computed_at INTEGER,
			status TEXT NOT NULL DEFAULT 'unprocessed',
			claim_owner TEXT,
			claim_id TEXT,
			claimed_at INTEGER,
			lease_expires_at INTEGER,
			attempts INTEGER NOT NULL DEFAULT 0,
			failure_reason TEXT,
			ingested_at INTEGER NOT NULL
		);

		-- Claim candidate lookups
		CREATE INDEX IF NOT EXISTS idx_embeddings_status ON embeddings(status, lease_expires_at);

		-- Bounding-box queries are always scoped to one model version
		CREATE INDEX IF NOT EXISTS idx_embeddings_xy ON embeddings(model_version, x, y);

		-- Registry of trained projection models; the current model is MAX(version)
		CREATE TABLE IF NOT EXISTS projection_models (
			version INTEGER PRIMARY KEY,
			artifact_path TEXT NOT NULL,
			sample_size INTEGER NOT NULL,
			dims INTEGER NOT NULL,
			trained_at INTEGER NOT NULL,
			trained_by TEXT NOT NULL
		);

		-- Cross-process control flags (stop flag, reset phase)
		CREATE TABLE IF NOT EXISTS control (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);

		-- Worker heartbeats
		CREATE TABLE IF NOT EXISTS workers (
			worker_id TEXT PRIMARY KEY,
			role TEXT NOT NULL,
			state TEXT NOT NULL,
			last_seen INTEGER NOT NULL,
			started_at INTEGER NOT NULL
		);
	`

	_, err := db.Exec(schema)
	return err
}

// unixMilli converts a time to the integer representation stored in the database.
func unixMilli(t time.Time) int64 {
	return t.UnixMilli()
}

// fromUnixMilli converts a nullable stored timestamp back to a time.
// NULL maps to the zero time.
func fromUnixMilli(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}

// placeholders returns "?, ?, ?" with n placeholders.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// chunkIDs splits ids into slices of at most size elements.
func chunkIDs(ids []string, size int) [][]string {
	var chunks [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}

// nullableStringValue converts a string to sql.NullString, treating empty as NULL.
func nullableStringValue(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// scanner interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}
