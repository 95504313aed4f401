// Package store provides the persistence collaborators for the licensing
// core: a SQLite-backed document store for key pairs, revocation entries,
// audit events and offline sessions, plus an in-memory TTL counter cache.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const timeFormat = time.RFC3339Nano

// Store wraps the SQLite document store used for licensing records.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the store at path and applies the schema.
// Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}

	// Single writer keeps SQLite happy under concurrent handlers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS key_pairs (
			id TEXT PRIMARY KEY,
			algorithm TEXT NOT NULL,
			private_key_pem TEXT NOT NULL,
			public_key_pem TEXT NOT NULL,
			created_at TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1
		)`,
		// At most one active key pair may exist.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_key_pairs_active
			ON key_pairs (is_active) WHERE is_active = 1`,
		`CREATE TABLE IF NOT EXISTS revocations (
			token_id TEXT PRIMARY KEY,
			installation_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			revoked_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_revocations_expires
			ON revocations (expires_at)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			installation_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_installation_type_time
			ON audit_log (installation_id, event_type, created_at)`,
		`CREATE TABLE IF NOT EXISTS monitoring_records (
			id TEXT PRIMARY KEY,
			installation_id TEXT NOT NULL,
			risk_level TEXT NOT NULL,
			risk_score INTEGER NOT NULL,
			reasons TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS offline_sessions (
			id TEXT PRIMARY KEY,
			installation_id TEXT NOT NULL,
			token TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			online_validation_success INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_installation_open
			ON offline_sessions (installation_id, ended_at)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}
