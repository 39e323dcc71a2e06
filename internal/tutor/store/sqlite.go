// Package store provides a durable session.Store backed by a pure-Go
// sqlite driver, following the database/sql + CREATE TABLE IF NOT EXISTS
// shape of internal/memory/backend/sqlitevec.Backend.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/haasonsaas/tutor-core/internal/tutor/session"
)

// Config configures a SQLite-backed Store.
type Config struct {
	// Path is the sqlite DSN, e.g. "file:tutor.db?cache=shared" or
	// ":memory:" for tests.
	Path string
}

// SQLiteStore persists Session snapshots, keyed by session id, idempotently:
// persisting the same id twice overwrites rather than duplicates the row.
type SQLiteStore struct {
	db *sql.DB
}

// New opens (creating if necessary) the sqlite database at cfg.Path and
// ensures its schema exists.
func New(cfg Config) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tutor_sessions (
			session_id  TEXT PRIMARY KEY,
			learner_id  TEXT NOT NULL,
			snapshot    TEXT NOT NULL,
			updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_tutor_sessions_learner ON tutor_sessions(learner_id);
	`)
	if err != nil {
		return fmt.Errorf("store: create schema: %w", err)
	}
	return nil
}

// Persist implements session.Store. Idempotent: an INSERT ... ON CONFLICT
// upsert, not an append.
func (s *SQLiteStore) Persist(ctx context.Context, snapshot session.Snapshot) error {
	b, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tutor_sessions (session_id, learner_id, snapshot, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(session_id) DO UPDATE SET
			learner_id = excluded.learner_id,
			snapshot   = excluded.snapshot,
			updated_at = excluded.updated_at
	`, snapshot.SessionID, snapshot.LearnerID, string(b))
	if err != nil {
		return fmt.Errorf("store: persist snapshot: %w", err)
	}
	return nil
}

// Restore implements session.Store.
func (s *SQLiteStore) Restore(ctx context.Context, sessionID string) (*session.Snapshot, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM tutor_sessions WHERE session_id = ?`, sessionID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: restore snapshot: %w", err)
	}
	var snap session.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, false, fmt.Errorf("store: decode snapshot: %w", err)
	}
	return &snap, true, nil
}

// RestoreByLearner returns the most recently persisted snapshot for
// learnerID, if any. Session ids are freshly generated on every
// StartForLearner, so restoring a learner's prior session after a crash
// must key off learner_id rather than the now-lost session_id.
func (s *SQLiteStore) RestoreByLearner(ctx context.Context, learnerID string) (*session.Snapshot, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM tutor_sessions WHERE learner_id = ? ORDER BY updated_at DESC, rowid DESC LIMIT 1`,
		learnerID,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: restore snapshot for learner %s: %w", learnerID, err)
	}
	var snap session.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, false, fmt.Errorf("store: decode snapshot: %w", err)
	}
	return &snap, true, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ session.Store = (*SQLiteStore)(nil)
