// Package persistence keeps a durable history of finished pairing sessions
// in SQLite. Pairing codes are never written; target addresses are stored
// masked.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultListLimit bounds ListOutcomes when the caller passes no limit.
const DefaultListLimit = 50

// MaxListLimit is the largest page ListOutcomes will return.
const MaxListLimit = 500

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Outcome is one finished pairing session.
type Outcome struct {
	SessionID         string    `json:"sessionId"`
	MaskedAddress     string    `json:"address"`
	State             string    `json:"state"` // "completed" or "failed"
	Message           string    `json:"message"`
	RequestedAttempts int       `json:"requestedAttempts"`
	SentCount         int       `json:"sentCount"`
	CreatedAt         time.Time `json:"createdAt"`
	FinishedAt        time.Time `json:"finishedAt"`
	Attempts          []Attempt `json:"attempts,omitempty"`
}

// Attempt is the persisted form of a single send.
type Attempt struct {
	Attempt int    `json:"attempt"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Store provides pairing history backed by SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at the given path, creating the
// parent directory if needed.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying history migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the outcomes table.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS pairing_outcomes (
			session_id TEXT PRIMARY KEY,
			masked_address TEXT NOT NULL,
			state TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			requested_attempts INTEGER NOT NULL,
			sent_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			finished_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_outcomes_finished ON pairing_outcomes(finished_at);
	`)
	return err
}

// migrateV2 adds per-attempt rows.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS pairing_attempts (
			session_id TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			success INTEGER NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (session_id, attempt)
		)
	`)
	return err
}

// RecordOutcome stores a finished session and its attempts. Recording the
// same session twice replaces the earlier row.
func (s *Store) RecordOutcome(ctx context.Context, o Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.FinishedAt.IsZero() {
		o.FinishedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pairing_attempts WHERE session_id = ?`, o.SessionID); err != nil {
		return fmt.Errorf("clear attempts: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO pairing_outcomes
			(session_id, masked_address, state, message, requested_attempts, sent_count, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.SessionID, o.MaskedAddress, o.State, o.Message, o.RequestedAttempts, o.SentCount,
		o.CreatedAt.UTC().Format(timeLayout), o.FinishedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}

	for _, a := range o.Attempts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pairing_attempts (session_id, attempt, success, message) VALUES (?, ?, ?, ?)`,
			o.SessionID, a.Attempt, a.Success, a.Message,
		); err != nil {
			return fmt.Errorf("insert attempt %d: %w", a.Attempt, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit outcome: %w", err)
	}
	return nil
}

// ListOutcomes returns the most recently finished sessions, newest first.
// limit <= 0 selects DefaultListLimit; values above MaxListLimit are capped.
func (s *Store) ListOutcomes(ctx context.Context, limit int) ([]Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, masked_address, state, message, requested_attempts, sent_count, created_at, finished_at
		FROM pairing_outcomes ORDER BY finished_at DESC, session_id LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []Outcome
	index := make(map[string]int)
	for rows.Next() {
		var o Outcome
		var createdAt, finishedAt string
		if err := rows.Scan(&o.SessionID, &o.MaskedAddress, &o.State, &o.Message,
			&o.RequestedAttempts, &o.SentCount, &createdAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		o.FinishedAt, _ = time.Parse(timeLayout, finishedAt)
		index[o.SessionID] = len(outcomes)
		outcomes = append(outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}
	if len(outcomes) == 0 {
		return []Outcome{}, nil
	}

	attempts, err := s.db.QueryContext(ctx,
		`SELECT a.session_id, a.attempt, a.success, a.message
		FROM pairing_attempts a
		JOIN (SELECT session_id FROM pairing_outcomes ORDER BY finished_at DESC, session_id LIMIT ?) o
			ON o.session_id = a.session_id
		ORDER BY a.session_id, a.attempt`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer attempts.Close()

	for attempts.Next() {
		var id string
		var a Attempt
		if err := attempts.Scan(&id, &a.Attempt, &a.Success, &a.Message); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		if i, ok := index[id]; ok {
			outcomes[i].Attempts = append(outcomes[i].Attempts, a)
		}
	}
	if err := attempts.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}

	return outcomes, nil
}

// DeleteOlderThan prunes outcomes that finished before cutoff and returns
// how many were removed.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := cutoff.UTC().Format(timeLayout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pairing_attempts WHERE session_id IN
			(SELECT session_id FROM pairing_outcomes WHERE finished_at < ?)`,
		ts,
	); err != nil {
		return 0, fmt.Errorf("delete attempts: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM pairing_outcomes WHERE finished_at < ?`, ts)
	if err != nil {
		return 0, fmt.Errorf("delete outcomes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted outcomes: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete: %w", err)
	}
	return n, nil
}
