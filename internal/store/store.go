// Package store persists execution history in SQLite. History is advisory:
// writes happen off the request path and a lost record never fails a request.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// isBusyLock reports whether err indicates SQLite database lock (SQLITE_BUSY).
// Handles wrapped errors from database/sql.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

// Execution is one recorded run, stateless or session.
type Execution struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id,omitempty"` // empty for stateless runs
	Language   string    `json:"language"`
	Mode       string    `json:"mode"` // "stateless" or "session"
	Status     string    `json:"status"`
	Stdout     string    `json:"stdout"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

type Store struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS executions (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL DEFAULT '',
	language    TEXT NOT NULL,
	mode        TEXT NOT NULL,
	status      TEXT NOT NULL,
	stdout      TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_session_id ON executions(session_id);
CREATE INDEX IF NOT EXISTS idx_executions_created_at ON executions(created_at);
`

// maxStoredOutputBytes caps stdout/error per history row; history is for
// inspection, not replay.
const maxStoredOutputBytes = 64 * 1024

// dsnWithPragmas returns a connection string with WAL, busy_timeout, and perf
// pragmas applied to every new connection; the driver applies DSN pragmas
// per-connection.
func dsnWithPragmas(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=cache_size(-64000)" +
		"&_pragma=temp_store(MEMORY)"
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dsnWithPragmas(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// History sees one async writer per execution plus occasional reads;
	// a small pool is plenty and keeps writer contention low. An in-memory
	// database is per-connection, so it must stay on a single one.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
	}

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts one execution row, truncating oversized output.
func (s *Store) Record(e *Execution) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	stdout := clip(e.Stdout)
	errText := clip(e.Error)

	err := retryOnBusy(func() error {
		_, err := s.db.Exec(
			`INSERT INTO executions (id, session_id, language, mode, status, stdout, error, duration_ms, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.SessionID, e.Language, e.Mode, e.Status, stdout, errText, e.DurationMs, e.CreatedAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("recording execution %s: %w", e.ID, err)
	}
	return nil
}

// ListRecent returns the newest executions first.
func (s *Store) ListRecent(limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, session_id, language, mode, status, stdout, error, duration_ms, created_at
		 FROM executions ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		var e Execution
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Language, &e.Mode, &e.Status,
			&e.Stdout, &e.Error, &e.DurationMs, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}
		execs = append(execs, &e)
	}
	return execs, rows.Err()
}

// ListBySession returns a session's executions, oldest first.
func (s *Store) ListBySession(sessionID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, session_id, language, mode, status, stdout, error, duration_ms, created_at
		 FROM executions WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing session executions: %w", err)
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		var e Execution
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Language, &e.Mode, &e.Status,
			&e.Stdout, &e.Error, &e.DurationMs, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}
		execs = append(execs, &e)
	}
	return execs, rows.Err()
}

func clip(s string) string {
	if len(s) > maxStoredOutputBytes {
		return s[:maxStoredOutputBytes]
	}
	return s
}
