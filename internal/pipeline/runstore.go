package pipeline

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Run statuses. PENDING and RUNNING are transient; SUCCESS and FAILURE
// are terminal. Only FAILURE may be acquired again.
const (
	StatusPending = "PENDING"
	StatusRunning = "RUNNING"
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
)

// ErrRunActive is returned by TryAcquire when the run key is already
// RUNNING or SUCCESS.
var ErrRunActive = errors.New("run already active or completed")

// RunStore is the durable run ledger, backed by SQLite. It survives
// restarts so a message that already produced a SUCCESS run is never
// re-dispatched, while FAILURE runs stay replayable.
type RunStore struct {
	db *sql.DB
}

// OpenRunStore opens (and migrates) the ledger at path. Use ":memory:"
// for tests.
func OpenRunStore(path string) (*RunStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open run ledger: %w", err)
	}
	// A single connection sidesteps SQLITE_BUSY between engine workers.
	db.SetMaxOpenConns(1)

	s := &RunStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate run ledger: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *RunStore) Close() error {
	return s.db.Close()
}

func (s *RunStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_key TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		stage TEXT,
		error TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// TryAcquire transitions a run key to RUNNING. It fails with
// ErrRunActive when the key is already RUNNING or SUCCESS; a FAILURE or
// unknown key is acquired.
func (s *RunStore) TryAcquire(runKey string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRow(`SELECT status FROM runs WHERE run_key = ?`, runKey).Scan(&status)
	now := time.Now().Format(time.RFC3339Nano)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.Exec(`
			INSERT INTO runs (run_key, status, created_at, updated_at)
			VALUES (?, ?, ?, ?)
		`, runKey, StatusRunning, now, now)
		if err != nil {
			return err
		}
	case err != nil:
		return err
	case status == StatusRunning || status == StatusSuccess:
		return ErrRunActive
	default:
		_, err = tx.Exec(`
			UPDATE runs SET status = ?, stage = NULL, error = NULL, updated_at = ?
			WHERE run_key = ?
		`, StatusRunning, now, runKey)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// MarkSuccess records a terminal SUCCESS for the run key.
func (s *RunStore) MarkSuccess(runKey string) error {
	_, err := s.db.Exec(`
		UPDATE runs SET status = ?, stage = NULL, error = NULL, updated_at = ?
		WHERE run_key = ?
	`, StatusSuccess, time.Now().Format(time.RFC3339Nano), runKey)
	return err
}

// MarkFailure records a terminal FAILURE with the failing stage and a
// short error description. A failed run may be acquired again.
func (s *RunStore) MarkFailure(runKey, stage, errMsg string) error {
	_, err := s.db.Exec(`
		UPDATE runs SET status = ?, stage = ?, error = ?, updated_at = ?
		WHERE run_key = ?
	`, StatusFailure, stage, errMsg, time.Now().Format(time.RFC3339Nano), runKey)
	return err
}

// Status returns the recorded status for a run key, or "" when the key
// has never been seen.
func (s *RunStore) Status(runKey string) (string, error) {
	var status string
	err := s.db.QueryRow(`SELECT status FROM runs WHERE run_key = ?`, runKey).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return status, err
}
