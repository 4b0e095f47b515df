package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Run status values.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// RunCounts tallies one pipeline run.
type RunCounts struct {
	Fetched   int64
	Processed int64
	Skipped   int64
	Errors    int64
}

// Run is one recorded pipeline run for a user.
type Run struct {
	ID           int64
	UserID       int64
	StartedAt    time.Time
	CompletedAt  time.Time
	Status       string
	Counts       RunCounts
	ErrorMessage string
}

const runColumns = `id, user_id, started_at, completed_at, status,
	fetched, processed, skipped, errors, COALESCE(error_message, '')`

func scanRun(sc rowScanner) (*Run, error) {
	var r Run
	var startedAt, completedAt sql.NullString
	err := sc.Scan(
		&r.ID, &r.UserID, &startedAt, &completedAt, &r.Status,
		&r.Counts.Fetched, &r.Counts.Processed, &r.Counts.Skipped, &r.Counts.Errors,
		&r.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	r.StartedAt = parseTime(startedAt)
	r.CompletedAt = parseTime(completedAt)
	return &r, nil
}

// StartRun records a new running run for userID and returns its ID.
// Any run still marked running for the user is failed as superseded.
func (s *Store) StartRun(userID int64) (int64, error) {
	var id int64
	err := s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE sync_runs
			SET status = 'failed',
			    error_message = 'superseded by new run',
			    completed_at = datetime('now')
			WHERE user_id = ? AND status = 'running'
		`, userID)
		if err != nil {
			return fmt.Errorf("mark old runs failed: %w", err)
		}

		res, err := tx.Exec(`
			INSERT INTO sync_runs (user_id, started_at, status)
			VALUES (?, datetime('now'), 'running')
		`, userID)
		if err != nil {
			return fmt.Errorf("insert sync_run: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// CompleteRun marks a run completed and stores its counts.
func (s *Store) CompleteRun(runID int64, c RunCounts) error {
	_, err := s.db.Exec(`
		UPDATE sync_runs
		SET status = 'completed',
		    completed_at = datetime('now'),
		    fetched = ?, processed = ?, skipped = ?, errors = ?
		WHERE id = ?
	`, c.Fetched, c.Processed, c.Skipped, c.Errors, runID)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// FailRun marks a run failed with the counts reached so far.
func (s *Store) FailRun(runID int64, c RunCounts, errMsg string) error {
	_, err := s.db.Exec(`
		UPDATE sync_runs
		SET status = 'failed',
		    completed_at = datetime('now'),
		    fetched = ?, processed = ?, skipped = ?, errors = ?,
		    error_message = ?
		WHERE id = ?
	`, c.Fetched, c.Processed, c.Skipped, c.Errors, errMsg, runID)
	if err != nil {
		return fmt.Errorf("fail run: %w", err)
	}
	return nil
}

// LastRun returns the most recent run for userID, or nil if there is none.
func (s *Store) LastRun(userID int64) (*Run, error) {
	r, err := scanRun(s.db.QueryRow(`
		SELECT `+runColumns+`
		FROM sync_runs
		WHERE user_id = ?
		ORDER BY id DESC
		LIMIT 1
	`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last run: %w", err)
	}
	return r, nil
}

// ListRuns returns the most recent runs across all users, newest first.
func (s *Store) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM sync_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
