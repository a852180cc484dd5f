package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const runColumns = "run_id, task_id, status, started_at, finished_at, message, output_path, meta_json"

// CreateRun inserts a new run in the running state with an empty message.
func (s *Store) CreateRun(ctx context.Context, runID, taskID, startedAt, outputPath string, meta map[string]any) error {
	metaJSON, err := marshalJSON(meta)
	if err != nil {
		return fmt.Errorf("create run %s: %w", runID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		runID, taskID, RunRunning, startedAt, nil, "", outputPath, metaJSON,
	)
	if err != nil {
		return fmt.Errorf("create run %s: %w", runID, err)
	}
	return nil
}

// FinishRun finalizes a run exactly once: terminal status, summary message,
// finished_at, and meta updates merged into (not replacing) the stored meta.
// The read-merge-write runs in one transaction.
func (s *Store) FinishRun(ctx context.Context, runID, status, message, finishedAt string, metaUpdates map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	defer func() { _ = tx.Rollback() }()

	var metaJSON string
	err = tx.QueryRowContext(ctx, `SELECT meta_json FROM runs WHERE run_id = ?`, runID).Scan(&metaJSON)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	meta := unmarshalJSON(metaJSON)
	for k, v := range metaUpdates {
		meta[k] = v
	}
	merged, err := marshalJSON(meta)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET status=?, message=?, finished_at=?, meta_json=? WHERE run_id=?`,
		status, message, finishedAt, merged, runID,
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	return nil
}

// GetRun returns a single run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run not found: %s", runID)
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	return r, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// RunsInWindow returns all runs started at or after since, newest first.
func (s *Store) RunsInWindow(ctx context.Context, since string) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE started_at >= ? ORDER BY started_at DESC`, since)
	if err != nil {
		return nil, fmt.Errorf("runs in window: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

func scanRun(r rowScanner) (Run, error) {
	var run Run
	var finished sql.NullString
	var metaJSON string
	err := r.Scan(&run.RunID, &run.TaskID, &run.Status, &run.StartedAt,
		&finished, &run.Message, &run.OutputPath, &metaJSON)
	if err != nil {
		return Run{}, err
	}
	run.FinishedAt = strPtr(finished)
	run.Meta = unmarshalJSON(metaJSON)
	return run, nil
}

func collectRuns(rows *sql.Rows) ([]Run, error) {
	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
