package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const taskColumns = "id, name, tool, params_json, schedule, expected, verify, output_path, enabled, created_at, updated_at, next_run_at"

// UpsertTask creates or fully replaces the task with t.ID.
//
// created_at is set on first insert and preserved across updates;
// updated_at is refreshed on every call. next_run_at is stored as supplied
// (nil means due immediately).
func (s *Store) UpsertTask(ctx context.Context, t Task) error {
	params, err := marshalJSON(t.Params)
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", t.ID, err)
	}
	now := UTCNow()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name,
		   tool=excluded.tool,
		   params_json=excluded.params_json,
		   schedule=excluded.schedule,
		   expected=excluded.expected,
		   verify=excluded.verify,
		   output_path=excluded.output_path,
		   enabled=excluded.enabled,
		   updated_at=excluded.updated_at,
		   next_run_at=excluded.next_run_at`,
		t.ID, t.Name, t.Tool, params, t.Schedule, t.Expected, t.Verify,
		t.OutputPath, boolInt(t.Enabled), now, now, nullStr(t.NextRunAt),
	)
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask returns the task with the given id.
func (s *Store) GetTask(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// ListTasks returns tasks ordered by most recently updated.
func (s *Store) ListTasks(ctx context.Context, enabledOnly bool, limit int) ([]Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks `
	if enabledOnly {
		q += `WHERE enabled=1 `
	}
	q += `ORDER BY updated_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// DueTasks returns enabled tasks whose next_run_at is null or has passed,
// soonest first (null next_run_at sorts by created_at).
func (s *Store) DueTasks(ctx context.Context, now string, limit int) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE enabled=1
		   AND (next_run_at IS NULL OR next_run_at <= ?)
		 ORDER BY COALESCE(next_run_at, created_at) ASC
		 LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("due tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// SetNextRun updates a task's next run time (nil clears it, making the task
// immediately due).
func (s *Store) SetNextRun(ctx context.Context, id string, nextRunAt *string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET next_run_at=?, updated_at=? WHERE id=?`,
		nullStr(nextRunAt), UTCNow(), id,
	)
	if err != nil {
		return fmt.Errorf("set next run %s: %w", id, err)
	}
	return nil
}

// SetEnabled toggles a task on or off.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET enabled=?, updated_at=? WHERE id=?`,
		boolInt(enabled), UTCNow(), id,
	)
	if err != nil {
		return fmt.Errorf("set enabled %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (Task, error) {
	var t Task
	var params string
	var enabled int
	var nextRun sql.NullString
	err := r.Scan(&t.ID, &t.Name, &t.Tool, &params, &t.Schedule, &t.Expected,
		&t.Verify, &t.OutputPath, &enabled, &t.CreatedAt, &t.UpdatedAt, &nextRun)
	if err != nil {
		return Task{}, err
	}
	t.Params = unmarshalJSON(params)
	t.Enabled = enabled != 0
	t.NextRunAt = strPtr(nextRun)
	return t, nil
}

func collectTasks(rows *sql.Rows) ([]Task, error) {
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
