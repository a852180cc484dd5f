package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const markerColumns = "marker_id, name, status, created_at, closed_at"

// CreateMarker creates an active marker with a fresh id.
// Marker names are globally unique; creating a duplicate name fails.
func (s *Store) CreateMarker(ctx context.Context, name string) (Marker, error) {
	m := Marker{
		MarkerID:  uuid.NewString(),
		Name:      name,
		Status:    MarkerActive,
		CreatedAt: UTCNow(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO markers (`+markerColumns+`) VALUES (?,?,?,?,?)`,
		m.MarkerID, m.Name, m.Status, m.CreatedAt, nil,
	)
	if err != nil {
		return Marker{}, fmt.Errorf("create marker %s: %w", name, err)
	}
	return m, nil
}

// GetMarker looks a marker up by name.
func (s *Store) GetMarker(ctx context.Context, name string) (Marker, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+markerColumns+` FROM markers WHERE name = ?`, name)
	m, err := scanMarker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Marker{}, fmt.Errorf("%w: %s", ErrMarkerNotFound, name)
	}
	if err != nil {
		return Marker{}, fmt.Errorf("get marker %s: %w", name, err)
	}
	return m, nil
}

// ListMarkers returns markers, newest first.
func (s *Store) ListMarkers(ctx context.Context, limit int) ([]Marker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+markerColumns+` FROM markers ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list markers: %w", err)
	}
	defer rows.Close()
	var out []Marker
	for rows.Next() {
		m, err := scanMarker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CloseMarker marks the named marker closed.
func (s *Store) CloseMarker(ctx context.Context, name string) error {
	if _, err := s.GetMarker(ctx, name); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE markers SET status=?, closed_at=? WHERE name=?`,
		MarkerClosed, UTCNow(), name,
	)
	if err != nil {
		return fmt.Errorf("close marker %s: %w", name, err)
	}
	return nil
}

// AddTaskToMarker adds a task to a marker's membership. Adding the same task
// twice is a no-op.
func (s *Store) AddTaskToMarker(ctx context.Context, markerName, taskID string) error {
	m, err := s.GetMarker(ctx, markerName)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO marker_tasks (marker_id, task_id, added_at) VALUES (?,?,?)`,
		m.MarkerID, taskID, UTCNow(),
	)
	if err != nil {
		return fmt.Errorf("add task %s to marker %s: %w", taskID, markerName, err)
	}
	return nil
}

// RemoveTaskFromMarker removes a task from a marker's membership.
func (s *Store) RemoveTaskFromMarker(ctx context.Context, markerName, taskID string) error {
	m, err := s.GetMarker(ctx, markerName)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM marker_tasks WHERE marker_id=? AND task_id=?`, m.MarkerID, taskID)
	if err != nil {
		return fmt.Errorf("remove task %s from marker %s: %w", taskID, markerName, err)
	}
	return nil
}

// MarkerTaskIDs returns the marker's member task ids in the order they
// were added.
func (s *Store) MarkerTaskIDs(ctx context.Context, markerName string) ([]string, error) {
	m, err := s.GetMarker(ctx, markerName)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id FROM marker_tasks WHERE marker_id=? ORDER BY added_at ASC`, m.MarkerID)
	if err != nil {
		return nil, fmt.Errorf("marker tasks %s: %w", markerName, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// DueTasksForMarker is DueTasks restricted to the named marker's members.
// It returns an empty batch (not an error) when the marker does not exist
// or is not active.
func (s *Store) DueTasksForMarker(ctx context.Context, markerName, now string, limit int) ([]Task, error) {
	m, err := s.GetMarker(ctx, markerName)
	if errors.Is(err, ErrMarkerNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if m.Status != MarkerActive {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.name, t.tool, t.params_json, t.schedule, t.expected, t.verify,
		        t.output_path, t.enabled, t.created_at, t.updated_at, t.next_run_at
		 FROM tasks t
		 JOIN marker_tasks mt ON mt.task_id = t.id
		 WHERE mt.marker_id = ?
		   AND t.enabled=1
		   AND (t.next_run_at IS NULL OR t.next_run_at <= ?)
		 ORDER BY COALESCE(t.next_run_at, t.created_at) ASC
		 LIMIT ?`,
		m.MarkerID, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("due tasks for marker %s: %w", markerName, err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// DueTasksActiveMarkersOnly returns the deduplicated union of due tasks
// across every active marker's membership.
func (s *Store) DueTasksActiveMarkersOnly(ctx context.Context, now string, limit int) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT t.id, t.name, t.tool, t.params_json, t.schedule, t.expected, t.verify,
		        t.output_path, t.enabled, t.created_at, t.updated_at, t.next_run_at
		 FROM tasks t
		 JOIN marker_tasks mt ON mt.task_id = t.id
		 JOIN markers m ON m.marker_id = mt.marker_id
		 WHERE m.status='active'
		   AND t.enabled=1
		   AND (t.next_run_at IS NULL OR t.next_run_at <= ?)
		 ORDER BY COALESCE(t.next_run_at, t.created_at) ASC
		 LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("due tasks active markers: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// MarkerStatus computes the marker health report.
//
// The marker's created_at is the watermark: only runs started at or after it
// count as evidence. A member with no qualifying run is "missing"; a member
// whose newest qualifying run is not success carries that run's status. The
// marker is green iff every member's newest qualifying run succeeded, and a
// marker with no members is never green.
func (s *Store) MarkerStatus(ctx context.Context, markerName string) (MarkerHealth, error) {
	m, err := s.GetMarker(ctx, markerName)
	if err != nil {
		return MarkerHealth{}, err
	}
	taskIDs, err := s.MarkerTaskIDs(ctx, markerName)
	if err != nil {
		return MarkerHealth{}, err
	}

	okAll := true
	states := make([]MemberState, 0, len(taskIDs))
	for _, tid := range taskIDs {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+runColumns+` FROM runs
			 WHERE task_id=? AND started_at >= ?
			 ORDER BY started_at DESC
			 LIMIT 1`,
			tid, m.CreatedAt,
		)
		r, err := scanRun(row)
		if errors.Is(err, sql.ErrNoRows) {
			okAll = false
			states = append(states, MemberState{TaskID: tid, State: StateMissing})
			continue
		}
		if err != nil {
			return MarkerHealth{}, fmt.Errorf("marker status %s: %w", markerName, err)
		}
		if r.Status != RunSuccess {
			okAll = false
		}
		states = append(states, MemberState{
			TaskID: tid,
			State:  r.Status,
			Latest: &LatestRun{StartedAt: r.StartedAt, Message: r.Message},
		})
	}

	return MarkerHealth{
		Marker: m,
		Green:  okAll && len(taskIDs) > 0,
		Tasks:  states,
	}, nil
}

func scanMarker(r rowScanner) (Marker, error) {
	var m Marker
	var closed sql.NullString
	if err := r.Scan(&m.MarkerID, &m.Name, &m.Status, &m.CreatedAt, &closed); err != nil {
		return Marker{}, err
	}
	m.ClosedAt = strPtr(closed)
	return m, nil
}
