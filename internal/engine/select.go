package engine

import (
	"context"

	"taskguard/internal/store"
)

// CycleOptions pick one of the three selection policies for a scheduling
// cycle. FailFast is carried explicitly here rather than read from ambient
// process state.
type CycleOptions struct {
	Limit int

	// Marker restricts the cycle to one named marker (only if active).
	Marker string

	// ActiveMarkersOnly restricts the cycle to tasks under any active
	// marker. With FailFast set, only markers that are currently green
	// contribute tasks.
	ActiveMarkersOnly bool
	FailFast          bool
}

// listMarkersMax bounds the marker scan in the fail-fast path.
const listMarkersMax = 200

// selectDue resolves the cycle's batch. Selection is read-only: nothing is
// mutated until the engine runs the batch.
func (e *Engine) selectDue(ctx context.Context, now string, opts CycleOptions) ([]store.Task, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 25
	}

	switch {
	case opts.Marker != "":
		return e.store.DueTasksForMarker(ctx, opts.Marker, now, limit)
	case opts.ActiveMarkersOnly && opts.FailFast:
		return e.selectGreenMarkers(ctx, now, limit)
	case opts.ActiveMarkersOnly:
		return e.store.DueTasksActiveMarkersOnly(ctx, now, limit)
	default:
		return e.store.DueTasks(ctx, now, limit)
	}
}

// selectGreenMarkers is the fail-fast circuit breaker: a marker with any
// unhealthy member contributes nothing, even its healthy-looking tasks,
// until fresh successful runs turn it green again.
func (e *Engine) selectGreenMarkers(ctx context.Context, now string, limit int) ([]store.Task, error) {
	markers, err := e.store.ListMarkers(ctx, listMarkersMax)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var due []store.Task
	for _, m := range markers {
		if m.Status != store.MarkerActive {
			continue
		}
		health, err := e.store.MarkerStatus(ctx, m.Name)
		if err != nil {
			return nil, err
		}
		if !health.Green {
			continue
		}
		batch, err := e.store.DueTasksForMarker(ctx, m.Name, now, limit)
		if err != nil {
			return nil, err
		}
		for _, t := range batch {
			if seen[t.ID] {
				continue
			}
			seen[t.ID] = true
			due = append(due, t)
		}
	}
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}
