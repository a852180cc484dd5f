package engine

import (
	"context"
	"time"

	"taskguard/internal/schedule"
	"taskguard/internal/store"
)

// WindowReport counts run outcomes inside a trailing time window.
type WindowReport struct {
	Window  string `json:"window"`
	Since   string `json:"since"`
	Runs    int    `json:"runs"`
	Success int    `json:"success"`
	Fail    int    `json:"fail"`
}

// Report summarizes runs started within the given window ("90m", "24h",
// "7d").
func (e *Engine) Report(ctx context.Context, window string) (WindowReport, error) {
	d, err := schedule.ParseWindow(window)
	if err != nil {
		return WindowReport{}, err
	}
	since := store.FormatTime(time.Now().Add(-d))
	runs, err := e.store.RunsInWindow(ctx, since)
	if err != nil {
		return WindowReport{}, err
	}

	rep := WindowReport{Window: window, Since: since, Runs: len(runs)}
	for _, r := range runs {
		switch r.Status {
		case store.RunSuccess:
			rep.Success++
		case store.RunFail:
			rep.Fail++
		}
	}
	return rep, nil
}
