package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskguard/internal/schedule"
	"taskguard/internal/store"
)

var ErrUnknownTool = errors.New("unknown tool")

// Defaults applied when a task definition leaves fields blank.
const (
	DefaultTool     = "exec"
	DefaultSchedule = "cron:0 * * * *"
	DefaultVerify   = "file_exists"
	DefaultExpected = "task completes successfully"
	DefaultTimeout  = 300
)

// TaskSpec is a task definition as supplied by a caller (CLI flags or an
// import document entry) before defaults are applied.
type TaskSpec struct {
	ID       string
	Name     string
	Tool     string
	Command  string
	URL      string
	Timeout  int
	Schedule string
	Expected string
	Verify   string
	Output   string
	Disabled bool
}

// AddTask validates a spec, computes its first next_run_at and upserts it.
// Unlike rescheduling after a run, a bad schedule here is the caller's
// mistake and propagates.
func (e *Engine) AddTask(ctx context.Context, spec TaskSpec) (store.Task, error) {
	if spec.ID == "" {
		return store.Task{}, errors.New("task id is required")
	}
	tool := spec.Tool
	if tool == "" {
		tool = DefaultTool
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var params map[string]any
	switch tool {
	case "exec", "gh":
		if spec.Command == "" {
			return store.Task{}, fmt.Errorf("task %s: command is required for tool %s", spec.ID, tool)
		}
		params = map[string]any{"command": spec.Command, "timeout": timeout}
	case "http_request":
		if spec.URL == "" {
			return store.Task{}, fmt.Errorf("task %s: url is required for tool http_request", spec.ID)
		}
		params = map[string]any{"url": spec.URL, "timeout": timeout}
	default:
		return store.Task{}, fmt.Errorf("%w: %s", ErrUnknownTool, tool)
	}

	t := store.Task{
		ID:         spec.ID,
		Name:       defaultStr(spec.Name, spec.ID),
		Tool:       tool,
		Params:     params,
		Schedule:   defaultStr(spec.Schedule, DefaultSchedule),
		Expected:   defaultStr(spec.Expected, DefaultExpected),
		Verify:     defaultStr(spec.Verify, DefaultVerify),
		OutputPath: defaultStr(spec.Output, fmt.Sprintf("runs/%s.out.txt", spec.ID)),
		Enabled:    !spec.Disabled,
	}

	nxt, err := schedule.NextRun(t.Schedule, time.Now())
	if err != nil {
		return store.Task{}, err
	}
	s := store.FormatTime(nxt)
	t.NextRunAt = &s

	if err := e.store.UpsertTask(ctx, t); err != nil {
		return store.Task{}, err
	}
	return t, nil
}

func defaultStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
