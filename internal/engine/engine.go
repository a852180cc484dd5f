// Package engine orchestrates one task's full lifecycle (start run, perform
// action, verify artifact, finalize run, reschedule) and the batch cycle
// that selects and runs due tasks.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"taskguard/internal/guard"
	"taskguard/internal/journal"
	"taskguard/internal/runner"
	"taskguard/internal/schedule"
	"taskguard/internal/store"
	"taskguard/internal/verify"
	logx "taskguard/pkg/logx"

	"github.com/google/uuid"
)

// Lane under which guarded actions and journal events are reported.
const lane = "taskguard"

// Config carries the engine's process-level settings.
type Config struct {
	// DataDir anchors relative task output paths.
	DataDir string
}

// Engine holds no state across invocations beyond what it writes to the
// store.
type Engine struct {
	cfg     Config
	store   *store.Store
	runner  *runner.Runner
	guard   guard.Guard
	journal journal.Journal
	log     logx.Logger
}

func New(cfg Config, st *store.Store, g guard.Guard, j journal.Journal, log logx.Logger) *Engine {
	if g == nil {
		g = guard.Nop()
	}
	if j == nil {
		j = journal.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		cfg:     cfg,
		store:   st,
		runner:  runner.New(log),
		guard:   g,
		journal: j,
		log:     log,
	}
}

// Result is one task's entry in a batch report.
type Result struct {
	RunID      string  `json:"run_id,omitempty"`
	TaskID     string  `json:"task_id"`
	Name       string  `json:"name"`
	Status     string  `json:"status"`
	Message    string  `json:"message"`
	OutputPath string  `json:"output_path,omitempty"`
	FinishedAt string  `json:"finished_at,omitempty"`
	NextRunAt  *string `json:"next_run_at"`
}

// BatchReport aggregates one scheduling cycle.
type BatchReport struct {
	Now     string   `json:"now"`
	Count   int      `json:"count"`
	Results []Result `json:"results"`
}

// RunTask executes one task exactly once: it creates the run, performs the
// action through the guard, writes the artifact, verifies it, finalizes the
// run and recomputes the next run time.
//
// Only persistence failures surface as errors; action and verification
// failures are terminal run states, not errors.
func (e *Engine) RunTask(ctx context.Context, t store.Task) (Result, error) {
	outputPath := t.OutputPath
	if !filepath.IsAbs(outputPath) {
		outputPath = filepath.Join(e.cfg.DataDir, outputPath)
	}

	runID := uuid.NewString()
	startedAt := store.UTCNow()

	err := e.store.CreateRun(ctx, runID, t.ID, startedAt, outputPath, map[string]any{
		"tool":     t.Tool,
		"schedule": t.Schedule,
		"expected": t.Expected,
	})
	if err != nil {
		return Result{}, err
	}

	e.journal.Remember(ctx, "SYSTEM",
		fmt.Sprintf("Task started: %s | %s | tool=%s | run_id=%s", t.ID, t.Name, t.Tool, runID))
	e.log.Info("task start",
		logx.String("task", t.ID), logx.String("name", t.Name), logx.String("run_id", runID))

	perform := func(ctx context.Context) runner.Result {
		return e.runner.Perform(ctx, t.Tool, t.Params)
	}
	req := guard.Request{
		TaskID:          t.ID,
		Lane:            lane,
		ActionType:      actionType(t.Tool),
		ExpectedOutcome: t.Expected,
		ConfidencePre:   0.7,
		Metadata: map[string]any{
			"run_id":    runID,
			"task_name": t.Name,
		},
	}
	res, gerr := e.guard.Exec(ctx, req, perform)
	if gerr != nil {
		// Guard unavailable: degrade to direct execution, transparently.
		e.log.Debug("guard unavailable, performing directly", logx.Err(gerr), logx.String("task", t.ID))
		res = perform(ctx)
	}

	// The artifact is written whether the action succeeded or not.
	if werr := writeOutput(outputPath, res.Text); werr != nil {
		e.log.Warn("artifact write failed", logx.Err(werr), logx.String("path", outputPath))
	}

	verifyOK, verifyMsg := verify.Check(t.Verify, outputPath)

	// SUCCESS requires both: a clean action and a verified artifact. A
	// zero-exit command that produced nothing is still a failure.
	status := store.RunFail
	if res.OK && verifyOK {
		status = store.RunSuccess
	}
	message := strings.TrimSpace(strings.ToUpper(status) + " | " + res.Message)
	finishedAt := store.UTCNow()

	metaUpdates := map[string]any{
		"ok":         status == store.RunSuccess,
		"verify_msg": verifyMsg,
	}
	if status != store.RunSuccess {
		metaUpdates["exec_ok"] = res.OK
		metaUpdates["verify_ok"] = verifyOK
	}
	for k, v := range res.Meta {
		metaUpdates[k] = v
	}
	if err := e.store.FinishRun(ctx, runID, status, message, finishedAt, metaUpdates); err != nil {
		return Result{}, err
	}

	// A broken schedule string must not fail the task: it falls back to
	// "due immediately" on the next cycle.
	nextRunAt := e.nextRun(t.Schedule)
	if err := e.store.SetNextRun(ctx, t.ID, nextRunAt); err != nil {
		return Result{}, err
	}

	e.journal.Remember(ctx, "SYSTEM",
		fmt.Sprintf("Task finished: %s | %s | status=%s | run_id=%s | output=%s",
			t.ID, t.Name, status, runID, outputPath))
	e.log.Info("task end",
		logx.String("task", t.ID), logx.String("status", status), logx.Any("next_run_at", nextRunAt))

	return Result{
		RunID:      runID,
		TaskID:     t.ID,
		Name:       t.Name,
		Status:     status,
		Message:    message,
		OutputPath: outputPath,
		FinishedAt: finishedAt,
		NextRunAt:  nextRunAt,
	}, nil
}

// RunTaskByID runs a single task outside a batch. Lookup errors propagate.
func (e *Engine) RunTaskByID(ctx context.Context, id string) (Result, error) {
	t, err := e.store.GetTask(ctx, id)
	if err != nil {
		return Result{}, err
	}
	return e.RunTask(ctx, t)
}

// RunDue selects the due batch under opts and runs it strictly sequentially.
// A fault inside one task never aborts its siblings: the task is best-effort
// rescheduled and recorded as a synthetic fail result.
func (e *Engine) RunDue(ctx context.Context, opts CycleOptions) (BatchReport, error) {
	now := store.UTCNow()
	due, err := e.selectDue(ctx, now, opts)
	if err != nil {
		return BatchReport{}, err
	}

	e.log.Info("run due", logx.Int("due", len(due)), logx.Int("limit", opts.Limit))

	results := make([]Result, 0, len(due))
	for _, t := range due {
		res, err := e.runOne(ctx, t)
		if err != nil {
			e.rescheduleBestEffort(ctx, t)
			results = append(results, Result{
				TaskID:  t.ID,
				Name:    t.Name,
				Status:  store.RunFail,
				Message: err.Error(),
			})
			continue
		}
		results = append(results, res)
	}

	return BatchReport{Now: now, Count: len(results), Results: results}, nil
}

// runOne wraps RunTask so that a panic from the action, verifier or guard is
// contained to this task.
func (e *Engine) runOne(ctx context.Context, t store.Task) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("task panicked", logx.String("task", t.ID), logx.Any("panic", r))
			err = fmt.Errorf("task %s panicked: %v", t.ID, r)
		}
	}()
	return e.RunTask(ctx, t)
}

func (e *Engine) rescheduleBestEffort(ctx context.Context, t store.Task) {
	next := e.nextRun(t.Schedule)
	if err := e.store.SetNextRun(ctx, t.ID, next); err != nil {
		_ = e.store.SetNextRun(ctx, t.ID, nil)
	}
}

// nextRun computes the task's next run time from now; scheduling errors are
// swallowed into nil (immediately due) so one bad schedule string never
// blocks the rest of the cycle.
func (e *Engine) nextRun(scheduleSpec string) *string {
	nxt, err := schedule.NextRun(scheduleSpec, time.Now())
	if err != nil {
		e.log.Warn("reschedule failed, task becomes immediately due",
			logx.String("schedule", scheduleSpec), logx.Err(err))
		return nil
	}
	s := store.FormatTime(nxt)
	return &s
}

func actionType(tool string) string {
	if tool == "http_request" {
		return "http_request"
	}
	return "command_exec"
}

func writeOutput(path, text string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(text), 0o644)
}
