package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskguard/internal/config"
	"taskguard/internal/engine"
	"taskguard/internal/guard"
	"taskguard/internal/journal"
	"taskguard/internal/store"
	"taskguard/internal/watch"
	logx "taskguard/pkg/logx"
)

// Exit codes. A failed run (single task or any task of a batch) exits 2 so
// callers can distinguish "the task failed" from operational errors (1).
const (
	exitOK    = 0
	exitError = 1
	exitFail  = 2
)

const usage = `taskguard - durable polling task scheduler

Usage:
  taskguard <command> [flags]

Commands:
  init        create the database and print its location
  add         add or replace a task definition
  import      bulk-import a task queue document (JSON or YAML)
  run-task    run one task now
  run-due     run every due task (optionally marker-scoped)
  runs        list recent runs
  report      summarize runs inside a trailing window
  marker      marker operations: create|list|add-task|remove-task|status|close
  watch       run due cycles continuously

Common flags:
  -config <path>   optional config file (YAML)
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	os.Exit(run(ctx, os.Args[1:]))
}

func run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return exitError
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "init":
		return cmdInit(ctx, rest)
	case "add":
		return cmdAdd(ctx, rest)
	case "import":
		return cmdImport(ctx, rest)
	case "run-task":
		return cmdRunTask(ctx, rest)
	case "run-due":
		return cmdRunDue(ctx, rest)
	case "runs":
		return cmdRuns(ctx, rest)
	case "report":
		return cmdReport(ctx, rest)
	case "marker":
		return cmdMarker(ctx, rest)
	case "watch":
		return cmdWatch(ctx, rest)
	case "help", "-h", "--help":
		fmt.Fprint(os.Stderr, usage)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n%s", cmd, usage)
		return exitError
	}
}

// app wires the process-level pieces every subcommand needs.
type app struct {
	cfg  config.Config
	logs *logx.Service
	log  logx.Logger
	st   *store.Store
	jnl  journal.Journal
	eng  *engine.Engine
}

// newApp bootstraps config, logging, store, journal and engine. Console
// logging stays off for one-shot commands so stdout carries only the JSON
// result; the watch command turns it on.
func newApp(cfgPath string, console bool) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logs, log := logx.New(logx.Config{
		Level:   cfg.LogLevel,
		Console: console,
		File:    logx.FileConfig{Enabled: true, Path: cfg.LogFile()},
	})
	st, err := store.Open(store.Config{Path: cfg.DBPath(), BusyTimeout: 5 * time.Second}, log)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	jnl := journal.OpenFile(cfg.DataDir, "taskguard", store.UTCNow, log)
	eng := engine.New(engine.Config{DataDir: cfg.DataDir}, st, guard.Nop(), jnl, log)
	return &app{cfg: cfg, logs: logs, log: log, st: st, jnl: jnl, eng: eng}, nil
}

func (a *app) Close() {
	journal.Close(a.jnl)
	_ = a.st.Close()
	_ = a.logs.Close()
}

func cmdInit(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "config file")
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	_ = ctx
	a, err := newApp(*cfgPath, false)
	if err != nil {
		return fail(err)
	}
	defer a.Close()
	return printJSON(map[string]any{"ok": true, "db_path": a.cfg.DBPath()})
}

func cmdAdd(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "config file")
	id := fs.String("id", "", "task id (required)")
	name := fs.String("name", "", "task name (required)")
	tool := fs.String("tool", "", "exec | gh | http_request (required)")
	command := fs.String("command", "", "shell command (exec/gh)")
	url := fs.String("url", "", "url (http_request)")
	timeout := fs.Int("timeout", engine.DefaultTimeout, "action timeout in seconds")
	scheduleSpec := fs.String("schedule", "", "cron:<expr> or every:<seconds> (required)")
	expected := fs.String("expected", engine.DefaultExpected, "expected outcome description")
	verifyPolicy := fs.String("verify", engine.DefaultVerify, "file_exists | exit_code_0")
	output := fs.String("output", "", "artifact path (default runs/<id>.out.txt)")
	disabled := fs.Bool("disabled", false, "create the task disabled")
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	if *id == "" || *name == "" || *tool == "" || *scheduleSpec == "" {
		fmt.Fprintln(os.Stderr, "add: -id, -name, -tool and -schedule are required")
		return exitError
	}

	a, err := newApp(*cfgPath, false)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	t, err := a.eng.AddTask(ctx, engine.TaskSpec{
		ID:       *id,
		Name:     *name,
		Tool:     *tool,
		Command:  *command,
		URL:      *url,
		Timeout:  *timeout,
		Schedule: *scheduleSpec,
		Expected: *expected,
		Verify:   *verifyPolicy,
		Output:   *output,
		Disabled: *disabled,
	})
	if err != nil {
		return fail(err)
	}
	return printJSON(map[string]any{"ok": true, "task_id": t.ID, "next_run_at": t.NextRunAt})
}

func cmdImport(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "config file")
	file := fs.String("file", "", "task queue document (required)")
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	if *file == "" {
		fmt.Fprintln(os.Stderr, "import: -file is required")
		return exitError
	}

	a, err := newApp(*cfgPath, false)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	rep, err := a.eng.ImportQueueFile(ctx, *file)
	if err != nil {
		return fail(err)
	}
	return printJSON(rep)
}

func cmdRunTask(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("run-task", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "config file")
	id := fs.String("id", "", "task id (required)")
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	if *id == "" {
		fmt.Fprintln(os.Stderr, "run-task: -id is required")
		return exitError
	}

	a, err := newApp(*cfgPath, false)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	res, err := a.eng.RunTaskByID(ctx, *id)
	if err != nil {
		return fail(err)
	}
	if rc := printJSON(res); rc != exitOK {
		return rc
	}
	if res.Status != store.RunSuccess {
		return exitFail
	}
	return exitOK
}

func cmdRunDue(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("run-due", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "config file")
	limit := fs.Int("limit", 25, "max tasks per cycle")
	marker := fs.String("marker", "", "run only tasks in this active marker")
	activeOnly := fs.Bool("active-markers-only", false, "run only tasks under any active marker")
	if err := fs.Parse(args); err != nil {
		return exitError
	}

	a, err := newApp(*cfgPath, false)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	rep, err := a.eng.RunDue(ctx, engine.CycleOptions{
		Limit:             *limit,
		Marker:            *marker,
		ActiveMarkersOnly: *activeOnly,
		FailFast:          a.cfg.FailFast,
	})
	if err != nil {
		return fail(err)
	}
	if rc := printJSON(rep); rc != exitOK {
		return rc
	}
	for _, r := range rep.Results {
		if r.Status != store.RunSuccess {
			return exitFail
		}
	}
	return exitOK
}

func cmdRuns(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "config file")
	limit := fs.Int("limit", 50, "max runs")
	if err := fs.Parse(args); err != nil {
		return exitError
	}

	a, err := newApp(*cfgPath, false)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	runs, err := a.st.ListRuns(ctx, *limit)
	if err != nil {
		return fail(err)
	}
	return printJSON(map[string]any{"count": len(runs), "runs": runs})
}

func cmdReport(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "config file")
	window := fs.String("window", "24h", "trailing window: <int>m|h|d")
	if err := fs.Parse(args); err != nil {
		return exitError
	}

	a, err := newApp(*cfgPath, false)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	rep, err := a.eng.Report(ctx, *window)
	if err != nil {
		return fail(err)
	}
	return printJSON(rep)
}

func cmdMarker(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "marker: expected create|list|add-task|remove-task|status|close")
		return exitError
	}
	sub, rest := args[0], args[1:]

	fs := flag.NewFlagSet("marker "+sub, flag.ContinueOnError)
	cfgPath := fs.String("config", "", "config file")
	name := fs.String("name", "", "marker name")
	taskID := fs.String("task-id", "", "task id (add-task/remove-task)")
	limit := fs.Int("limit", 50, "max markers (list)")
	if err := fs.Parse(rest); err != nil {
		return exitError
	}

	needName := sub != "list"
	if needName && *name == "" {
		fmt.Fprintf(os.Stderr, "marker %s: -name is required\n", sub)
		return exitError
	}

	a, err := newApp(*cfgPath, false)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	switch sub {
	case "create":
		m, err := a.st.CreateMarker(ctx, *name)
		if err != nil {
			return fail(err)
		}
		return printJSON(map[string]any{"ok": true, "marker": m.Name, "marker_id": m.MarkerID})
	case "list":
		markers, err := a.st.ListMarkers(ctx, *limit)
		if err != nil {
			return fail(err)
		}
		return printJSON(map[string]any{"markers": markers})
	case "add-task":
		if *taskID == "" {
			fmt.Fprintln(os.Stderr, "marker add-task: -task-id is required")
			return exitError
		}
		if err := a.st.AddTaskToMarker(ctx, *name, *taskID); err != nil {
			return fail(err)
		}
		return printJSON(map[string]any{"ok": true, "marker": *name, "task_id": *taskID})
	case "remove-task":
		if *taskID == "" {
			fmt.Fprintln(os.Stderr, "marker remove-task: -task-id is required")
			return exitError
		}
		if err := a.st.RemoveTaskFromMarker(ctx, *name, *taskID); err != nil {
			return fail(err)
		}
		return printJSON(map[string]any{"ok": true, "marker": *name, "task_id": *taskID, "removed": true})
	case "status":
		health, err := a.st.MarkerStatus(ctx, *name)
		if err != nil {
			return fail(err)
		}
		return printJSON(health)
	case "close":
		if err := a.st.CloseMarker(ctx, *name); err != nil {
			return fail(err)
		}
		return printJSON(map[string]any{"ok": true, "marker": *name, "status": store.MarkerClosed})
	default:
		fmt.Fprintf(os.Stderr, "marker: unknown subcommand %s\n", sub)
		return exitError
	}
}

func cmdWatch(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "config file")
	interval := fs.Duration("interval", time.Minute, "time between due cycles")
	queueFile := fs.String("queue-file", "", "task queue document reimported on change")
	limit := fs.Int("limit", 25, "max tasks per cycle")
	marker := fs.String("marker", "", "run only tasks in this active marker")
	activeOnly := fs.Bool("active-markers-only", false, "run only tasks under any active marker")
	if err := fs.Parse(args); err != nil {
		return exitError
	}

	a, err := newApp(*cfgPath, true)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	svc := watch.New(a.eng, watch.Options{
		Interval:  *interval,
		QueueFile: *queueFile,
		Cycle: engine.CycleOptions{
			Limit:             *limit,
			Marker:            *marker,
			ActiveMarkersOnly: *activeOnly,
			FailFast:          a.cfg.FailFast,
		},
	}, a.log)
	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fail(err)
	}
	return exitOK
}

func printJSON(v any) int {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fail(err)
	}
	fmt.Println(string(b))
	return exitOK
}

func fail(err error) int {
	fmt.Fprintln(os.Stderr, "error:", err)
	return exitError
}
