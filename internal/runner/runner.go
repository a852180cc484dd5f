package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	logx "taskguard/pkg/logx"
)

// DefaultTimeout applies when a task's params carry no timeout.
const DefaultTimeout = 300 * time.Second

// Result is the outcome of one action attempt.
//
// Text is the captured output destined for the task's artifact; it is written
// verbatim whether the action succeeded or not.
type Result struct {
	OK      bool
	Text    string
	Message string
	Meta    map[string]any
}

// Runner performs the pluggable task actions: shell commands and HTTP
// fetches, each bounded by the task's own timeout.
type Runner struct {
	log    logx.Logger
	client *http.Client
	shell  string
}

func New(log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{
		log:    log,
		client: &http.Client{},
		shell:  "/bin/sh",
	}
}

// Perform dispatches on the task tool. "gh" is an alias of "exec".
// An unknown tool is an action failure, not an error: the failure text is
// what ends up in the artifact.
func (r *Runner) Perform(ctx context.Context, tool string, params map[string]any) Result {
	timeout := paramDuration(params, "timeout", DefaultTimeout)

	switch tool {
	case "exec", "gh":
		return r.runCommand(ctx, paramString(params, "command"), timeout)
	case "http_request":
		return r.fetch(ctx, paramString(params, "url"), timeout)
	default:
		msg := fmt.Sprintf("Unknown tool: %s", tool)
		return Result{OK: false, Text: msg, Message: msg, Meta: map[string]any{"tool": tool}}
	}
}

func (r *Runner) runCommand(ctx context.Context, cmd string, timeout time.Duration) Result {
	r.log.Debug("run command", logx.String("cmd", truncate(cmd, 140)), logx.Duration("timeout", timeout))

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(cctx, r.shell, "-c", cmd)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	err := c.Run()

	text := stdout.String()
	if stderr.Len() > 0 {
		text += "\n--- STDERR ---\n" + stderr.String()
	}

	rc := 0
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			rc = ee.ExitCode()
		} else {
			rc = -1
			text += "\n--- ERROR ---\n" + err.Error()
		}
	}
	msg := fmt.Sprintf("Exit code: %d", rc)
	if errors.Is(cctx.Err(), context.DeadlineExceeded) {
		msg = fmt.Sprintf("Timed out after %s", timeout)
	}

	return Result{
		OK:      err == nil,
		Text:    text,
		Message: msg,
		Meta: map[string]any{
			"returncode": rc,
			"stdout_len": stdout.Len(),
			"stderr_len": stderr.Len(),
		},
	}
}

func (r *Runner) fetch(ctx context.Context, url string, timeout time.Duration) Result {
	r.log.Debug("http fetch", logx.String("url", url), logx.Duration("timeout", timeout))

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fail := func(err error) Result {
		msg := "HTTP request failed"
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			msg = fmt.Sprintf("Timed out after %s", timeout)
		}
		return Result{
			OK:      false,
			Text:    "--- ERROR ---\n" + err.Error(),
			Message: msg,
			Meta:    map[string]any{"returncode": -1},
		}
	}

	req, err := http.NewRequestWithContext(cctx, http.MethodGet, url, nil)
	if err != nil {
		return fail(err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail(err)
	}

	// Transport-level completion counts as success; the status code is
	// recorded for the verifier's caller to inspect in meta.
	return Result{
		OK:      true,
		Text:    string(body),
		Message: fmt.Sprintf("HTTP status: %d", resp.StatusCode),
		Meta: map[string]any{
			"returncode":  0,
			"status_code": resp.StatusCode,
			"body_len":    len(body),
		},
	}
}

func paramString(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	s, _ := params[key].(string)
	return s
}

func paramDuration(params map[string]any, key string, def time.Duration) time.Duration {
	if params == nil {
		return def
	}
	switch v := params[key].(type) {
	case float64:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	case int:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	case int64:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	}
	return def
}

func truncate(s string, maxN int) string {
	if len(s) <= maxN {
		return s
	}
	return strings.TrimSpace(s[:maxN]) + "..."
}
