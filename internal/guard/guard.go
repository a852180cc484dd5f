// Package guard defines the optional execution-wrapping collaborator.
//
// A guard may wrap the perform step of a task for policy injection. The
// engine always calls through this interface; when no external guard is
// wired in, the null implementation performs the action directly, so the
// substitution is invisible to the rest of the state machine.
package guard

import (
	"context"

	"taskguard/internal/runner"
)

// Request describes the action about to be performed, for the guard's
// policy decision.
type Request struct {
	TaskID          string
	Lane            string
	ActionType      string
	ExpectedOutcome string
	ConfidencePre   float64
	Metadata        map[string]any
}

// PerformFunc executes the underlying action.
type PerformFunc func(ctx context.Context) runner.Result

// Guard wraps one action execution. A non-nil error means the guard was
// unavailable; callers fall back to performing directly.
type Guard interface {
	Exec(ctx context.Context, req Request, perform PerformFunc) (runner.Result, error)
}

type nopGuard struct{}

func (nopGuard) Exec(ctx context.Context, _ Request, perform PerformFunc) (runner.Result, error) {
	return perform(ctx), nil
}

// Nop returns the default guard: no policy, direct execution.
func Nop() Guard { return nopGuard{} }
