package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrInvalidWindow   = errors.New("invalid window")
)

// Kind describes the normalized kind of a schedule string.
//
// We intentionally keep this small: either a five-field cron expression
// (robfig/cron) or a fixed interval in whole seconds.
type Kind int

const (
	KindCron Kind = iota
	KindEvery
)

// Spec is a parsed schedule string.
//
// Supported forms:
//   - "cron:<expr>" with a standard five-field expression: "cron:*/5 * * * *"
//   - "every:<seconds>": "every:3600"
//
// Next() is pure: the same spec and base time always produce the same result.
type Spec struct {
	Kind  Kind
	Every time.Duration

	cron cron.Schedule
	raw  string
}

// Five-field POSIX grammar: minute, hour, day-of-month, month, day-of-week.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Parse parses a "<kind>:<value>" schedule string.
func Parse(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	kind, val, found := strings.Cut(s, ":")
	if !found {
		return Spec{}, fmt.Errorf("%w: %q (use cron:<expr> or every:<seconds>)", ErrInvalidSchedule, raw)
	}
	kind = strings.ToLower(strings.TrimSpace(kind))
	val = strings.TrimSpace(val)

	switch kind {
	case "every":
		n, err := strconv.Atoi(val)
		if err != nil {
			return Spec{}, fmt.Errorf("%w: seconds must be an integer in %q", ErrInvalidSchedule, raw)
		}
		if n < 0 {
			return Spec{}, fmt.Errorf("%w: seconds must be >= 0 in %q", ErrInvalidSchedule, raw)
		}
		return Spec{Kind: KindEvery, Every: time.Duration(n) * time.Second, raw: s}, nil
	case "cron":
		sched, err := cronParser.Parse(val)
		if err != nil {
			return Spec{}, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, raw, err)
		}
		return Spec{Kind: KindCron, cron: sched, raw: s}, nil
	default:
		return Spec{}, fmt.Errorf("%w: kind must be cron or every, got %q", ErrInvalidSchedule, kind)
	}
}

// Next computes the next run instant after base, in UTC.
//
// For every:N this is exactly base+N seconds. For cron it is the earliest
// instant strictly after base matching the expression.
func (s Spec) Next(base time.Time) time.Time {
	base = base.UTC()
	if s.Kind == KindEvery {
		return base.Add(s.Every)
	}
	return s.cron.Next(base)
}

func (s Spec) String() string { return s.raw }

// NextRun parses raw and computes the next run after base in one step.
func NextRun(raw string, base time.Time) (time.Time, error) {
	spec, err := Parse(raw)
	if err != nil {
		return time.Time{}, err
	}
	return spec.Next(base), nil
}

// ParseWindow parses a report window like "90m", "24h" or "7d".
func ParseWindow(window string) (time.Duration, error) {
	w := strings.ToLower(strings.TrimSpace(window))
	if len(w) < 2 {
		return 0, fmt.Errorf("%w: %q (use m/h/d, e.g. 90m, 24h, 7d)", ErrInvalidWindow, window)
	}
	n, err := strconv.Atoi(w[:len(w)-1])
	if err != nil {
		return 0, fmt.Errorf("%w: %q (use m/h/d, e.g. 90m, 24h, 7d)", ErrInvalidWindow, window)
	}
	switch w[len(w)-1] {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("%w: %q (unit must be m, h or d)", ErrInvalidWindow, window)
	}
}
