package store

import (
	"errors"
	"time"
)

var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrMarkerNotFound = errors.New("marker not found")
)

// Run statuses. A run is created as running and finalized exactly once
// into one of the terminal statuses.
const (
	RunRunning = "running"
	RunSuccess = "success"
	RunFail    = "fail"
)

// Marker statuses.
const (
	MarkerActive = "active"
	MarkerClosed = "closed"
)

// State reported for a marker member with no qualifying run.
const StateMissing = "missing"

// TimeLayout is the fixed-width UTC ISO-8601 layout used for every persisted
// timestamp. Fixed width keeps lexicographic string comparison equivalent to
// chronological comparison, which the due/health queries rely on.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

func FormatTime(t time.Time) string { return t.UTC().Format(TimeLayout) }

func ParseTime(s string) (time.Time, error) { return time.Parse(TimeLayout, s) }

// UTCNow returns the current instant in the persisted layout.
func UTCNow() string { return FormatTime(time.Now()) }

// Task is a schedulable unit of work.
type Task struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Tool       string         `json:"tool"`
	Params     map[string]any `json:"params"`
	Schedule   string         `json:"schedule"`
	Expected   string         `json:"expected"`
	Verify     string         `json:"verify"`
	OutputPath string         `json:"output_path"`
	Enabled    bool           `json:"enabled"`
	CreatedAt  string         `json:"created_at"`
	UpdatedAt  string         `json:"updated_at"`
	NextRunAt  *string        `json:"next_run_at"`
}

// Run is one recorded execution attempt of a task.
type Run struct {
	RunID      string         `json:"run_id"`
	TaskID     string         `json:"task_id"`
	Status     string         `json:"status"`
	StartedAt  string         `json:"started_at"`
	FinishedAt *string        `json:"finished_at"`
	Message    string         `json:"message"`
	OutputPath string         `json:"output_path"`
	Meta       map[string]any `json:"meta"`
}

// Marker is a named group of tasks used as a shared health gate.
type Marker struct {
	MarkerID  string  `json:"marker_id"`
	Name      string  `json:"name"`
	Status    string  `json:"status"`
	CreatedAt string  `json:"created_at"`
	ClosedAt  *string `json:"closed_at"`
}

// MemberState is one task's health contribution inside a marker report.
type MemberState struct {
	TaskID string     `json:"task_id"`
	State  string     `json:"state"`
	Latest *LatestRun `json:"latest,omitempty"`
}

// LatestRun is the compact view of the newest qualifying run for a member.
type LatestRun struct {
	StartedAt string `json:"started_at"`
	Message   string `json:"message"`
}

// MarkerHealth is the marker status report.
//
// Green means every member has at least one run started at or after the
// marker's creation and the newest such run succeeded. A marker with no
// members is never green.
type MarkerHealth struct {
	Marker Marker        `json:"marker"`
	Green  bool          `json:"green"`
	Tasks  []MemberState `json:"tasks"`
}
