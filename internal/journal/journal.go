// Package journal is the best-effort event journal collaborator.
//
// Engine notifications ("task started", "task finished") are journaled for
// later inspection. Journaling must never affect task outcomes: every
// failure path here is silently absorbed, and the interface carries no
// error return.
package journal

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	logx "taskguard/pkg/logx"

	"golang.org/x/time/rate"
)

// Journal records a single free-form event.
type Journal interface {
	Remember(ctx context.Context, role, content string)
}

type nop struct{}

func (nop) Remember(context.Context, string, string) {}

// Nop returns a journal that discards everything.
func Nop() Journal { return nop{} }

type event struct {
	At        string `json:"at"`
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
}

type fileJournal struct {
	mu      sync.Mutex
	f       *os.File
	session string
	limiter *rate.Limiter
	log     logx.Logger
	nowFn   func() string
}

// OpenFile opens a JSON Lines journal under dir. It never fails: when the
// file cannot be opened the returned journal is a no-op.
func OpenFile(dir, session string, now func() string, log logx.Logger) Journal {
	if log.IsZero() {
		log = logx.Nop()
	}
	if now == nil {
		now = func() string { return time.Now().UTC().Format(time.RFC3339Nano) }
	}
	path := filepath.Join(dir, "journal", "events.jsonl")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.Debug("journal disabled", logx.Err(err))
		return Nop()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		log.Debug("journal disabled", logx.Err(err))
		return Nop()
	}
	return &fileJournal{
		f:       f,
		session: session,
		// Cap journal writes; anything over the limit is dropped, never queued.
		limiter: rate.NewLimiter(rate.Limit(50), 100),
		log:     log,
		nowFn:   now,
	}
}

func (j *fileJournal) Remember(ctx context.Context, role, content string) {
	_ = ctx
	if !j.limiter.Allow() {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return
	}
	e := event{At: j.nowFn(), SessionID: j.session, Role: role, Content: content}
	if err := json.NewEncoder(j.f).Encode(e); err != nil {
		j.log.Debug("journal write failed", logx.Err(err))
	}
}

// Close releases the journal file. Safe on the no-op journal too.
func Close(j Journal) {
	if fj, ok := j.(*fileJournal); ok {
		fj.mu.Lock()
		if fj.f != nil {
			_ = fj.f.Close()
			fj.f = nil
		}
		fj.mu.Unlock()
	}
}
