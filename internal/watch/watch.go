// Package watch runs taskguard as a long-lived polling service: one due
// cycle per tick, an optional task-queue file watched for changes, and
// systemd readiness/watchdog notifications when running under a unit.
package watch

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"taskguard/internal/engine"
	logx "taskguard/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/fsnotify/fsnotify"
)

type Options struct {
	// Interval between due cycles. Cycles never overlap: the next tick
	// waits until the previous cycle returned.
	Interval time.Duration

	// QueueFile, when set, is a task-queue document reimported whenever it
	// changes on disk (and once at startup).
	QueueFile string

	Cycle engine.CycleOptions
}

type Service struct {
	eng  *engine.Engine
	log  logx.Logger
	opts Options
}

func New(eng *engine.Engine, opts Options, log logx.Logger) *Service {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{eng: eng, log: log, opts: opts}
}

// Run blocks until ctx is canceled. Cycle errors are logged and the loop
// keeps going; a broken store should not silently park the service, so the
// error is surfaced loudly on every failing tick.
func (s *Service) Run(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	defer func() { _, _ = daemon.SdNotify(false, daemon.SdNotifyStopping) }()

	if wd, err := daemon.SdWatchdogEnabled(false); err == nil && wd > 0 {
		go s.watchdog(ctx, wd/2)
	}

	events := s.watchQueueFile(ctx)
	if s.opts.QueueFile != "" {
		s.importQueue(ctx)
	}

	s.log.Info("watch started",
		logx.Duration("interval", s.opts.Interval), logx.String("queue_file", s.opts.QueueFile))

	// First cycle immediately, then on every tick.
	s.cycle(ctx)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("watch stopped")
			return nil
		case <-ticker.C:
			s.cycle(ctx)
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.importQueue(ctx)
		}
	}
}

func (s *Service) cycle(ctx context.Context) {
	rep, err := s.eng.RunDue(ctx, s.opts.Cycle)
	if err != nil {
		s.log.Error("due cycle failed", logx.Err(err))
		return
	}
	if rep.Count > 0 {
		s.log.Info("due cycle done", logx.Int("count", rep.Count))
	}
}

func (s *Service) importQueue(ctx context.Context) {
	rep, err := s.eng.ImportQueueFile(ctx, s.opts.QueueFile)
	if err != nil {
		s.log.Warn("queue import failed", logx.String("file", s.opts.QueueFile), logx.Err(err))
		return
	}
	s.log.Info("queue imported", logx.Int("count", rep.Count), logx.Int("errors", len(rep.Errors)))
}

// watchQueueFile watches the queue file's directory (editors replace files,
// so watching the file itself misses renames) and signals on any event that
// touches the file. Returns a nil channel when watching is off or fails;
// a nil channel blocks forever in select, which is exactly what we want.
func (s *Service) watchQueueFile(ctx context.Context) <-chan struct{} {
	if s.opts.QueueFile == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Warn("queue watch unavailable", logx.Err(err))
		return nil
	}
	dir := filepath.Dir(s.opts.QueueFile)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		s.log.Warn("queue watch unavailable", logx.Err(err), logx.String("dir", dir))
		return nil
	}

	file := filepath.Base(s.opts.QueueFile)
	out := make(chan struct{}, 1)
	go func() {
		defer w.Close()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !strings.EqualFold(filepath.Base(ev.Name), file) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if err != nil {
					s.log.Warn("queue watch error", logx.Err(err))
				}
			}
		}
	}()
	return out
}

func (s *Service) watchdog(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 15 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
