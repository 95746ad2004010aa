package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
)

// Schedule controls the continuous loop. A cron expression, when set, takes
// precedence over Interval.
type Schedule struct {
	Interval time.Duration
	Cron     string
	// WatchDir wakes the loop early when a job directory appears or goes away.
	WatchDir string
	// MinGap is the shortest time between two passes woken by WatchDir.
	MinGap time.Duration
}

// nextFunc returns when the pass after now should run.
type nextFunc func(now time.Time) time.Time

func (s Schedule) next() (nextFunc, error) {
	if s.Cron != "" {
		sched, err := cron.ParseStandard(s.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", s.Cron, err)
		}
		return sched.Next, nil
	}
	iv := s.Interval
	if iv <= 0 {
		iv = time.Minute
	}
	return func(now time.Time) time.Time { return now.Add(iv) }, nil
}

// Run repeats RunOnce until ctx is cancelled. Pass errors are logged, not
// returned.
func (w *Watchdog) Run(ctx context.Context, s Schedule, ids ...string) error {
	next, err := s.next()
	if err != nil {
		return err
	}

	var (
		wake     <-chan fsnotify.Event
		watchErr <-chan error
	)
	if s.WatchDir != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return err
		}
		defer watcher.Close()
		if err := watcher.Add(s.WatchDir); err != nil {
			return fmt.Errorf("watch %s: %w", s.WatchDir, err)
		}
		wake, watchErr = watcher.Events, watcher.Errors
	}
	minGap := s.MinGap
	if minGap <= 0 {
		minGap = time.Second
	}

	slog.Info("watchdog started", slog.String("cron", s.Cron), slog.Duration("interval", s.Interval))
	var last time.Time
	for {
		last = time.Now()
		if reports, err := w.RunOnce(ctx, ids...); err != nil {
			slog.Error("watchdog pass had failures", slog.Int("jobs", len(reports)), slog.Any("error", err))
		}

		timer := time.NewTimer(time.Until(next(time.Now())))
	wait:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				slog.Info("watchdog stopped")
				return nil
			case <-timer.C:
				break wait
			case err, ok := <-watchErr:
				if !ok {
					watchErr = nil
					continue
				}
				slog.Warn("job store watcher error", slog.Any("error", err))
			case ev, ok := <-wake:
				if !ok {
					wake = nil
					continue
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) {
					continue
				}
				if time.Since(last) < minGap {
					continue
				}
				slog.Debug("job store changed; waking early", slog.String("path", ev.Name))
				timer.Stop()
				break wait
			}
		}
	}
}
