package dirload

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Backoff after filesystem watcher errors.
const (
	watchErrInitBackoff = 1 * time.Second
	watchErrMaxBackoff  = 30 * time.Second
	watchErrBackoffMult = 2
)

// FsWatcher is the part of *fsnotify.Watcher the loader uses.
type FsWatcher interface {
	Add(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

// fsnotifyWatcher adapts *fsnotify.Watcher, whose channels are fields.
type fsnotifyWatcher struct {
	w *fsnotify.Watcher
}

func newFsnotifyWatcher() (FsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &fsnotifyWatcher{w: w}, nil
}

func (f *fsnotifyWatcher) Add(name string) error         { return f.w.Add(name) }
func (f *fsnotifyWatcher) Close() error                  { return f.w.Close() }
func (f *fsnotifyWatcher) Events() <-chan fsnotify.Event { return f.w.Events }
func (f *fsnotifyWatcher) Errors() <-chan error          { return f.w.Errors }

// Run scans the directory, then applies file changes until ctx is done.
// It returns nil on cancellation.
func (l *Loader) Run(ctx context.Context) error {
	watcher, err := l.watcherFactory()
	if err != nil {
		return fmt.Errorf("dirload: creating filesystem watcher: %w", err)
	}
	defer watcher.Close()

	// Watch before scanning so a file written during the scan is not lost.
	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("dirload: watching %s: %w", l.dir, err)
	}

	if err := l.Scan(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}

		return err
	}

	l.logger.Info("watching directory", slog.String("dir", l.dir), slog.Duration("debounce", l.debounce))

	return l.watchLoop(ctx, watcher)
}

// watchLoop collects events into per-file deadlines and syncs each file
// once it has been quiet for the debounce period.
func (l *Loader) watchLoop(ctx context.Context, watcher FsWatcher) error {
	pending := make(map[string]time.Time)

	timer := time.NewTimer(l.debounce)
	timer.Stop() // idle until the first event
	defer timer.Stop()

	armed := false
	errBackoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events():
			if !ok {
				return nil
			}

			name, relevant := l.eventFile(ev)
			if !relevant {
				continue
			}

			pending[name] = time.Now().Add(l.debounce)

			// An armed timer is already due no later than this deadline.
			if !armed {
				timer.Reset(l.debounce)
				armed = true
			}

			errBackoff = watchErrInitBackoff

		case watchErr, ok := <-watcher.Errors():
			if !ok {
				return nil
			}

			l.logger.Warn("filesystem watcher error",
				slog.String("error", watchErr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			if err := l.sleepFunc(ctx, errBackoff); err != nil {
				return nil
			}

			errBackoff = min(errBackoff*watchErrBackoffMult, watchErrMaxBackoff)

		case <-timer.C:
			armed = false
			now := time.Now()
			next := time.Duration(0)

			for name, due := range pending {
				if wait := due.Sub(now); wait > 0 {
					if next == 0 || wait < next {
						next = wait
					}

					continue
				}

				delete(pending, name)
				l.sync(ctx, name)
			}

			if next > 0 {
				timer.Reset(next)
				armed = true
			}
		}
	}
}

// eventFile returns the document file an event concerns, if any. Chmod
// alone is ignored.
func (l *Loader) eventFile(ev fsnotify.Event) (string, bool) {
	if ev.Op == fsnotify.Chmod {
		return "", false
	}

	if filepath.Clean(filepath.Dir(ev.Name)) != filepath.Clean(l.dir) {
		return "", false
	}

	name := filepath.Base(ev.Name)
	if !isDocFile(name) {
		return "", false
	}

	return name, true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
