package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watcher notifies a callback whenever one of a set of config files
// changes on disk, so the policy descriptor/verification/sources files can
// be hot-reloaded without a process restart. fsnotify is already an
// indirect dependency of the teacher (pulled in by controller-runtime's
// certificate watcher); it is promoted to a direct dependency here.
type Watcher struct {
	fsw    *fsnotify.Watcher
	logger *slog.Logger
}

// NewWatcher starts watching the given paths. The returned Watcher must be
// closed by the caller when no longer needed.
func NewWatcher(logger *slog.Logger, paths ...string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		if err := fsw.Add(p); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	return &Watcher{fsw: fsw, logger: logger}, nil
}

// Run blocks, invoking onChange every time a watched file is written or
// renamed over, until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context, onChange func(path string)) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.logger.InfoContext(ctx, "config file changed", slog.String("path", event.Name))
				onChange(event.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.ErrorContext(ctx, "config watcher error", slog.String("error", err.Error()))
		}
	}
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
