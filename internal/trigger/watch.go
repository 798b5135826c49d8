package trigger

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher wakes a channel whenever the trigger file's directory reports a
// write or create event, giving handleCheckTrigger an event-driven fast path
// between poll ticks. Consume's mtime comparison remains the source of
// truth — a missed or coalesced fsnotify event only delays the wake-up to
// the next regular poll tick, it never causes a stuck or duplicated trigger.
type Watcher struct {
	path    string
	fsw     *fsnotify.Watcher
	Signals chan struct{}
}

// NewWatcher starts watching the directory containing path for writes.
func NewWatcher(path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	w := &Watcher{path: path, fsw: fsw, Signals: make(chan struct{}, 1)}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Name != w.path {
				continue
			}
			if !(ev.Op&(fsnotify.Write|fsnotify.Create) != 0) {
				continue
			}
			select {
			case w.Signals <- struct{}{}:
			default:
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Debug("trigger watcher error", "component", "trigger", "error", err)
		}
	}
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// Wait blocks until a signal arrives or ctx is done.
func (w *Watcher) Wait(ctx context.Context) {
	select {
	case <-w.Signals:
	case <-ctx.Done():
	}
}
