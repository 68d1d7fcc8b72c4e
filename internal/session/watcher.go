package session

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const mapDebounce = 100 * time.Millisecond

// MapWatcher calls onChange shortly after session_map.json is replaced, so
// a freshly started window is picked up before the next poll tick.
type MapWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func()
}

// NewMapWatcher prepares a watcher on the directory holding path. The hook
// replaces the file by rename, so the directory is watched rather than the
// file itself.
func NewMapWatcher(path string, onChange func()) (*MapWatcher, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &MapWatcher{path: path, watcher: w, onChange: onChange}, nil
}

// Run watches until ctx is cancelled.
func (w *MapWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		sessionLog.Warn("map_watcher_add_failed",
			slog.String("dir", dir),
			slog.String("error", err.Error()))
		return err
	}

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	name := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(mapDebounce, func() {
				if ctx.Err() != nil {
					return
				}
				sessionLog.Debug("session_map_changed", slog.String("path", w.path))
				w.onChange()
			})
			mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			sessionLog.Warn("map_watcher_error", slog.String("error", err.Error()))
		}
	}
}
