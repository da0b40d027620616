package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher notifies on config file changes under the user and project
// data directories, debounced so editors that write in several steps
// trigger one reload.
type Watcher struct {
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	onChange func(path string)
}

// NewWatcher watches the given directories for JSON config changes.
// Directories that do not exist yet are skipped.
func NewWatcher(dirs []string, logger *slog.Logger, onChange func(path string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := fsw.Add(dir); err != nil {
			logger.Debug("config watch skipped", "dir", dir, "error", err)
		}
	}
	return &Watcher{watcher: fsw, logger: logger, onChange: onChange}, nil
}

// Run processes events until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	var mu sync.Mutex
	timers := map[string]*time.Timer{}
	debounce := 200 * time.Millisecond

	schedule := func(path string) {
		mu.Lock()
		defer mu.Unlock()
		if t, ok := timers[path]; ok {
			t.Stop()
		}
		timers[path] = time.AfterFunc(debounce, func() {
			w.onChange(path)
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			ext := strings.ToLower(filepath.Ext(evt.Name))
			if ext != ".json" && ext != ".json5" && ext != ".yaml" && ext != ".yml" {
				continue
			}
			schedule(evt.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		}
	}
}

// Close stops the underlying filesystem watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
