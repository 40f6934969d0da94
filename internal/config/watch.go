package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is the quiet period after the last write before a reload.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads files on change. Directories are watched rather than the
// files themselves so editors that replace files by rename are seen.
type Watcher struct {
	watcher  *fsnotify.Watcher
	files    map[string]bool
	onChange func(path string)
	debounce time.Duration
	log      *zap.Logger
}

// NewWatcher watches paths (empty entries are skipped). onChange runs once per
// debounced burst for each changed file.
func NewWatcher(paths []string, onChange func(path string), log *zap.Logger) (*Watcher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	files := map[string]bool{}
	dirs := map[string]bool{}
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		files[abs] = true
		dir := filepath.Dir(abs)
		if dirs[dir] {
			continue
		}
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("watch %q: %w", dir, err)
		}
		dirs[dir] = true
	}
	return &Watcher{watcher: w, files: files, onChange: onChange, debounce: DefaultDebounce, log: log}, nil
}

// Run dispatches changes until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var (
		mu      sync.Mutex
		pending = map[string]*time.Timer{}
	)
	defer func() {
		mu.Lock()
		for _, t := range pending {
			t.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.files[ev.Name] {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			name := ev.Name
			mu.Lock()
			if t, ok := pending[name]; ok {
				t.Stop()
			}
			pending[name] = time.AfterFunc(w.debounce, func() {
				mu.Lock()
				delete(pending, name)
				mu.Unlock()
				if ctx.Err() != nil {
					return
				}
				w.log.Info("file changed", zap.String("path", name))
				w.onChange(name)
			})
			mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("file watcher error", zap.Error(err))
		}
	}
}
