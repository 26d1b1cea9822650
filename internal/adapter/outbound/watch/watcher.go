// Package watch reloads the policy corpus when the policy file changes
// on disk.
package watch

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce coalesces editor write bursts into one reload.
const debounce = 250 * time.Millisecond

// Watcher observes a policy file and invokes reload on change. Reload
// failures keep the previous snapshot; the watcher only reports them.
type Watcher struct {
	path    string
	reload  func(context.Context) error
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// New creates a watcher for the given policy file.
func New(path string, reload func(context.Context) error, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files, which drops the watch
	// on the file itself.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{path: path, reload: reload, watcher: fsw, logger: logger}, nil
}

// Run processes events until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("policy watcher error", "error", err)
		case <-fire:
			if err := w.reload(ctx); err != nil {
				w.logger.Error("policy reload failed, keeping previous snapshot",
					"path", w.path,
					"error", err,
				)
				continue
			}
			w.logger.Info("policy file reloaded", "path", w.path)
		}
	}
}
