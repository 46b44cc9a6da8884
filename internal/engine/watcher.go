package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce batches rapid writes (a file being copied in, an
// instrument streaming data) into a single reconciliation trigger.
const watchDebounce = 2 * time.Second

// Watcher monitors the upload directory and signals when new or
// modified files should start a fresh reconciliation cycle.
type Watcher struct {
	dir    string
	logger *slog.Logger
}

// NewWatcher creates a watcher over dir.
func NewWatcher(dir string, logger *slog.Logger) *Watcher {
	return &Watcher{dir: dir, logger: logger}
}

// Watch blocks until the context is cancelled, sending on trigger
// (non-blocking; a pending trigger coalesces) whenever the directory
// settles after changes. Directories are watched recursively.
func (w *Watcher) Watch(ctx context.Context, trigger chan<- struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := addRecursive(watcher, w.dir); err != nil {
		return fmt.Errorf("watching upload dir: %w", err)
	}

	w.logger.Info("directory watcher started", slog.String("dir", w.dir))

	var lastEvent time.Time
	dirty := false

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}
			if isHidden(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				dirty = true
				lastEvent = time.Now()

				// New directories need their own watch to see files
				// created inside them later.
				if event.Has(fsnotify.Create) {
					if info, serr := os.Stat(event.Name); serr == nil && info.IsDir() {
						if aerr := addRecursive(watcher, event.Name); aerr != nil {
							w.logger.Warn("watching new directory",
								slog.String("path", event.Name),
								slog.String("error", aerr.Error()),
							)
						}
					}
				}
			}

		case werr, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}
			w.logger.Warn("watcher error", slog.String("error", werr.Error()))

		case <-ticker.C:
			if !dirty || time.Since(lastEvent) < watchDebounce {
				continue
			}
			dirty = false

			select {
			case trigger <- struct{}{}:
				w.logger.Debug("directory changed, triggering reconciliation")
			default:
				// A trigger is already pending; the next cycle picks
				// these changes up anyway.
			}
		}
	}
}

func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if isHidden(path) && path != root {
			return filepath.SkipDir
		}

		return watcher.Add(path)
	})
}

func isHidden(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") && base != "." && base != ".."
}
