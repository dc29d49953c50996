package daemon

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kiln-build/kiln/internal/core"
	"github.com/kiln-build/kiln/internal/graph"
	"github.com/kiln-build/kiln/internal/service"
)

// Watcher invalidates the build graph when files under the configured
// source roots change. Events are debounced so a burst of writes (editor
// save, git checkout) produces one new snapshot instead of hundreds.
type Watcher struct {
	cfg    *core.Configuration
	source graph.Source
}

func NewWatcher(cfg *core.Configuration, source graph.Source) *Watcher {
	return &Watcher{cfg: cfg, source: source}
}

func (w *Watcher) Name() string {
	return "watcher"
}

func (w *Watcher) Run(ctx context.Context, gate *service.Gate) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	for _, root := range w.cfg.Build.SourceRoots {
		if err := w.addRecursive(watcher, root); err != nil {
			slog.Warn("Failed to watch source root", "root", root, "error", err)
		}
	}

	debounce := w.cfg.WatchDebounce()
	var timer *time.Timer
	var timerCh <-chan time.Time
	pending := make(map[string]struct{})

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if w.ignored(event.Name) {
				continue
			}
			// New directories need explicit watches; fsnotify is not
			// recursive.
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					w.addRecursive(watcher, event.Name)
				}
			}
			pending[event.Name] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerCh = timer.C
			} else {
				timer.Reset(debounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Watcher error", "error", err)

		case <-timerCh:
			if err := gate.WaitResumed(ctx); err != nil {
				return nil
			}
			paths := make([]string, 0, len(pending))
			for path := range pending {
				paths = append(paths, path)
			}
			clear(pending)
			timer = nil
			timerCh = nil

			slog.Debug("Invalidating graph", "paths", len(paths))
			w.source.Invalidate(paths)
		}
	}
}

// addRecursive walks root and watches every directory under it, skipping
// ignored subtrees.
func (w *Watcher) addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignored(path) {
			return filepath.SkipDir
		}
		if addErr := watcher.Add(path); addErr != nil {
			slog.Debug("Failed to watch directory", "path", path, "error", addErr)
		}
		return nil
	})
}

// ignored reports whether a path matches one of the configured ignore
// patterns, matched against each path segment.
func (w *Watcher) ignored(path string) bool {
	for _, pattern := range w.cfg.Build.Ignore {
		for _, segment := range strings.Split(filepath.Clean(path), string(filepath.Separator)) {
			if ok, _ := filepath.Match(pattern, segment); ok {
				return true
			}
		}
	}
	return false
}
