package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kiln-build/kiln/internal/core"
	"github.com/kiln-build/kiln/internal/graph"
	"github.com/kiln-build/kiln/internal/service"
)

func TestWatcherIgnoredPaths(t *testing.T) {
	cfg := core.DefaultConfiguration(t.TempDir())
	cfg.Build.Ignore = []string{".git", "node_modules", "*.tmp"}

	w := NewWatcher(cfg, nil)

	ignored := []string{
		"/repo/.git/objects/ab/cdef",
		"/repo/node_modules/left-pad/index.js",
		"/repo/build/cache.tmp",
	}
	for _, path := range ignored {
		if !w.ignored(path) {
			t.Errorf("Expected %q to be ignored", path)
		}
	}

	watched := []string{
		"/repo/src/main.go",
		"/repo/gitlog.txt",
		"/repo/tmp-notes/file",
	}
	for _, path := range watched {
		if w.ignored(path) {
			t.Errorf("Expected %q to be watched", path)
		}
	}
}

func TestWatcherInvalidatesGraphOnChange(t *testing.T) {
	quietLogger(t)

	root := t.TempDir()
	cfg := core.DefaultConfiguration(t.TempDir())
	cfg.Build.SourceRoots = []string{root}
	cfg.Build.WatchDebounce = "50ms"

	store := graph.NewStore(func(paths []string) error { return nil })

	runtime := service.NewRuntime()
	if err := runtime.Register(NewWatcher(cfg, store)); err != nil {
		t.Fatalf("Failed to register watcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runtime.Start(ctx)
	defer func() {
		runtime.TerminateAll()
		runtime.AwaitAll()
	}()

	// Give the watcher a moment to install its watches.
	time.Sleep(200 * time.Millisecond)

	before := store.CurrentVersion().Version
	if err := os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if store.CurrentVersion().Version > before {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("Graph version did not advance after file change (still %d)", store.CurrentVersion().Version)
}

func TestWatcherCoalescesEventBursts(t *testing.T) {
	quietLogger(t)

	root := t.TempDir()
	cfg := core.DefaultConfiguration(t.TempDir())
	cfg.Build.SourceRoots = []string{root}
	cfg.Build.WatchDebounce = "200ms"

	store := graph.NewStore(func(paths []string) error { return nil })

	runtime := service.NewRuntime()
	if err := runtime.Register(NewWatcher(cfg, store)); err != nil {
		t.Fatalf("Failed to register watcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runtime.Start(ctx)
	defer func() {
		runtime.TerminateAll()
		runtime.AwaitAll()
	}()

	time.Sleep(200 * time.Millisecond)
	before := store.CurrentVersion().Version

	// A burst of writes inside one debounce window.
	for i := 0; i < 10; i++ {
		name := filepath.Join(root, "file"+string(rune('a'+i))+".go")
		if err := os.WriteFile(name, []byte("package main\n"), 0o644); err != nil {
			t.Fatalf("Failed to write file: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Wait out the debounce plus slack, then check the version advanced by
	// one snapshot, not one per write.
	time.Sleep(time.Second)
	after := store.CurrentVersion().Version
	if after == before {
		t.Fatal("Graph version did not advance after burst")
	}
	if after-before > 2 {
		t.Errorf("Expected burst to coalesce into at most 2 snapshots, got %d", after-before)
	}
}
