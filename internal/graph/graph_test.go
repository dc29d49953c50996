package graph

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
)

func quietLogger(t *testing.T) {
	t.Helper()
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(99)})))
	t.Cleanup(func() { slog.SetDefault(old) })
}

func TestStoreInitialVersion(t *testing.T) {
	quietLogger(t)
	s := NewStore(nil)

	snap := s.CurrentVersion()
	if snap == nil {
		t.Fatal("CurrentVersion returned nil")
	}
	if snap.Version != 1 {
		t.Errorf("initial version = %d, want 1", snap.Version)
	}
}

func TestInvalidateAdvancesVersion(t *testing.T) {
	quietLogger(t)
	s := NewStore(nil)

	s.Invalidate([]string{"src/a.go"})
	s.Invalidate([]string{"src/b.go", "src/c.go"})

	snap := s.CurrentVersion()
	if snap.Version != 3 {
		t.Errorf("version = %d, want 3", snap.Version)
	}
	if len(snap.DirtyPaths) != 2 {
		t.Errorf("DirtyPaths = %v", snap.DirtyPaths)
	}
}

func TestPublishedSnapshotIsImmutable(t *testing.T) {
	quietLogger(t)
	s := NewStore(nil)

	s.Invalidate([]string{"src/a.go"})
	bound := s.CurrentVersion()
	boundVersion := bound.Version

	s.Invalidate([]string{"src/b.go"})

	if bound.Version != boundVersion {
		t.Error("a bound snapshot changed version after a later invalidation")
	}
	if len(bound.DirtyPaths) != 1 || bound.DirtyPaths[0] != "src/a.go" {
		t.Errorf("bound snapshot's DirtyPaths changed: %v", bound.DirtyPaths)
	}
}

func TestInvalidateCopiesPaths(t *testing.T) {
	quietLogger(t)
	s := NewStore(nil)

	paths := []string{"src/a.go"}
	s.Invalidate(paths)
	paths[0] = "mutated"

	if got := s.CurrentVersion().DirtyPaths[0]; got != "src/a.go" {
		t.Errorf("snapshot shares caller's slice: %q", got)
	}
}

func TestRefreshFailureKeepsVersion(t *testing.T) {
	quietLogger(t)
	fail := true
	s := NewStore(func(paths []string) error {
		if fail {
			return errors.New("scan failed")
		}
		return nil
	})

	s.Invalidate([]string{"src/a.go"})
	if got := s.CurrentVersion().Version; got != 1 {
		t.Errorf("failed refresh advanced version to %d", got)
	}

	fail = false
	s.Invalidate([]string{"src/a.go"})
	if got := s.CurrentVersion().Version; got != 2 {
		t.Errorf("version = %d, want 2", got)
	}
}

func TestRefreshCompletesBeforePublish(t *testing.T) {
	quietLogger(t)
	refreshDone := false
	s := NewStore(func(paths []string) error {
		refreshDone = true
		return nil
	})

	s.Invalidate([]string{"src/a.go"})
	if !refreshDone {
		t.Error("version published before refresh ran")
	}
}

func TestConcurrentReadersAndInvalidations(t *testing.T) {
	quietLogger(t)
	s := NewStore(nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last uint64
			for j := 0; j < 200; j++ {
				snap := s.CurrentVersion()
				if snap == nil {
					t.Error("CurrentVersion returned nil")
					return
				}
				if snap.Version < last {
					t.Errorf("version went backwards: %d -> %d", last, snap.Version)
					return
				}
				last = snap.Version
			}
		}()
	}
	for i := 0; i < 50; i++ {
		s.Invalidate([]string{"src/x.go"})
	}
	wg.Wait()

	if got := s.CurrentVersion().Version; got != 51 {
		t.Errorf("final version = %d, want 51", got)
	}
}
