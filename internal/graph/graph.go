// Package graph holds the daemon's warm in-memory build-graph snapshot.
// Graph construction itself lives behind the RefreshFunc collaborator; this
// package only guarantees the versioning and publication semantics request
// workers rely on.
package graph

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot is an immutable, versioned reference to the warm build graph.
// Once published a snapshot is never mutated; invalidation produces a new
// version. Request workers bind to one snapshot for the duration of a
// request.
type Snapshot struct {
	Version     uint64
	PublishedAt time.Time
	// DirtyPaths is the set of paths whose invalidation produced this
	// version. Empty for the initial snapshot.
	DirtyPaths []string
}

// Source is the collaborator interface the RPC layer consumes. The real
// dependency-graph machinery sits behind it.
type Source interface {
	CurrentVersion() *Snapshot
	Invalidate(paths []string)
}

// RefreshFunc processes a set of invalidated paths into graph state. It
// runs to completion before the new version is published.
type RefreshFunc func(paths []string) error

// Store is the default Source implementation: a sequence of immutable
// snapshots with publish-after-processing semantics.
type Store struct {
	mu      sync.Mutex // serializes invalidations
	current atomic.Pointer[Snapshot]
	refresh RefreshFunc
}

// NewStore returns a Store with version 1 already published. refresh may be
// nil when no graph machinery is attached (invalidation then only advances
// the version).
func NewStore(refresh RefreshFunc) *Store {
	s := &Store{refresh: refresh}
	s.current.Store(&Snapshot{Version: 1, PublishedAt: time.Now()})
	return s
}

// CurrentVersion returns the most recently published snapshot. It never
// returns nil and never blocks on an in-flight invalidation.
func (s *Store) CurrentVersion() *Snapshot {
	return s.current.Load()
}

// Invalidate processes the given paths and publishes a new version. The
// new snapshot becomes visible only after processing completes; readers in
// flight keep the version they bound. A failed refresh publishes nothing.
func (s *Store) Invalidate(paths []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refresh != nil {
		if err := s.refresh(paths); err != nil {
			slog.Error("graph refresh failed, keeping current version",
				"paths", len(paths), "error", err)
			return
		}
	}

	dirty := make([]string, len(paths))
	copy(dirty, paths)

	next := &Snapshot{
		Version:     s.current.Load().Version + 1,
		PublishedAt: time.Now(),
		DirtyPaths:  dirty,
	}
	s.current.Store(next)
	slog.Debug("published new graph version", "version", next.Version, "dirty_paths", len(dirty))
}
