// Package service hosts the daemon's long-running units of work. Each
// registered Service runs on its own goroutine and owns its own blocking
// and sleeping; the runtime only starts, pauses, resumes and terminates
// them.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// State is the lifecycle state of a registered service.
type State string

const (
	StateStopped    State = "stopped"
	StateRunning    State = "running"
	StatePaused     State = "paused"
	StateTerminated State = "terminated"
)

// Service is one independently scheduled unit of daemon-resident work.
// Run should loop until ctx is cancelled, calling gate.WaitResumed at the
// top of each iteration so the runtime can pause it.
type Service interface {
	Name() string
	Run(ctx context.Context, gate *Gate) error
}

// Gate lets the runtime pause a service's poll loop without the service
// holding any runtime lock while it waits.
type Gate struct {
	mu       sync.Mutex
	paused   bool
	resumeCh chan struct{}
}

func newGate() *Gate {
	return &Gate{}
}

// WaitResumed blocks while the gate is paused. It returns ctx.Err() if the
// context is cancelled while waiting, nil otherwise.
func (g *Gate) WaitResumed(ctx context.Context) error {
	for {
		g.mu.Lock()
		if !g.paused {
			g.mu.Unlock()
			return ctx.Err()
		}
		ch := g.resumeCh
		g.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *Gate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		g.paused = true
		g.resumeCh = make(chan struct{})
	}
}

func (g *Gate) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.paused = false
		close(g.resumeCh)
	}
}

type entry struct {
	svc    Service
	state  State
	gate   *Gate
	cancel context.CancelFunc
}

// Runtime owns a set of named services. Services are mutated only through
// the runtime's own control operations; workers may read them concurrently.
type Runtime struct {
	mu       sync.Mutex
	services map[string]*entry
	order    []string
	wg       sync.WaitGroup
	started  bool
}

// NewRuntime returns an empty service runtime.
func NewRuntime() *Runtime {
	return &Runtime{services: make(map[string]*entry)}
}

// Register adds a service. Registration is only valid before Start.
func (r *Runtime) Register(svc Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("cannot register %q: runtime already started", svc.Name())
	}
	if _, exists := r.services[svc.Name()]; exists {
		return fmt.Errorf("service %q already registered", svc.Name())
	}
	r.services[svc.Name()] = &entry{svc: svc, state: StateStopped, gate: newGate()}
	r.order = append(r.order, svc.Name())
	return nil
}

// Lookup returns a registered service by name so services can hold
// references to siblings. Callers must never block on a sibling while the
// runtime lock is held; Lookup itself only copies a pointer.
func (r *Runtime) Lookup(name string) (Service, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.services[name]
	if !ok {
		return nil, false
	}
	return e.svc, true
}

// Start launches one worker goroutine per registered service.
func (r *Runtime) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	for _, name := range r.order {
		e := r.services[name]
		svcCtx, cancel := context.WithCancel(ctx)
		e.cancel = cancel
		e.state = StateRunning

		r.wg.Add(1)
		go func(name string, e *entry, ctx context.Context) {
			defer r.wg.Done()
			err := e.svc.Run(ctx, e.gate)
			if err != nil && ctx.Err() == nil {
				slog.Error("service terminated with error", "service", name, "error", err)
			} else {
				slog.Debug("service terminated", "service", name)
			}

			r.mu.Lock()
			e.state = StateTerminated
			r.mu.Unlock()
		}(name, e, svcCtx)
	}
}

// Pause suspends a service at its next WaitResumed call.
func (r *Runtime) Pause(name string) error {
	r.mu.Lock()
	e, ok := r.services[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown service %q", name)
	}
	if e.state == StateRunning {
		e.state = StatePaused
	}
	gate := e.gate
	r.mu.Unlock()

	// The gate is flipped outside the runtime lock: a service blocked in
	// WaitResumed must never be waiting on a lock we hold.
	gate.pause()
	return nil
}

// Resume releases a paused service.
func (r *Runtime) Resume(name string) error {
	r.mu.Lock()
	e, ok := r.services[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown service %q", name)
	}
	if e.state == StatePaused {
		e.state = StateRunning
	}
	gate := e.gate
	r.mu.Unlock()

	gate.resume()
	return nil
}

// Terminate cancels one service's context. The worker transitions the state
// to Terminated when Run returns.
func (r *Runtime) Terminate(name string) error {
	r.mu.Lock()
	e, ok := r.services[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown service %q", name)
	}
	cancel := e.cancel
	gate := e.gate
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	// A paused service must still observe cancellation.
	gate.resume()
	return nil
}

// TerminateAll cancels every service.
func (r *Runtime) TerminateAll() {
	r.mu.Lock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	r.mu.Unlock()

	for _, name := range names {
		r.Terminate(name)
	}
}

// AwaitAll blocks until every started service has reached Terminated.
func (r *Runtime) AwaitAll() {
	r.wg.Wait()
}

// States returns a snapshot of every service's current state.
func (r *Runtime) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := make(map[string]State, len(r.services))
	for name, e := range r.services {
		states[name] = e.state
	}
	return states
}
