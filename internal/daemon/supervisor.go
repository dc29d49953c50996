package daemon

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kiln-build/kiln/internal/core"
	"github.com/kiln-build/kiln/internal/process"
)

// Controller is the slice of process.Handle the supervisor needs. Tests
// substitute a fake to count spawns and terminations.
type Controller interface {
	ReadMetadata() (*process.Metadata, error)
	PurgeMetadata() error
	IsAlive(meta *process.Metadata) bool
	Terminate(meta *process.Metadata, graceful bool, wait time.Duration) error
	Spawn(hooks process.SpawnHooks) (*os.Process, error)
}

// Supervisor decides, on every client invocation, whether the recorded
// daemon can be reused or a fresh one must be launched. A live daemon whose
// fingerprint matches the current configuration is reused as-is; a dead or
// mismatched one is replaced.
type Supervisor struct {
	cfg        *core.Configuration
	controller Controller

	// pollInterval is how often MaybeLaunch re-reads metadata while waiting
	// for a freshly spawned daemon to publish its port.
	pollInterval time.Duration
}

func NewSupervisor(cfg *core.Configuration, controller Controller) *Supervisor {
	return &Supervisor{
		cfg:          cfg,
		controller:   controller,
		pollInterval: 50 * time.Millisecond,
	}
}

// MaybeLaunch ensures a compatible daemon is running and returns its
// metadata. It never spawns when the recorded daemon is alive and matches
// the current fingerprint.
func (s *Supervisor) MaybeLaunch() (*process.Metadata, error) {
	want := s.cfg.Fingerprint()

	meta, err := s.controller.ReadMetadata()
	switch {
	case err != nil:
		// Missing or corrupt metadata: nothing to reuse.
		slog.Debug("No usable daemon metadata, launching")

	case !s.controller.IsAlive(meta):
		slog.Info("Recorded daemon is gone, relaunching", "pid", meta.Pid)
		if purgeErr := s.controller.PurgeMetadata(); purgeErr != nil {
			return nil, fmt.Errorf("failed to clear stale daemon metadata: %w", purgeErr)
		}

	case meta.Fingerprint != want:
		slog.Info("Daemon fingerprint changed, restarting",
			"pid", meta.Pid,
			"old", meta.Fingerprint,
			"new", want)
		if termErr := s.controller.Terminate(meta, true, s.cfg.ShutdownGrace()); termErr != nil {
			return nil, fmt.Errorf("failed to stop outdated daemon (pid %d): %w", meta.Pid, termErr)
		}

	default:
		return meta, nil
	}

	return s.launch(want)
}

// Restart stops any recorded daemon and launches a fresh one regardless of
// fingerprint state.
func (s *Supervisor) Restart() (*process.Metadata, error) {
	if err := s.Stop(); err != nil {
		return nil, err
	}
	return s.launch(s.cfg.Fingerprint())
}

// Stop terminates the recorded daemon if one is alive. A missing daemon is
// not an error.
func (s *Supervisor) Stop() error {
	meta, err := s.controller.ReadMetadata()
	if err != nil {
		return nil
	}
	if !s.controller.IsAlive(meta) {
		return s.controller.PurgeMetadata()
	}
	return s.controller.Terminate(meta, true, s.cfg.ShutdownGrace())
}

// launch spawns a detached daemon process and waits for it to publish
// metadata carrying the expected fingerprint and a live pid.
func (s *Supervisor) launch(want string) (*process.Metadata, error) {
	proc, err := s.controller.Spawn(process.SpawnHooks{
		// The child must resolve the same config, and with it the same
		// fingerprint, as the client that spawned it.
		ChildArgs: []string{"daemon", "--config-path", s.cfg.ConfigPath},
	})
	if err != nil {
		return nil, err
	}
	slog.Info("Launched daemon", "pid", proc.Pid)

	deadline := time.Now().Add(s.cfg.StartupTimeout())
	for time.Now().Before(deadline) {
		meta, err := s.controller.ReadMetadata()
		if err == nil && meta.Pid == proc.Pid && s.controller.IsAlive(meta) {
			if meta.Fingerprint != want {
				return nil, fmt.Errorf("daemon came up with fingerprint %s, expected %s", meta.Fingerprint, want)
			}
			return meta, nil
		}
		time.Sleep(s.pollInterval)
	}

	return nil, &UnavailableError{
		Err: fmt.Errorf("daemon (pid %d) did not publish metadata within %s", proc.Pid, s.cfg.StartupTimeout()),
	}
}
