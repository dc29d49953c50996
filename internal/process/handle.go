package process

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// SpawnError is fatal: the daemon binary could not be launched at all.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn daemon process: %v", e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// SpawnHooks is the strategy object passed into Spawn. The child-side hook
// of the original fork model has no direct Go equivalent (Go cannot run
// code between fork and exec), so child behavior is injected through
// ChildArgs and ChildEnv, which the spawned entry point consumes before it
// starts serving.
type SpawnHooks struct {
	// PreSpawn runs in the caller before the new process is created.
	PreSpawn func() error
	// ChildArgs are the arguments passed to the re-executed binary.
	ChildArgs []string
	// ChildEnv entries (KEY=VALUE) are appended to the child's environment.
	ChildEnv []string
	// PostSpawnParent runs in the caller once the child process exists.
	PostSpawnParent func(*os.Process) error
}

// Handle supervises one named OS process through its metadata directory.
type Handle struct {
	dir string
}

// NewHandle returns a Handle rooted at the given metadata directory.
func NewHandle(dir string) *Handle {
	return &Handle{dir: dir}
}

func (h *Handle) Dir() string {
	return h.dir
}

func (h *Handle) ReadMetadata() (*Metadata, error) {
	return ReadMetadata(h.dir)
}

func (h *Handle) WriteMetadata(meta *Metadata) error {
	return WriteMetadata(h.dir, meta)
}

func (h *Handle) PurgeMetadata() error {
	return PurgeMetadata(h.dir)
}

// IsAlive reports whether the process described by meta is running and is
// actually the process the metadata was written for, not a pid-reuse
// impostor. It never returns an error: any ambiguity counts as not alive.
func (h *Handle) IsAlive(meta *Metadata) bool {
	if meta == nil || meta.Pid <= 0 {
		return false
	}

	proc, err := process.NewProcess(int32(meta.Pid))
	if err != nil {
		return false
	}
	running, err := proc.IsRunning()
	if err != nil || !running {
		return false
	}

	// Zombies hold the pid but serve nothing.
	statuses, err := proc.Status()
	if err != nil {
		return false
	}
	for _, status := range statuses {
		if status == process.Zombie {
			return false
		}
	}

	// Identity check: the executable must match what the metadata writer
	// recorded. A recycled pid running something else is a stale entry.
	if meta.Exe != "" {
		exe, err := proc.Exe()
		if err != nil {
			return false
		}
		if filepath.Base(exe) != filepath.Base(meta.Exe) {
			slog.Debug("pid is running a different executable",
				"pid", meta.Pid, "expected", meta.Exe, "actual", exe)
			return false
		}
	}

	return true
}

// Terminate stops the process described by meta. Graceful termination sends
// SIGTERM and polls liveness before escalating to SIGKILL; forceful goes
// straight to SIGKILL. Metadata is purged once the process is gone.
func (h *Handle) Terminate(meta *Metadata, graceful bool, wait time.Duration) error {
	if !h.IsAlive(meta) {
		return h.PurgeMetadata()
	}

	proc, err := os.FindProcess(meta.Pid)
	if err != nil {
		return h.PurgeMetadata()
	}

	if graceful {
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			if err != os.ErrProcessDone {
				slog.Warn("failed to send SIGTERM, escalating to SIGKILL",
					"pid", meta.Pid, "error", err)
			}
		} else {
			// Poll with Signal(0) rather than Wait(): the daemon runs in its
			// own session and is not our child.
			deadline := time.Now().Add(wait)
			for time.Now().Before(deadline) {
				if err := proc.Signal(syscall.Signal(0)); err != nil {
					slog.Debug("process terminated gracefully", "pid", meta.Pid)
					return h.PurgeMetadata()
				}
				time.Sleep(100 * time.Millisecond)
			}
			slog.Warn("process did not exit in time, forcing kill",
				"pid", meta.Pid, "wait", wait)
		}
	}

	if err := proc.Kill(); err != nil && err != os.ErrProcessDone {
		return fmt.Errorf("kill pid %d: %w", meta.Pid, err)
	}

	// Verify the kill took.
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if err := proc.Signal(syscall.Signal(0)); err != nil {
			return h.PurgeMetadata()
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("pid %d survived SIGKILL", meta.Pid)
}

// Spawn launches a detached copy of the current binary with the hook
// strategy applied. The child runs in its own session so it survives the
// spawning client's exit. The returned process handle belongs to the
// caller; the child is expected to write its own metadata once it is
// serving.
func (h *Handle) Spawn(hooks SpawnHooks) (*os.Process, error) {
	if hooks.PreSpawn != nil {
		if err := hooks.PreSpawn(); err != nil {
			return nil, &SpawnError{Err: err}
		}
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, &SpawnError{Err: err}
	}

	cmd := exec.Command(exe, hooks.ChildArgs...)
	cmd.Env = append(os.Environ(), hooks.ChildEnv...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // New session: detach from the client's terminal and lifetime
	}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Err: err}
	}

	// The child is not waited on; release it so it never turns into a
	// zombie bookkeeping entry in this process.
	proc := cmd.Process
	go cmd.Wait()

	if hooks.PostSpawnParent != nil {
		if err := hooks.PostSpawnParent(proc); err != nil {
			return proc, err
		}
	}
	return proc, nil
}
