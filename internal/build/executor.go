// Package build defines the execution collaborator the daemon invokes for
// ordinary (non-admin) commands. The actual build-rule engine is out of
// scope; the default executor shells out to a configured runner binary.
package build

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sort"

	"github.com/kiln-build/kiln/internal/graph"
)

// Invocation is one command to execute against the warm graph.
type Invocation struct {
	Argv       []string
	Env        map[string]string
	WorkingDir string
	Stdin      io.Reader
}

// Executor runs an invocation against a bound graph snapshot, streaming
// stdout/stderr as they are produced, and returns the exit code. A non-zero
// exit code is an ordinary result, not an error; the error return is for
// failures of the execution machinery itself.
type Executor interface {
	Execute(ctx context.Context, inv Invocation, snap *graph.Snapshot, stdout, stderr io.Writer) (int, error)
}

// RunnerExecutor invokes a configured runner binary as
// `runner <argv...>` with the invocation's environment and working
// directory. The bound graph version is exposed to the runner via
// KILN_GRAPH_VERSION.
type RunnerExecutor struct {
	Runner string
}

// Execute implements Executor. Launch failures (runner missing, permission
// denied) surface as exit 127 with a message on stderr rather than as
// protocol-level errors, so the client sees them exactly like a failed
// build.
func (e *RunnerExecutor) Execute(ctx context.Context, inv Invocation, snap *graph.Snapshot, stdout, stderr io.Writer) (int, error) {
	if e.Runner == "" {
		fmt.Fprintf(stderr, "kiln: no build runner configured; set build.runner in kiln.hcl\n")
		return 127, nil
	}

	cmd := exec.CommandContext(ctx, e.Runner, inv.Argv...)
	cmd.Dir = inv.WorkingDir
	cmd.Env = flattenEnv(inv.Env, snap)
	cmd.Stdin = inv.Stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	slog.Info("executing build command",
		"runner", e.Runner, "argv", inv.Argv, "cwd", inv.WorkingDir, "graph_version", snap.Version)

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		fmt.Fprintf(stderr, "kiln: failed to launch runner %s: %v\n", e.Runner, err)
		return 127, nil
	}
	return 0, nil
}

func flattenEnv(env map[string]string, snap *graph.Snapshot) []string {
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	flat := make([]string, 0, len(env)+1)
	for _, key := range keys {
		flat = append(flat, key+"="+env[key])
	}
	flat = append(flat, fmt.Sprintf("KILN_GRAPH_VERSION=%d", snap.Version))
	return flat
}
