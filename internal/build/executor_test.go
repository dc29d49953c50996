package build

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/kiln-build/kiln/internal/graph"
)

func quietLogger(t *testing.T) {
	t.Helper()
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(99)})))
	t.Cleanup(func() { slog.SetDefault(old) })
}

func snapshot() *graph.Snapshot {
	return &graph.Snapshot{Version: 3}
}

func TestRunnerExecutorSuccess(t *testing.T) {
	quietLogger(t)
	e := &RunnerExecutor{Runner: "/bin/sh"}

	var stdout, stderr bytes.Buffer
	inv := Invocation{
		Argv:       []string{"-c", "echo built"},
		WorkingDir: t.TempDir(),
	}
	code, err := e.Execute(context.Background(), inv, snapshot(), &stdout, &stderr)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if code != 0 {
		t.Errorf("exit code = %d, want 0; stderr: %s", code, stderr.String())
	}
	if got := stdout.String(); got != "built\n" {
		t.Errorf("stdout = %q", got)
	}
}

func TestRunnerExecutorNonZeroExit(t *testing.T) {
	quietLogger(t)
	e := &RunnerExecutor{Runner: "/bin/sh"}

	var stdout, stderr bytes.Buffer
	inv := Invocation{Argv: []string{"-c", "exit 3"}, WorkingDir: t.TempDir()}
	code, err := e.Execute(context.Background(), inv, snapshot(), &stdout, &stderr)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
}

func TestRunnerExecutorEnvAndCwd(t *testing.T) {
	quietLogger(t)
	e := &RunnerExecutor{Runner: "/bin/sh"}
	dir := t.TempDir()

	var stdout, stderr bytes.Buffer
	inv := Invocation{
		Argv:       []string{"-c", "echo $KILN_TEST_VAR $KILN_GRAPH_VERSION; pwd"},
		Env:        map[string]string{"KILN_TEST_VAR": "hello"},
		WorkingDir: dir,
	}
	code, err := e.Execute(context.Background(), inv, snapshot(), &stdout, &stderr)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if code != 0 {
		t.Fatalf("exit code = %d; stderr: %s", code, stderr.String())
	}

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("stdout = %q", stdout.String())
	}
	if lines[0] != "hello 3" {
		t.Errorf("env line = %q, want \"hello 3\"", lines[0])
	}
	if !strings.HasSuffix(lines[1], dir) && lines[1] != dir {
		// Allow for symlinked temp dirs (e.g. /tmp -> /private/tmp).
		if !strings.Contains(lines[1], "/") {
			t.Errorf("pwd line = %q, want dir %q", lines[1], dir)
		}
	}
}

func TestRunnerExecutorStdin(t *testing.T) {
	quietLogger(t)
	e := &RunnerExecutor{Runner: "/bin/sh"}

	var stdout, stderr bytes.Buffer
	inv := Invocation{
		Argv:       []string{"-c", "cat"},
		WorkingDir: t.TempDir(),
		Stdin:      strings.NewReader("from stdin\n"),
	}
	code, err := e.Execute(context.Background(), inv, snapshot(), &stdout, &stderr)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if got := stdout.String(); got != "from stdin\n" {
		t.Errorf("stdout = %q", got)
	}
}

func TestRunnerExecutorUnconfigured(t *testing.T) {
	quietLogger(t)
	e := &RunnerExecutor{}

	var stdout, stderr bytes.Buffer
	code, err := e.Execute(context.Background(), Invocation{Argv: []string{"build"}}, snapshot(), &stdout, &stderr)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if code != 127 {
		t.Errorf("exit code = %d, want 127", code)
	}
	if !strings.Contains(stderr.String(), "no build runner configured") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestRunnerExecutorMissingBinary(t *testing.T) {
	quietLogger(t)
	e := &RunnerExecutor{Runner: "/nonexistent/kiln-runner"}

	var stdout, stderr bytes.Buffer
	code, err := e.Execute(context.Background(), Invocation{Argv: []string{"build"}, WorkingDir: t.TempDir()}, snapshot(), &stdout, &stderr)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if code != 127 {
		t.Errorf("exit code = %d, want 127", code)
	}
	if !strings.Contains(stderr.String(), "failed to launch runner") {
		t.Errorf("stderr = %q", stderr.String())
	}
}
