package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kiln-build/kiln/internal/core"
	"github.com/kiln-build/kiln/internal/daemon"
	"github.com/kiln-build/kiln/internal/process"
	"github.com/kiln-build/kiln/internal/protocol"
)

func NewRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run [flags] -- <goal> [args...]",
		Short: "Run a build through the kiln daemon",
		Long: `Run a build goal through the kiln daemon, starting or restarting the
daemon first if needed. The daemon executes the goal against its warm
graph and streams output back; the exit code of the build becomes the
exit code of this command.`,
		Args: cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(invoke(args))
		},
	}
}

// invoke forwards one invocation to the daemon, launching it first when
// necessary, and returns the remote exit code. Daemon and transport
// failures exit 1 after a diagnostic; they are never conflated with a
// build's own exit code.
func invoke(argv []string) int {
	meta, err := ensureDaemon()
	if err != nil {
		slog.Error(fmt.Sprintf("Failed to start daemon: %v", err))
		return 1
	}

	conn, err := daemon.Connect(meta.Port)
	if err != nil {
		slog.Error(fmt.Sprintf("Failed to connect to daemon: %v", err))
		return 1
	}
	defer conn.Close()

	cwd, err := os.Getwd()
	if err != nil {
		slog.Error(fmt.Sprintf("Failed to determine working directory: %v", err))
		return 1
	}

	req := protocol.Request{
		Argv:       argv,
		Env:        environMap(),
		WorkingDir: cwd,
	}

	exitCode, err := daemon.Execute(conn, req, os.Stdin, os.Stdout, os.Stderr)
	if err != nil {
		slog.Error(fmt.Sprintf("Invocation failed: %v", err))
		return 1
	}
	return exitCode
}

func ensureDaemon() (*process.Metadata, error) {
	cfg := core.Config
	supervisor := daemon.NewSupervisor(cfg, process.NewHandle(cfg.MetadataDir()))
	return supervisor.MaybeLaunch()
}

// adminRequest builds a request for a daemon-handled command. Admin
// commands still carry env and cwd so they travel the same protocol path
// as builds.
func adminRequest(command string, args ...string) protocol.Request {
	cwd, _ := os.Getwd()
	return protocol.Request{
		Argv:       append([]string{command}, args...),
		Env:        environMap(),
		WorkingDir: cwd,
	}
}

func environMap() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				env[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return env
}
