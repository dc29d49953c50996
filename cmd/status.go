package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kiln-build/kiln/internal/core"
	"github.com/kiln-build/kiln/internal/daemon"
	"github.com/kiln-build/kiln/internal/process"
)

func NewStatusCommand() *cobra.Command {
	var showHistory bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Long:  `Show the running daemon's pid, uptime, graph version and services. Does not start a daemon.`,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cfg := core.Config
			handle := process.NewHandle(cfg.MetadataDir())

			meta, err := handle.ReadMetadata()
			if err != nil || !handle.IsAlive(meta) {
				fmt.Println("Daemon is not running.")
				return
			}

			conn, err := daemon.Connect(meta.Port)
			if err != nil {
				slog.Warn(fmt.Sprintf("Daemon (pid %d) is alive but not answering: %v", meta.Pid, err))
				os.Exit(1)
			}
			defer conn.Close()

			var adminArgs []string
			if showHistory {
				adminArgs = append(adminArgs, "--history")
			}
			exitCode, err := daemon.Execute(conn, adminRequest(daemon.AdminStatus, adminArgs...), nil, os.Stdout, os.Stderr)
			if err != nil {
				slog.Error(fmt.Sprintf("Status request failed: %v", err))
				os.Exit(1)
			}
			if exitCode == 0 {
				fmt.Printf("  started:        %s ago\n", time.Since(meta.StartedAt).Round(time.Second))
			}
			os.Exit(exitCode)
		},
	}

	cmd.Flags().BoolVar(&showHistory, "history", false, "Include recent invocations and daemon events")

	return cmd
}
