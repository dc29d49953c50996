package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kiln-build/kiln/internal/core"
	"github.com/kiln-build/kiln/internal/daemon"
	"github.com/kiln-build/kiln/internal/process"
)

func NewLogsCommand() *cobra.Command {
	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Stream daemon logs",
		Long:  `Stream the daemon's logs, starting with recent history. Press Ctrl+C to exit.`,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cfg := core.Config
			handle := process.NewHandle(cfg.MetadataDir())

			meta, err := handle.ReadMetadata()
			if err != nil || !handle.IsAlive(meta) {
				slog.Warn("Daemon is not running")
				return
			}

			conn, err := daemon.Connect(meta.Port)
			if err != nil {
				slog.Error(fmt.Sprintf("Failed to connect to daemon: %v", err))
				os.Exit(1)
			}
			defer conn.Close()

			var adminArgs []string
			if noHistory, _ := cmd.Flags().GetBool("no-history"); noHistory {
				adminArgs = append(adminArgs, "--no-history")
			}

			exitCode, err := daemon.Execute(conn, adminRequest(daemon.AdminLogs, adminArgs...), nil, os.Stdout, os.Stderr)
			if err != nil {
				slog.Error(fmt.Sprintf("Log stream ended: %v", err))
				os.Exit(1)
			}
			os.Exit(exitCode)
		},
	}
	logsCmd.Flags().Bool("no-history", false, "skip recent history, stream new logs only")

	return logsCmd
}
