package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/kiln-build/kiln/internal/core"
	"github.com/kiln-build/kiln/internal/daemon"
	"github.com/kiln-build/kiln/internal/process"
)

func NewRestartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the kiln daemon",
		Long:  `Stop any running daemon and launch a fresh one, discarding the warm graph.`,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cfg := core.Config
			supervisor := daemon.NewSupervisor(cfg, process.NewHandle(cfg.MetadataDir()))

			meta, err := supervisor.Restart()
			if err != nil {
				slog.Error(fmt.Sprintf("Failed to restart daemon: %v", err))
				return
			}
			slog.Info(fmt.Sprintf("Daemon restarted (pid %d, port %d)", meta.Pid, meta.Port))
		},
	}
}
