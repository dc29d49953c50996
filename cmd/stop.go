package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/kiln-build/kiln/internal/core"
	"github.com/kiln-build/kiln/internal/daemon"
	"github.com/kiln-build/kiln/internal/process"
)

func NewStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the kiln daemon",
		Long: `Stop the kiln daemon gracefully, letting in-flight builds drain first.

A daemon that does not exit within the shutdown grace period is killed.`,
		Aliases: []string{"shutdown"},
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cfg := core.Config
			handle := process.NewHandle(cfg.MetadataDir())
			supervisor := daemon.NewSupervisor(cfg, handle)

			meta, err := handle.ReadMetadata()
			if err != nil || !handle.IsAlive(meta) {
				slog.Warn("Daemon is not running")
				return
			}

			if err := supervisor.Stop(); err != nil {
				slog.Error(fmt.Sprintf("Failed to stop daemon: %v", err))
				return
			}
			slog.Info("Daemon stopped")
		},
	}
}
