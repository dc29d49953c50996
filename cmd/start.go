package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/kiln-build/kiln/internal/core"
	"github.com/kiln-build/kiln/internal/daemon"
	"github.com/kiln-build/kiln/internal/process"
)

func NewStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the kiln daemon",
		Long: `Start the kiln daemon in the background so the first build finds it warm.

If a compatible daemon is already running, this command reports it and
does nothing. A daemon left over from an older configuration is replaced.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cfg := core.Config
			handle := process.NewHandle(cfg.MetadataDir())

			if meta, err := handle.ReadMetadata(); err == nil &&
				handle.IsAlive(meta) && meta.Fingerprint == cfg.Fingerprint() {
				slog.Info(fmt.Sprintf("Daemon is already running (pid %d, port %d)", meta.Pid, meta.Port))
				return
			}

			meta, err := daemon.NewSupervisor(cfg, handle).MaybeLaunch()
			if err != nil {
				slog.Error(fmt.Sprintf("Failed to start daemon: %v", err))
				return
			}
			slog.Info(fmt.Sprintf("Daemon started (pid %d, port %d)", meta.Pid, meta.Port))
		},
	}
}
