package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kiln-build/kiln/internal/core"
	"github.com/kiln-build/kiln/internal/daemon"
)

// NewDaemonCommand is the detached daemon entry point. Clients spawn
// `kiln daemon` in a new session; users normally never run it directly.
func NewDaemonCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "daemon",
		Short:  "Run the kiln daemon in the foreground",
		Hidden: true,
		Args:   cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if err := daemon.New(core.Config).Run(); err != nil {
				slog.Error(fmt.Sprintf("Daemon failed: %v", err))
				os.Exit(1)
			}
		},
	}
}
