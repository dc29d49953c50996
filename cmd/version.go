package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kiln-build/kiln/internal/core"
	"github.com/kiln-build/kiln/internal/process"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Long:  `Show the client version and, when a daemon is running, its pid and fingerprint.`,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(os.Stderr, "Client version: %s\n", core.FormatVersion(core.Version))

			handle := process.NewHandle(core.Config.MetadataDir())
			meta, err := handle.ReadMetadata()
			if err != nil || !handle.IsAlive(meta) {
				fmt.Fprintln(os.Stderr, "Daemon: not running")
				return
			}
			fmt.Fprintf(os.Stderr, "Daemon: pid %d, port %d, fingerprint %s\n",
				meta.Pid, meta.Port, meta.Fingerprint)
		},
	}
}
