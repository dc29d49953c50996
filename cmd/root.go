package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/kiln-build/kiln/internal/core"
)

func NewRootCommand() *cobra.Command {
	var configPath string
	var verbose int

	homeDir, _ := os.UserHomeDir()

	rootCmd := &cobra.Command{
		Use:   "kiln",
		Short: "Kiln - persistent build daemon",
		Long: `Kiln keeps a build daemon warm between invocations so repeated builds
skip cold-start work. Build commands are forwarded to the daemon, which
executes them against an always-current view of the source tree.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := core.InitializeConfig(configPath); err != nil {
				return err
			}
			if verbose > core.Config.Verbose {
				core.Config.Verbose = verbose
			}

			level := slog.LevelInfo
			if core.Config.Verbose > 0 {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
				Level:      level,
				TimeFormat: time.Kitchen,
			})))
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config-path", fmt.Sprintf("%s/%s", homeDir, core.BaseDirName),
		"config path",
	)
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "more output, repeat for even more")

	rootCmd.AddCommand(
		NewRunCommand(),
		NewStartCommand(),
		NewStatusCommand(),
		NewStopCommand(),
		NewRestartCommand(),
		NewLogsCommand(),
		NewVersionCommand(),
		NewDaemonCommand(),
	)

	return rootCmd
}
