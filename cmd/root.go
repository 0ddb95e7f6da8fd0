package cmd

import (
	"os"

	"tournament-engine/config"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var cfg *config.Config

// NewRootCmd builds the tournament-engine command tree. Running the root
// command without a subcommand serves.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tournament-engine",
		Short:         "Tournament matchmaking, settlement and progression service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load()
			if err != nil {
				return err
			}
			loaded.ConfigureLogging()
			cfg = loaded
			return nil
		},
	}

	serve := newServeCmd()
	root.RunE = serve.RunE
	root.AddCommand(serve, newSweepCmd(), newCleanupCmd(), newMigrateCmd())
	return root
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		logrus.WithError(err).Error("command failed")
		os.Exit(1)
	}
}
