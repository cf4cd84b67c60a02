package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath  string
	verbose     bool
	jsonOutput  bool
	metricsAddr string

	buildInfo struct {
		version, commit, date string
	}
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildInfo.version, buildInfo.commit, buildInfo.date = version, commit, buildDate
	rootCmd := newRootCommand()
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mailstack",
		Short: "mailstack - Mailcow and ntfy provisioning over SSH",
		Long: `mailstack installs and updates a Mailcow mail server and an ntfy
notification server on a single host.

Every rendered file and script is fingerprinted. A pass only copies files and
runs commands whose fingerprints changed since the last successful pass, in
dependency order, with independent steps running in parallel.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", buildInfo.version, buildInfo.commit, buildInfo.date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			if jsonOutput {
				log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "deployment file or directory (default mailstack.cue)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newStateCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}
