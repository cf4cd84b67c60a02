package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonOutput {
				return printJSON(map[string]string{
					"version": buildInfo.version,
					"commit":  buildInfo.commit,
					"built":   buildInfo.date,
					"go":      runtime.Version(),
				})
			}
			fmt.Printf("mailstack %s (commit: %s, built: %s, %s)\n",
				buildInfo.version, buildInfo.commit, buildInfo.date, runtime.Version())
			return nil
		},
	}
}
