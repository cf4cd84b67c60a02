package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/mailstack/pkg/policy"
)

func newGraphCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the operation graph",
		Long: `Print the graph a pass would apply, without connecting to the server
or resolving any secret.

Formats:
  - dot: Graphviz source
  - levels: nodes grouped by the level they may start at`,
		Example: `  # Render the graph as SVG
  mailstack graph | dot -Tsvg > graph.svg

  # Show execution levels
  mailstack graph --format levels`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			d, err := loadDeployment(ctx, configPath)
			if err != nil {
				return err
			}
			sg, err := d.build(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(policy.NewInput(sg, d.cfg.Environment))
			}

			switch format {
			case "dot":
				fmt.Print(sg.ToDOT())
			case "levels":
				for i, level := range sg.Levels() {
					fmt.Printf("%d: %s\n", i, strings.Join(level, " "))
				}
			default:
				return fmt.Errorf("unknown format %q", format)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "dot", "output format (dot, levels)")

	return cmd
}
