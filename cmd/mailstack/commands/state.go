package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/mailstack/pkg/stores"
)

func newStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect and edit recorded state",
		Long: `Inspect and edit the state recorded for the deployment's environment
and project.

State holds the fingerprints committed per node by successful dispatches,
together with the history of passes and their events.`,
	}

	cmd.AddCommand(newStateListCommand())
	cmd.AddCommand(newStateRunsCommand())
	cmd.AddCommand(newStateTaintCommand())

	return cmd
}

// withStore opens the state store of the configured deployment.
func withStore(ctx context.Context, fn func(store *stores.SQLiteStore, scope string) error) error {
	d, err := loadDeployment(ctx, configPath)
	if err != nil {
		return err
	}
	store, err := d.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store, d.cfg.Scope())
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStateListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recorded nodes and their fingerprints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(store *stores.SQLiteStore, scope string) error {
				records, err := store.ListTriggers(cmd.Context(), scope)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(records)
				}
				for _, r := range records {
					fmt.Printf("%-48s %s\n", r.NodeID, r.UpdatedAt.Local().Format(time.DateTime))
					for _, t := range r.Triggers {
						fmt.Printf("    %s\n", t)
					}
				}
				return nil
			})
		},
	}
}

func newStateRunsCommand() *cobra.Command {
	var (
		limit  int
		events string
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show pass history",
		Example: `  # Show the last 10 passes
  mailstack state runs

  # Show the events of one pass
  mailstack state runs --events 3f0c2a4e-...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withStore(ctx, func(store *stores.SQLiteStore, scope string) error {
				if events != "" {
					evs, err := store.ListEvents(ctx, events)
					if err != nil {
						return err
					}
					if jsonOutput {
						return printJSON(evs)
					}
					for _, ev := range evs {
						fmt.Printf("%s %-16s %-48s %s\n",
							ev.Timestamp.Local().Format(time.TimeOnly), ev.Type, ev.NodeID, ev.Message)
					}
					return nil
				}

				runs, err := store.ListRuns(ctx, scope, limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(runs)
				}
				for _, r := range runs {
					line := fmt.Sprintf("%s %s %-9s applied=%d dispatched=%d reused=%d blocked=%d",
						r.ID, r.StartedAt.Local().Format(time.DateTime), r.Status,
						r.Applied, r.Dispatched, r.Reused, r.Blocked)
					if r.FailedNode != nil {
						line += " failed=" + *r.FailedNode
					}
					fmt.Println(line)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of passes to show")
	cmd.Flags().StringVar(&events, "events", "", "show the events of this run")

	return cmd
}

func newStateTaintCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "taint <node-id>...",
		Short: "Force nodes to be dispatched on the next pass",
		Long: `Forget the recorded fingerprints of the given nodes, so the next pass
dispatches them even if their content is unchanged.`,
		Example: `  # Re-run the Mailcow post-install step
  mailstack state taint remote-command-postinstall-mailcow`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withStore(ctx, func(store *stores.SQLiteStore, scope string) error {
				for _, id := range args {
					if err := store.DeleteTriggers(ctx, scope, id); err != nil {
						return fmt.Errorf("failed to taint %s: %w", id, err)
					}
					log.Info().Str("node_id", id).Str("scope", scope).Msg("Node tainted")
				}
				return nil
			})
		},
	}
}
