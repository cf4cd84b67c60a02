package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/mailstack/pkg/watch"
)

func newWatchCommand() *cobra.Command {
	var (
		opts  sshOptions
		delay time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Apply on every change to the deployment",
		Long: `Run a pass, then run another whenever the deployment file, the
variables script, the assets directory or a policy directory changes.

The deployment is reloaded before each pass. A pass that fails or a
deployment that no longer loads is logged, and watching continues.`,
		Example: `  # Re-apply while editing templates
  mailstack watch -c deploy/mailstack.cue`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			d, err := loadDeployment(ctx, configPath)
			if err != nil {
				return err
			}

			tel, err := newTelemetry(ctx, d)
			if err != nil {
				return err
			}
			defer shutdownTelemetry(tel)

			pass := func(ctx context.Context) error {
				d, err := loadDeployment(ctx, configPath)
				if err != nil {
					return fmt.Errorf("failed to reload deployment: %w", err)
				}
				result, err := runPass(ctx, d, tel, opts)
				if err != nil {
					return err
				}
				return reportPass(result)
			}

			if err := pass(ctx); err != nil {
				log.Error().Err(err).Msg("Initial pass failed")
			}

			w := watch.New(d.watchPaths(), watch.WithDelay(delay), watch.WithLogger(log.Logger))
			if err := w.Start(ctx, func(ctx context.Context, changed []string) error {
				return pass(ctx)
			}); err != nil {
				return err
			}

			<-w.Done()
			return nil
		},
	}

	addSSHFlags(cmd, &opts)
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().DurationVar(&delay, "delay", watch.DefaultDelay, "quiet period before a pass starts")

	return cmd
}
