package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/mailstack/pkg/engine"
	"github.com/openfroyo/mailstack/pkg/stores"
	"github.com/openfroyo/mailstack/pkg/telemetry"
	"github.com/openfroyo/mailstack/pkg/transports/ssh"
)

// sshOptions are transport settings not carried by the deployment file.
type sshOptions struct {
	knownHosts string
	insecure   bool
	proxy      string
}

func (o sshOptions) dialer() *ssh.Dialer {
	defaults := ssh.DefaultConfig("", "")
	if o.knownHosts != "" {
		defaults.KnownHostsPath = o.knownHosts
	}
	defaults.StrictHostKeyChecking = !o.insecure
	defaults.ProxyHost = o.proxy
	return ssh.NewDialer(*defaults)
}

func addSSHFlags(cmd *cobra.Command, o *sshOptions) {
	cmd.Flags().StringVar(&o.knownHosts, "known-hosts", "", "known_hosts file (default ~/.ssh/known_hosts)")
	cmd.Flags().BoolVar(&o.insecure, "insecure-host-key", false, "accept any host key")
	cmd.Flags().StringVar(&o.proxy, "proxy", "", "jump host to connect through")
}

func newApplyCommand() *cobra.Command {
	var opts sshOptions

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Run a provisioning pass",
		Long: `Run one provisioning pass against the deployment's server.

This command:
  - Loads and validates the deployment
  - Builds the operation graph and checks it against policies
  - Skips every node whose fingerprints match the last recorded pass
  - Copies files and runs commands over SSH in dependency order
  - Records fingerprints per node, plus the pass and its events`,
		Example: `  # Apply mailstack.cue in the current directory
  mailstack apply

  # Apply another deployment and expose metrics
  mailstack apply -c deploy/staging.cue --metrics-addr :9090`,
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

			result, err := runPass(ctx, d, tel, opts)
			if err != nil {
				return err
			}
			return reportPass(result)
		},
	}

	addSSHFlags(cmd, &opts)
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	return cmd
}

// newTelemetry sets up logging, tracing and metrics from the deployment,
// with command-line flags taking precedence.
func newTelemetry(ctx context.Context, d *deployment) (*telemetry.Telemetry, error) {
	tc := d.cfg.TelemetryConfig(buildInfo.version)
	if verbose {
		tc.Logging.Level = "debug"
	}
	if jsonOutput {
		tc.Logging.Format = "json"
	}
	if metricsAddr != "" {
		tc.Metrics.Enabled = true
		tc.Metrics.ListenAddress = metricsAddr
	}

	tel, err := telemetry.NewTelemetry(tc)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	if err := tel.Metrics.StartMetricsServer(ctx); err != nil {
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}
	return tel, nil
}

func shutdownTelemetry(tel *telemetry.Telemetry) {
	if err := tel.Shutdown(context.Background()); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down telemetry")
	}
}

// runPass builds the graph, gates it on policy and applies it. The error
// return is for failures before the pass starts.
func runPass(ctx context.Context, d *deployment, tel *telemetry.Telemetry, opts sshOptions) (*engine.ApplyResult, error) {
	sg, err := d.build(ctx)
	if err != nil {
		return nil, err
	}

	verdict, err := d.checkPolicies(ctx, sg)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate policies: %w", err)
	}
	for _, w := range verdict.Warnings {
		log.Warn().Str("policy", w.Policy).Str("node_id", w.Node).Msg(w.Message)
	}
	if err := verdict.Err(); err != nil {
		return nil, err
	}

	store, err := d.openStore(ctx)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	scope := d.cfg.Scope()
	previous, err := store.LoadTriggers(ctx, scope)
	if err != nil {
		return nil, err
	}

	conn, err := d.connection(ctx)
	if err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	if err := store.CreateRun(ctx, &stores.Run{ID: runID, Scope: scope}); err != nil {
		return nil, err
	}

	eng := engine.NewEngine(opts.dialer(),
		engine.WithMaxParallel(d.cfg.MaxParallel),
		engine.WithRecorder(store.Recorder(scope, runID)),
		engine.WithEventPublisher(tel.NewEventSink(store)),
		engine.WithTracer(tel.Tracer.Tracer()),
	)

	log.Info().
		Str("run_id", runID).
		Str("scope", scope).
		Str("host", conn.Host).
		Int("nodes", sg.Len()).
		Msg("Starting pass")

	ctx = tel.WithContext(engine.ContextWithRunID(ctx, runID))
	result := eng.Apply(ctx, sg, conn, previous)

	if err := store.CompleteRun(context.WithoutCancel(ctx), runID, result); err != nil {
		log.Error().Err(err).Str("run_id", runID).Msg("Failed to record pass outcome")
	}
	return result, nil
}

// reportPass prints the outcome and turns a failed pass into an error.
func reportPass(result *engine.ApplyResult) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
	} else {
		fmt.Print(result.Summary())
	}

	if result.Succeeded() {
		return nil
	}
	if result.Err != nil {
		return fmt.Errorf("pass %s failed at %s: %w", result.RunID, result.FailedNodeID, result.Err)
	}
	return fmt.Errorf("pass %s left %d nodes pending", result.RunID, len(result.Blocked))
}
