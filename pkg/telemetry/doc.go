// Package telemetry wires logging, tracing, metrics and pass events.
//
// Logging uses zerolog. ConfigureGlobal installs the process logger that
// packages reach through zerolog/log, and Logger adds component, run and node
// fields:
//
//	logger, _ := telemetry.ConfigureGlobal(cfg.Logging)
//	logger.NewComponentLogger("apply").WithRunID(runID).Info("Pass started")
//
// Tracing uses OpenTelemetry with an OTLP gRPC or stdout exporter. The
// engine opens one span per pass and one child span per node on the tracer
// passed through engine.WithTracer:
//
//	tracer, _ := telemetry.NewTracer(cfg.Tracing, "mailstack", version, env)
//	eng := engine.NewEngine(dialer, engine.WithTracer(tracer.Tracer()))
//
// Metrics live on a private Prometheus registry under the mailstack
// namespace:
//
//	mailstack_nodes_total{kind,outcome}
//	mailstack_node_duration_seconds{kind}
//	mailstack_passes_total{outcome}
//	mailstack_pass_duration_seconds
//	mailstack_errors_total{class,code}
//
// EventSink implements engine.EventPublisher. It logs every event, updates
// the metrics above and persists the event through an EventStore such as
// the SQLite state store. Subscribers receive events synchronously, which
// the CLI uses to print progress.
package telemetry
