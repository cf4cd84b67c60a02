package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for apply passes.
type Metrics struct {
	config MetricsConfig

	nodesTotal   *prometheus.CounterVec
	nodeDuration *prometheus.HistogramVec
	passesTotal  *prometheus.CounterVec
	passDuration prometheus.Histogram
	errorsTotal  *prometheus.CounterVec
	activePasses prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
// A disabled configuration yields a no-op collector.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		nodesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nodes_total",
				Help:      "Total number of evaluated nodes by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		nodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "node_duration_seconds",
				Help:      "Duration of node evaluation in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),
		passesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "passes_total",
				Help:      "Total number of apply passes by outcome",
			},
			[]string{"outcome"},
		),
		passDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pass_duration_seconds",
				Help:      "Duration of apply passes in seconds",
				Buckets:   buckets,
			},
		),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of node errors by class and code",
			},
			[]string{"class", "code"},
		),
		activePasses: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_passes",
				Help:      "Number of passes in progress",
			},
		),
	}

	registry.MustRegister(
		m.nodesTotal,
		m.nodeDuration,
		m.passesTotal,
		m.passDuration,
		m.errorsTotal,
		m.activePasses,
	)

	return m, nil
}

// RecordPassStarted marks a pass in progress.
func (m *Metrics) RecordPassStarted() {
	if m.activePasses == nil {
		return
	}
	m.activePasses.Inc()
}

// RecordPass records a finished pass with its outcome and duration.
func (m *Metrics) RecordPass(outcome string, duration time.Duration) {
	if m.passesTotal == nil {
		return
	}
	m.passesTotal.WithLabelValues(outcome).Inc()
	m.passDuration.Observe(duration.Seconds())
	m.activePasses.Dec()
}

// RecordNode records a node outcome. Durations are only observed for nodes
// that did work.
func (m *Metrics) RecordNode(kind, outcome string, duration time.Duration) {
	if m.nodesTotal == nil {
		return
	}
	m.nodesTotal.WithLabelValues(kind, outcome).Inc()
	if duration > 0 {
		m.nodeDuration.WithLabelValues(kind).Observe(duration.Seconds())
	}
}

// RecordError records a node error by class and code.
func (m *Metrics) RecordError(class, code string) {
	if m.errorsTotal == nil {
		return
	}
	m.errorsTotal.WithLabelValues(class, code).Inc()
}

// Registry returns the underlying registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves metrics on the configured address until ctx is
// done. It returns immediately.
func (m *Metrics) StartMetricsServer(ctx context.Context) error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("address", m.config.ListenAddress).Msg("Metrics server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info().Str("address", m.config.ListenAddress).Str("path", path).Msg("Serving metrics")
	return nil
}
