package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values.
const (
	OutcomeOK = "ok"
)

// Metrics provides Prometheus metrics for type resolution and runs.
type Metrics struct {
	config MetricsConfig

	// Construction metrics
	constructions    *prometheus.CounterVec
	constructLatency *prometheus.HistogramVec

	// Source metrics
	unitLoads *prometheus.CounterVec

	// Run metrics
	runs            *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	releaseFailures prometheus.Counter
	activeRuns      prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
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

		constructions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "constructions_total",
				Help:      "Total number of construct-by-name requests by outcome",
			},
			[]string{"base", "outcome"},
		),
		constructLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "construct_duration_seconds",
				Help:      "Duration of construct-by-name requests, including lazy source loads",
				Buckets:   buckets,
			},
			[]string{"base"},
		),

		unitLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unit_loads_total",
				Help:      "Total number of code unit load attempts",
			},
			[]string{"kind", "outcome"},
		),

		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of completed runs by status",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		releaseFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "release_failures_total",
				Help:      "Total number of capabilities that failed to release at teardown",
			},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active runs",
			},
		),
	}

	registry.MustRegister(
		m.constructions,
		m.constructLatency,
		m.unitLoads,
		m.runs,
		m.runDuration,
		m.releaseFailures,
		m.activeRuns,
	)

	return m, nil
}

// RecordConstruct records a construct-by-name request.
func (m *Metrics) RecordConstruct(base, outcome string, duration time.Duration) {
	if m.constructions == nil {
		return
	}
	m.constructions.WithLabelValues(base, outcome).Inc()
	m.constructLatency.WithLabelValues(base).Observe(duration.Seconds())
}

// RecordUnitLoad records a code unit load attempt.
func (m *Metrics) RecordUnitLoad(kind, outcome string) {
	if m.unitLoads == nil {
		return
	}
	m.unitLoads.WithLabelValues(kind, outcome).Inc()
}

// RecordRunStarted marks a run as active.
func (m *Metrics) RecordRunStarted() {
	if m.activeRuns == nil {
		return
	}
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.runs == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordReleaseFailures adds n teardown release failures.
func (m *Metrics) RecordReleaseFailures(n int) {
	if m.releaseFailures == nil || n <= 0 {
		return
	}
	m.releaseFailures.Add(float64(n))
}

// Registry returns the private Prometheus registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
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

// StartMetricsServer starts an HTTP server exposing metrics and returns it so
// the caller can shut it down. It returns nil when metrics are disabled or no
// listen address is configured.
func (m *Metrics) StartMetricsServer(logger *Logger) *http.Server {
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
			logger.WithError(err).Error("Metrics server stopped")
		}
	}()

	return server
}
