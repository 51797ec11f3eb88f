package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Ngome.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Executor metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram
	RollbacksTotal    prometheus.Counter

	// Environment lifecycle metrics.
	EnvironmentOpsTotal *prometheus.CounterVec

	// Test battery metrics.
	TestChecksTotal   *prometheus.CounterVec
	TestSuiteDuration prometheus.Histogram

	// HTTP API metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "executor",
			Name:      "executions_total",
			Help:      "Total command executions by audit outcome.",
		}, []string{"outcome"}),

		ExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ngome",
			Subsystem: "executor",
			Name:      "execution_duration_seconds",
			Help:      "Command execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}),

		RollbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "executor",
			Name:      "rollbacks_total",
			Help:      "Total rollback attempts applied after failed executions.",
		}),

		EnvironmentOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "environment",
			Name:      "operations_total",
			Help:      "Total environment lifecycle operations.",
		}, []string{"operation"}),

		TestChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "tester",
			Name:      "checks_total",
			Help:      "Total test checks run, by outcome.",
		}, []string{"outcome"}),

		TestSuiteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ngome",
			Subsystem: "tester",
			Name:      "suite_duration_seconds",
			Help:      "Full test battery duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ngome",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ngome",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.RollbacksTotal,
		m.EnvironmentOpsTotal,
		m.TestChecksTotal,
		m.TestSuiteDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
