package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for linesim.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Run metrics.
	RunsTotal        *prometheus.CounterVec
	RunDuration      *prometheus.HistogramVec
	RunOutcomesTotal *prometheus.CounterVec
	LogicalSeconds   prometheus.Counter

	// Physics and guest metrics.
	PhysicsStepsTotal prometheus.Counter
	DeviceOpsTotal    *prometheus.CounterVec
	GuestFaultsTotal  *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Live stream metrics.
	LiveSubscribers   prometheus.Gauge
	LiveDroppedFrames prometheus.Counter

	// System metrics.
	ActiveRuns prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linesim",
			Subsystem: "simulation",
			Name:      "runs_total",
			Help:      "Total simulation runs by final status.",
		}, []string{"status"}),

		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "linesim",
			Subsystem: "simulation",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of a simulation run in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"track"}),

		RunOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linesim",
			Subsystem: "simulation",
			Name:      "outcomes_total",
			Help:      "Where robots ended up at the end of a run.",
		}, []string{"track", "outcome"}),

		LogicalSeconds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linesim",
			Subsystem: "simulation",
			Name:      "logical_seconds_total",
			Help:      "Total simulated time across runs.",
		}),

		PhysicsStepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linesim",
			Subsystem: "physics",
			Name:      "steps_total",
			Help:      "Total fixed physics steps taken.",
		}),

		DeviceOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linesim",
			Subsystem: "device",
			Name:      "operations_total",
			Help:      "Total device calls made by guests.",
		}, []string{"op"}),

		GuestFaultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linesim",
			Subsystem: "sandbox",
			Name:      "faults_total",
			Help:      "Total runs that failed, by fault kind.",
		}, []string{"kind"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linesim",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "linesim",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		LiveSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "linesim",
			Subsystem: "live",
			Name:      "subscribers",
			Help:      "Number of connected live trace viewers.",
		}),

		LiveDroppedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linesim",
			Subsystem: "live",
			Name:      "dropped_frames_total",
			Help:      "Frames dropped because a viewer fell behind.",
		}),

		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "linesim",
			Name:      "active_runs",
			Help:      "Number of simulations currently running.",
		}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.RunOutcomesTotal,
		m.LogicalSeconds,
		m.PhysicsStepsTotal,
		m.DeviceOpsTotal,
		m.GuestFaultsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LiveSubscribers,
		m.LiveDroppedFrames,
		m.ActiveRuns,
	)

	return m
}
