// Package observability provides Prometheus metrics, OpenTelemetry tracing,
// health checks and fault-rate warnings for linesim.
// All components are optional and nil-safe: when disabled, wrappers
// skip recording with a single nil check per operation.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/linesim/internal/config"
	"github.com/jkaninda/linesim/internal/simulation"
)

// ServiceVersion is reported by tracing, health and the API docs. The CLI
// sets it at startup.
var ServiceVersion = "dev"

// Observability bundles the optional components. Any field other than
// Health may be nil.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Anomaly *AnomalyDetector
	Health  *HealthChecker
}

// New builds the components enabled in cfg. A nil cfg yields an
// Observability with only the health checker.
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	obs := &Observability{Health: NewHealthChecker(logger)}
	if cfg == nil {
		return obs, nil
	}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}
	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracer = ts
	}
	if cfg.Anomaly != nil && cfg.Anomaly.Enabled {
		obs.Anomaly = NewAnomalyDetector(cfg.Anomaly, logger)
	}
	return obs, nil
}

// Instrument wraps runner with whatever is enabled. With nothing enabled
// runner is returned as is.
func (o *Observability) Instrument(runner simulation.Runner) simulation.Runner {
	if o == nil || (o.Metrics == nil && o.Tracer == nil && o.Anomaly == nil) {
		return runner
	}
	return NewInstrumentedRunner(runner, o.Metrics, o.Tracer, o.Anomaly)
}

// Shutdown flushes pending spans.
func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil || o.Tracer == nil {
		return nil
	}
	if err := o.Tracer.Shutdown(ctx); err != nil {
		return fmt.Errorf("flushing spans: %w", err)
	}
	return nil
}

// TracerOrNil returns the tracer setup or nil if tracing is disabled.
func (o *Observability) TracerOrNil() *TracerSetup {
	if o == nil {
		return nil
	}
	return o.Tracer
}

// MetricsOrNil returns the collector or nil if metrics are disabled.
func (o *Observability) MetricsOrNil() *MetricsCollector {
	if o == nil {
		return nil
	}
	return o.Metrics
}
