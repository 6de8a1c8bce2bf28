package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/linesim/internal/device"
	"github.com/jkaninda/linesim/internal/fault"
	"github.com/jkaninda/linesim/internal/simulation"
)

// InstrumentedRunner wraps a simulation.Runner with metrics, tracing, and anomaly detection.
type InstrumentedRunner struct {
	inner   simulation.Runner
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedRunner wraps a runner with observability.
func NewInstrumentedRunner(inner simulation.Runner, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedRunner {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedRunner{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (r *InstrumentedRunner) Run(ctx context.Context, module []byte, opts simulation.Options) (*simulation.Result, error) {
	trackName := "simple"
	if opts.Track != nil {
		trackName = opts.Track.Name
	}

	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "simulation.run",
			trace.WithAttributes(
				attribute.String("simulation.track", trackName),
				attribute.Int64("simulation.total_time_us", opts.TotalTime.Microseconds()),
				attribute.Int("module.bytes", len(module)),
			))
		defer span.End()
	}

	if r.metrics != nil {
		r.metrics.ActiveRuns.Inc()
		defer r.metrics.ActiveRuns.Dec()

		ops := r.metrics.DeviceOpsTotal
		if prev := opts.Observe; prev != nil {
			opts.Observe = func(op device.Operation) {
				ops.WithLabelValues(op.Kind.String()).Inc()
				prev(op)
			}
		} else {
			opts.Observe = func(op device.Operation) { ops.WithLabelValues(op.Kind.String()).Inc() }
		}
	}

	start := time.Now()
	res, err := r.inner.Run(ctx, module, opts)
	duration := time.Since(start).Seconds()

	status := "error"
	failure := err
	if res != nil {
		status = res.Status.String()
		if failure == nil {
			failure = res.Fault
		}
	}

	if r.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.SetAttributes(attribute.String("simulation.status", status))
		if res != nil {
			span.SetAttributes(
				attribute.Int64("simulation.steps", res.Steps),
				attribute.String("simulation.outcome", string(res.Summary.Outcome)),
				attribute.String("robot.name", res.Configuration.Name),
			)
		}
		if failure != nil {
			span.RecordError(failure)
			span.SetStatus(codes.Error, failure.Error())
		}
	}

	if r.metrics != nil {
		r.metrics.RunsTotal.WithLabelValues(status).Inc()
		r.metrics.RunDuration.WithLabelValues(trackName).Observe(duration)
		if failure != nil {
			kind, ok := fault.KindOf(failure)
			if !ok {
				kind = "internal"
			}
			r.metrics.GuestFaultsTotal.WithLabelValues(string(kind)).Inc()
		}
		if res != nil {
			r.metrics.PhysicsStepsTotal.Add(float64(res.Steps))
			r.metrics.LogicalSeconds.Add(res.Clock.Seconds())
			r.metrics.RunOutcomesTotal.WithLabelValues(trackName, string(res.Summary.Outcome)).Inc()
		}
	}

	// Interrupted runs say nothing about the track's fault rate.
	if r.anomaly != nil && !errors.Is(failure, fault.ErrInterrupted) {
		if failure != nil {
			r.anomaly.RecordFault(trackName)
		} else {
			r.anomaly.RecordCompleted(trackName)
		}
	}

	return res, err
}

var _ simulation.Runner = (*InstrumentedRunner)(nil)
