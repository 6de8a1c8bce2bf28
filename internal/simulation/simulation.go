// Package simulation runs one controller against one physics world. A run
// moves through Loading, Configuring and Running and ends Completed when
// the logical clock reaches the total time, or Faulted when the guest or
// the solver fails. Physics only advances inside sleep_for, so the trace
// depends on nothing but the module, the track and the parameters.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/linesim/internal/device"
	"github.com/jkaninda/linesim/internal/fault"
	"github.com/jkaninda/linesim/internal/physics"
	"github.com/jkaninda/linesim/internal/robot"
	"github.com/jkaninda/linesim/internal/sandbox"
	lstrace "github.com/jkaninda/linesim/internal/trace"
	"github.com/jkaninda/linesim/internal/track"
)

// DefaultTotalTime is the logical run length when Options leaves it zero.
const DefaultTotalTime = 30 * time.Second

// maxPreallocSteps bounds the trace capacity reserved up front.
const maxPreallocSteps = 1 << 20

// State is a run's lifecycle stage.
type State int

const (
	StateLoading State = iota
	StateConfiguring
	StateRunning
	StateCompleted
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateConfiguring:
		return "configuring"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Options configure a run. The zero value runs on the "simple" track with
// default physics for DefaultTotalTime.
type Options struct {
	Track     *track.Track
	Params    physics.Params
	TotalTime time.Duration
	Limits    sandbox.Limits

	// Expected, when set, must match the configuration the module asks for.
	Expected *robot.Configuration
	// Live sees every step as it is recorded.
	Live func(lstrace.Step)
	// RecordOps keeps the device operation log in Result.Operations.
	RecordOps bool
	// Observe sees every device operation before it runs.
	Observe func(device.Operation)

	Logger *slog.Logger
}

func (o Options) withDefaults() (Options, error) {
	if o.Track == nil {
		trk, err := track.Builtin("simple")
		if err != nil {
			return o, err
		}
		o.Track = trk
	}
	if o.TotalTime == 0 {
		o.TotalTime = DefaultTotalTime
	}
	if o.TotalTime < time.Microsecond {
		return o, fault.Configurationf("options", "total time must be at least 1µs, got %v", o.TotalTime)
	}
	o.Params = o.Params.WithDefaults()
	o.Limits = o.Limits.WithDefaults()
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o, nil
}

// Result is the outcome of a run that got as far as Running.
type Result struct {
	Status        State               `json:"status"`
	Configuration robot.Configuration `json:"configuration"`
	Trace         lstrace.Trace       `json:"-"`
	// Fault is why a Faulted run stopped.
	Fault      error              `json:"-"`
	Clock      time.Duration      `json:"clock"`
	Steps      int64              `json:"steps"`
	Operations []device.Operation `json:"operations,omitempty"`
	Summary    Summary            `json:"summary"`
	Elapsed    time.Duration      `json:"elapsed"`
}

// Runner executes simulations.
type Runner interface {
	Run(ctx context.Context, module []byte, opts Options) (*Result, error)
}

// Local runs simulations in-process.
type Local struct{}

var _ Runner = Local{}

// Run implements Runner.
func (Local) Run(ctx context.Context, module []byte, opts Options) (*Result, error) {
	return Run(ctx, module, opts)
}

// Run loads module and simulates it. Load, configuration and geometry
// faults are returned as errors with no result. Guest faults and solver
// divergence end the run Faulted: the result carries the partial trace and
// the fault, and the error is nil.
func Run(ctx context.Context, module []byte, opts Options) (*Result, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	span := trace.SpanFromContext(ctx)

	g, err := sandbox.Load(ctx, module, opts.Limits, opts.Logger)
	if err != nil {
		span.AddEvent("load failed")
		return nil, err
	}
	defer func() { _ = g.Close(context.WithoutCancel(ctx)) }()
	span.AddEvent("loaded", trace.WithAttributes(attribute.Int("module.bytes", len(module))))

	return runGuest(ctx, g, opts)
}

// RunGuest simulates an already loaded guest. The caller keeps ownership
// of g.
func RunGuest(ctx context.Context, g sandbox.Guest, opts Options) (*Result, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	return runGuest(ctx, g, opts)
}

// RobotConfiguration runs only setup() and returns the validated
// configuration the module asks for.
func RobotConfiguration(ctx context.Context, module []byte, limits sandbox.Limits) (robot.Configuration, error) {
	g, err := sandbox.Load(ctx, module, limits, nil)
	if err != nil {
		return robot.Configuration{}, err
	}
	defer func() { _ = g.Close(context.WithoutCancel(ctx)) }()
	return configure(ctx, g)
}

func configure(ctx context.Context, g sandbox.Guest) (robot.Configuration, error) {
	cfg, err := g.Setup(ctx)
	if err != nil {
		if _, ok := fault.KindOf(err); !ok {
			err = &fault.Error{Kind: fault.KindConfiguration, Op: "setup", Err: err}
		}
		return robot.Configuration{}, err
	}
	return cfg.Normalize()
}

type run struct {
	opts   Options
	logger *slog.Logger
	state  State
}

func (r *run) enter(s State) {
	r.logger.Debug("simulation state", slog.String("from", r.state.String()), slog.String("to", s.String()))
	r.state = s
}

func runGuest(ctx context.Context, g sandbox.Guest, opts Options) (*Result, error) {
	started := time.Now()
	r := &run{opts: opts, logger: opts.Logger, state: StateLoading}
	span := trace.SpanFromContext(ctx)

	r.enter(StateConfiguring)
	cfg, err := configure(ctx, g)
	if err != nil {
		return nil, err
	}
	if opts.Expected != nil {
		want, err := opts.Expected.Normalize()
		if err != nil {
			return nil, err
		}
		if want != cfg {
			return nil, fault.Configurationf("setup", "module asks for %+v, expected %+v", cfg, want)
		}
	}
	span.AddEvent("configured", trace.WithAttributes(attribute.String("robot.name", cfg.Name)))

	world, err := physics.Build(cfg, opts.Track, opts.Params)
	if err != nil {
		return nil, err
	}

	dt := world.Params().FixedStep
	capacity := int(min(ceilDiv(opts.TotalTime.Microseconds(), dt.Microseconds()), maxPreallocSteps))
	var observers []func(lstrace.Step)
	if opts.Live != nil {
		observers = append(observers, opts.Live)
	}
	rec := lstrace.NewRecorder(capacity, observers...)
	sum := newSummarizer(world)
	clk := newClock(world, rec, sum, opts.TotalTime)
	host := device.NewHost(world, clk, cfg, device.Options{
		MaxTorque: world.Params().MaxTorque,
		CallLimit: opts.Limits.MaxCallsPerInstant,
		RecordOps: opts.RecordOps,
		Observe:   opts.Observe,
	})

	r.enter(StateRunning)
	r.logger.Info("simulation started",
		slog.String("robot", cfg.Name),
		slog.String("track", opts.Track.Name),
		slog.Duration("total_time", opts.TotalTime),
		slog.Duration("fixed_step", dt),
	)
	host.Bind()
	runErr := g.Run(ctx, host)
	host.Unbind()

	res := &Result{
		Configuration: cfg,
		Trace:         rec.Finalize(),
		Clock:         clk.Now(),
		Steps:         world.Steps(),
		Operations:    host.Operations(),
		Summary:       sum.summary(),
	}
	switch {
	case errors.Is(runErr, errBudgetReached):
		r.enter(StateCompleted)
	case runErr == nil:
		r.enter(StateFaulted)
		res.Fault = fault.Guestf("run", "run() returned")
	default:
		r.enter(StateFaulted)
		if _, ok := fault.KindOf(runErr); !ok {
			if ctx.Err() != nil {
				runErr = fault.Interrupted("run", context.Cause(ctx))
			} else {
				runErr = fault.Guest("run", runErr)
			}
		}
		res.Fault = runErr
	}
	res.Status = r.state
	res.Elapsed = time.Since(started)

	attrs := []any{
		slog.String("status", res.Status.String()),
		slog.Duration("clock", res.Clock),
		slog.Int64("steps", res.Steps),
		slog.String("outcome", string(res.Summary.Outcome)),
		slog.Duration("elapsed", res.Elapsed),
	}
	if res.Fault != nil {
		attrs = append(attrs, slog.String("fault", res.Fault.Error()))
		r.logger.Warn("simulation faulted", attrs...)
	} else {
		r.logger.Info("simulation completed", attrs...)
	}
	return res, nil
}
