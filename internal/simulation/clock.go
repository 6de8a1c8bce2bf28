package simulation

import (
	"errors"
	"time"

	"github.com/jkaninda/linesim/internal/physics"
	"github.com/jkaninda/linesim/internal/trace"
)

// errBudgetReached halts the guest from inside sleep_for once the logical
// clock has reached the total simulation time.
var errBudgetReached = errors.New("simulation budget reached")

// clock is the logical clock and the only place physics steps happen.
// It implements device.Stepper.
type clock struct {
	world    *physics.World
	recorder *trace.Recorder
	summary  *summarizer

	dt       time.Duration
	dtMicros int64
	budget   int64 // µs
	now      int64 // µs
}

func newClock(w *physics.World, rec *trace.Recorder, sum *summarizer, budget time.Duration) *clock {
	dt := w.Params().FixedStep
	return &clock{
		world:    w,
		recorder: rec,
		summary:  sum,
		dt:       dt,
		dtMicros: dt.Microseconds(),
		budget:   budget.Microseconds(),
	}
}

// Sleep advances ceil(micros/dt) steps, at least one, stopping at the
// first step that reaches the budget.
func (c *clock) Sleep(micros int64) error {
	if c.now >= c.budget {
		return errBudgetReached
	}
	steps := max(1, ceilDiv(micros, c.dtMicros))
	steps = min(steps, ceilDiv(c.budget-c.now, c.dtMicros))

	for range steps {
		if err := c.world.Advance(c.dt); err != nil {
			return err
		}
		c.now += c.dtMicros
		step := c.snapshot()
		if err := c.recorder.Record(step); err != nil {
			return err
		}
		c.summary.observe(c.world, c.now)
	}
	if c.now >= c.budget {
		return errBudgetReached
	}
	return nil
}

// Now returns the logical clock.
func (c *clock) Now() time.Duration { return time.Duration(c.now) * time.Microsecond }

func (c *clock) snapshot() trace.Step {
	pose := func(id physics.BodyID) trace.Pose {
		p := c.world.Pose(id)
		return trace.PoseOf(p.Position, p.Orientation)
	}
	return trace.Step{
		TimeS:      float32(float64(c.now) / 1e6),
		Chassis:    pose(physics.Chassis),
		LeftWheel:  pose(physics.LeftWheel),
		RightWheel: pose(physics.RightWheel),
	}
}

func ceilDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 {
		q++
	}
	return q
}
