// Package trace records body poses once per physics step and freezes them
// into a replayable, append-only execution trace.
package trace

import (
	"errors"
	"sort"
	"sync"

	"github.com/go-gl/mathgl/mgl64"
)

// ErrFinalized is returned when recording into a frozen recorder.
var ErrFinalized = errors.New("trace: recorder finalized")

// ErrNotMonotonic is returned when a step is older than its predecessor.
var ErrNotMonotonic = errors.New("trace: step time went backwards")

// Pose is a translation and a unit quaternion (x, y, z, w).
type Pose struct {
	Translation [3]float32 `json:"translation"`
	Rotation    [4]float32 `json:"rotation"`
}

// PoseOf narrows a solver pose to its recorded precision.
func PoseOf(position mgl64.Vec3, orientation mgl64.Quat) Pose {
	return Pose{
		Translation: [3]float32{float32(position.X()), float32(position.Y()), float32(position.Z())},
		Rotation: [4]float32{
			float32(orientation.V.X()), float32(orientation.V.Y()), float32(orientation.V.Z()),
			float32(orientation.W),
		},
	}
}

// Position returns the translation as a vector.
func (p Pose) Position() mgl64.Vec3 {
	return mgl64.Vec3{float64(p.Translation[0]), float64(p.Translation[1]), float64(p.Translation[2])}
}

// Orientation returns the rotation as a quaternion.
func (p Pose) Orientation() mgl64.Quat {
	r := p.Rotation
	return mgl64.Quat{W: float64(r[3]), V: mgl64.Vec3{float64(r[0]), float64(r[1]), float64(r[2])}}
}

// Step is the state after one physics step.
type Step struct {
	TimeS      float32 `json:"time_s"`
	Chassis    Pose    `json:"chassis"`
	LeftWheel  Pose    `json:"left_wheel"`
	RightWheel Pose    `json:"right_wheel"`
}

// Trace is a finalized, time-ordered step sequence.
type Trace struct {
	Steps []Step `json:"steps"`
}

// Len returns the number of steps.
func (t Trace) Len() int { return len(t.Steps) }

// Duration is the time of the last step in seconds.
func (t Trace) Duration() float32 {
	if len(t.Steps) == 0 {
		return 0
	}
	return t.Steps[len(t.Steps)-1].TimeS
}

// At returns the last step recorded at or before timeS.
func (t Trace) At(timeS float32) (Step, bool) {
	i := sort.Search(len(t.Steps), func(i int) bool { return t.Steps[i].TimeS > timeS })
	if i == 0 {
		return Step{}, false
	}
	return t.Steps[i-1], true
}

// Interpolate blends the two steps around timeS: translations linearly,
// rotations by slerp. Outside the recorded range it clamps to the ends.
func (t Trace) Interpolate(timeS float32) (Step, bool) {
	n := len(t.Steps)
	if n == 0 {
		return Step{}, false
	}
	i := sort.Search(n, func(i int) bool { return t.Steps[i].TimeS > timeS })
	switch {
	case i == 0:
		return t.Steps[0], true
	case i == n:
		return t.Steps[n-1], true
	}
	a, b := t.Steps[i-1], t.Steps[i]
	span := b.TimeS - a.TimeS
	if span <= 0 {
		return a, true
	}
	f := float64((timeS - a.TimeS) / span)
	return Step{
		TimeS:      timeS,
		Chassis:    blend(a.Chassis, b.Chassis, f),
		LeftWheel:  blend(a.LeftWheel, b.LeftWheel, f),
		RightWheel: blend(a.RightWheel, b.RightWheel, f),
	}, true
}

func blend(a, b Pose, f float64) Pose {
	pos := a.Position().Add(b.Position().Sub(a.Position()).Mul(f))
	rot := mgl64.QuatSlerp(a.Orientation(), b.Orientation(), f)
	return PoseOf(pos, rot)
}

// Recorder accumulates steps for one run. Record is the only mutator;
// after Finalize the recorder rejects further steps. A Recorder is safe to
// finalize from another goroutine while a run is recording.
type Recorder struct {
	mu        sync.Mutex
	steps     []Step
	finalized bool
	observers []func(Step)
}

// NewRecorder returns a recorder with room for capacity steps. Each
// observer is called synchronously with every recorded step.
func NewRecorder(capacity int, observers ...func(Step)) *Recorder {
	return &Recorder{steps: make([]Step, 0, max(capacity, 0)), observers: observers}
}

// Record appends s.
func (r *Recorder) Record(s Step) error {
	r.mu.Lock()
	if r.finalized {
		r.mu.Unlock()
		return ErrFinalized
	}
	if n := len(r.steps); n > 0 && s.TimeS < r.steps[n-1].TimeS {
		r.mu.Unlock()
		return ErrNotMonotonic
	}
	r.steps = append(r.steps, s)
	r.mu.Unlock()

	for _, fn := range r.observers {
		fn(s)
	}
	return nil
}


// Finalize freezes the recorder and returns the trace. Calling it again
// returns the same steps.
func (r *Recorder) Finalize() Trace {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalized = true
	return Trace{Steps: r.steps[:len(r.steps):len(r.steps)]}
}
