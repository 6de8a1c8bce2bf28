// Package device implements the three capabilities a robot controller may
// use: set motor power, read the line sensors, and sleep. A Host is bound to
// one run; nothing here is global.
package device

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/jkaninda/linesim/internal/fault"
	"github.com/jkaninda/linesim/internal/robot"
	"github.com/jkaninda/linesim/internal/track"
)

// Kind tags an Operation.
type Kind int

const (
	KindSetMotors Kind = iota + 1
	KindReadSensors
	KindSleepFor
)

// Names as exposed to guests.
func (k Kind) String() string {
	switch k {
	case KindSetMotors:
		return "set_motors_power"
	case KindReadSensors:
		return "read_sensors"
	case KindSleepFor:
		return "sleep_for"
	default:
		return "unknown"
	}
}

// Operation is one guest request. Left and Right apply to KindSetMotors,
// Micros to KindSleepFor.
type Operation struct {
	Kind   Kind    `json:"kind"`
	Left   float32 `json:"left,omitempty"`
	Right  float32 `json:"right,omitempty"`
	Micros int64   `json:"micros,omitempty"`
}

// SetMotors builds a motor power request.
func SetMotors(left, right float32) Operation {
	return Operation{Kind: KindSetMotors, Left: left, Right: right}
}

// ReadSensors builds a sensor read request.
func ReadSensors() Operation { return Operation{Kind: KindReadSensors} }

// SleepFor builds a sleep request.
func SleepFor(micros int64) Operation { return Operation{Kind: KindSleepFor, Micros: micros} }

func (o Operation) String() string {
	switch o.Kind {
	case KindSetMotors:
		return fmt.Sprintf("%s(%g, %g)", o.Kind, o.Left, o.Right)
	case KindSleepFor:
		return fmt.Sprintf("%s(%d)", o.Kind, o.Micros)
	default:
		return o.Kind.String() + "()"
	}
}

// SensorArray holds one reading per sensor, left to right.
type SensorArray []bool

// Mask packs the readings into a bitmask, bit i for sensor i.
func (a SensorArray) Mask() uint32 {
	var m uint32
	for i, on := range a {
		if on && i < robot.MaxSensors {
			m |= 1 << i
		}
	}
	return m
}


// Devices is the capability surface a guest runs against.
type Devices interface {
	SetMotorsPower(left, right float32) error
	ReadSensors() (SensorArray, error)
	SleepFor(micros int64) error
}

// Stepper advances logical time on behalf of SleepFor.
type Stepper interface {
	Sleep(micros int64) error
}

// World is the part of the physics world the devices touch.
type World interface {
	SetWheelTorques(left, right float64)
	SensorPositions() []mgl64.Vec3
	Track() *track.Track
}

// Options tune a Host.
type Options struct {
	// MaxTorque is the motor torque at full power before gearing, N·m.
	MaxTorque float64
	// CallLimit caps non-sleep calls between two sleeps. Zero disables it.
	CallLimit int
	// RecordOps keeps every executed operation for Operations.
	RecordOps bool
	// Observe, if set, sees every operation before it runs.
	Observe func(Operation)
}

// Host executes device operations against one world.
type Host struct {
	world   World
	stepper Stepper
	num     float64
	den     float64
	opts    Options

	bound bool
	power [2]float32
	calls int
	ops   []Operation
}

var _ Devices = (*Host)(nil)

// NewHost binds devices for cfg to w. Sleeps are delegated to s.
// Capabilities start unbound; call Bind when the guest starts running.
func NewHost(w World, s Stepper, cfg robot.Configuration, opts Options) *Host {
	return &Host{
		world:   w,
		stepper: s,
		num:     float64(cfg.GearRatioNum),
		den:     float64(cfg.GearRatioDen),
		opts:    opts,
	}
}

// Bind makes the capabilities available.
func (h *Host) Bind() { h.bound = true }

// Unbind withdraws the capabilities.
func (h *Host) Unbind() { h.bound = false }


// Operations returns the executed operations when RecordOps is set.
func (h *Host) Operations() []Operation { return h.ops }

// Result carries the output of an executed operation.
type Result struct {
	Sensors SensorArray
}

// Execute dispatches op.
func (h *Host) Execute(op Operation) (Result, error) {
	if h.opts.Observe != nil {
		h.opts.Observe(op)
	}
	if !h.bound {
		return Result{}, fault.Configurationf(op.Kind.String(), "device capabilities are not available outside run()")
	}
	if h.opts.RecordOps {
		h.ops = append(h.ops, op)
	}

	switch op.Kind {
	case KindSetMotors:
		return Result{}, h.setMotors(op.Left, op.Right)
	case KindReadSensors:
		s, err := h.readSensors()
		return Result{Sensors: s}, err
	case KindSleepFor:
		return Result{}, h.sleep(op.Micros)
	default:
		return Result{}, fault.Guestf("execute", "unknown device operation %d", op.Kind)
	}
}

// SetMotorsPower implements Devices.
func (h *Host) SetMotorsPower(left, right float32) error {
	_, err := h.Execute(SetMotors(left, right))
	return err
}

// ReadSensors implements Devices.
func (h *Host) ReadSensors() (SensorArray, error) {
	r, err := h.Execute(ReadSensors())
	return r.Sensors, err
}

// SleepFor implements Devices.
func (h *Host) SleepFor(micros int64) error {
	_, err := h.Execute(SleepFor(micros))
	return err
}

func (h *Host) charge(op string) error {
	if h.opts.CallLimit <= 0 {
		return nil
	}
	h.calls++
	if h.calls > h.opts.CallLimit {
		return fault.Guestf(op, "%d device calls without sleeping", h.calls)
	}
	return nil
}

func (h *Host) setMotors(left, right float32) error {
	if err := h.charge("set_motors_power"); err != nil {
		return err
	}
	for _, p := range []float32{left, right} {
		if math.IsNaN(float64(p)) || math.IsInf(float64(p), 0) {
			return fault.Guestf("set_motors_power", "power must be finite, got %v", p)
		}
	}
	h.power = [2]float32{clamp(left), clamp(right)}
	h.world.SetWheelTorques(h.Torque(h.power[0]), h.Torque(h.power[1]))
	return nil
}

// Torque converts a clamped power to wheel torque through the gearbox.
func (h *Host) Torque(power float32) float64 {
	return float64(power) * h.opts.MaxTorque * h.num / h.den
}

func clamp(p float32) float32 {
	return max(-1, min(1, p))
}

func (h *Host) readSensors() (SensorArray, error) {
	if err := h.charge("read_sensors"); err != nil {
		return nil, err
	}
	trk := h.world.Track()
	pos := h.world.SensorPositions()
	out := make(SensorArray, len(pos))
	for i, p := range pos {
		out[i] = trk.OnLine(mgl64.Vec2{p.X(), p.Y()})
	}
	return out, nil
}

func (h *Host) sleep(micros int64) error {
	if micros < 0 {
		return fault.Guestf("sleep_for", "duration must not be negative, got %d", micros)
	}
	h.calls = 0
	return h.stepper.Sleep(micros)
}
