package physics

import (
	"math"
	"time"

	"github.com/jkaninda/linesim/internal/fault"
)

// Combine is a rule for merging the friction coefficients of two surfaces.
type Combine int

// Rules in ascending priority: when two surfaces disagree, the higher one wins.
const (
	CombineAverage Combine = iota
	CombineMin
	CombineMultiply
	CombineMax
)

func (c Combine) String() string {
	switch c {
	case CombineMin:
		return "min"
	case CombineMultiply:
		return "multiply"
	case CombineMax:
		return "max"
	default:
		return "average"
	}
}

// ParseCombine maps a rule name to a Combine. Unknown names yield average.
func ParseCombine(s string) Combine {
	switch s {
	case "min":
		return CombineMin
	case "multiply":
		return CombineMultiply
	case "max":
		return CombineMax
	default:
		return CombineAverage
	}
}

func combine(a float64, ra Combine, b float64, rb Combine) float64 {
	rule := max(ra, rb)
	switch rule {
	case CombineMin:
		return math.Min(a, b)
	case CombineMultiply:
		return a * b
	case CombineMax:
		return math.Max(a, b)
	default:
		return (a + b) / 2
	}
}

// Params are the tunable constants of the world. Zero fields take the
// defaults from DefaultParams.
type Params struct {
	FixedStep  time.Duration `json:"fixed_step" yaml:"fixed_step"`
	Substeps   int           `json:"substeps" yaml:"substeps"`
	Iterations int           `json:"iterations" yaml:"iterations"`
	Gravity    float64       `json:"gravity" yaml:"gravity"` // m/s², applied along -Z

	// MaxTorque is the motor torque at full power before gearing, N·m.
	MaxTorque float64 `json:"max_torque" yaml:"max_torque"`
	// AxleDamping is the viscous friction of a wheel bearing, N·m·s/rad.
	AxleDamping float64 `json:"axle_damping" yaml:"axle_damping"`

	WheelFriction   float64 `json:"wheel_friction" yaml:"wheel_friction"`
	WheelCombine    Combine `json:"wheel_combine" yaml:"wheel_combine"`
	ChassisFriction float64 `json:"chassis_friction" yaml:"chassis_friction"`
	ChassisCombine  Combine `json:"chassis_combine" yaml:"chassis_combine"`
	GroundFriction  float64 `json:"ground_friction" yaml:"ground_friction"`

	ChassisDensity float64 `json:"chassis_density" yaml:"chassis_density"` // kg/m³
	WheelMass      float64 `json:"wheel_mass" yaml:"wheel_mass"`           // kg, wheel and motor

	// SensorBarWidth is the width of the front sensor bar in millimetres.
	SensorBarWidth float64 `json:"sensor_bar_width" yaml:"sensor_bar_width"`

	Baumgarte float64 `json:"baumgarte" yaml:"baumgarte"`
	Slop      float64 `json:"slop" yaml:"slop"` // allowed penetration, m

	// MaxSpeed and MaxAngularSpeed mark the solver as diverged.
	MaxSpeed        float64 `json:"max_speed" yaml:"max_speed"`
	MaxAngularSpeed float64 `json:"max_angular_speed" yaml:"max_angular_speed"`
}

// DefaultParams returns the reference tuning.
func DefaultParams() Params {
	return Params{
		FixedStep:       time.Millisecond,
		Substeps:        4,
		Iterations:      10,
		Gravity:         9.81,
		MaxTorque:       0.1,
		AxleDamping:     1e-4,
		WheelFriction:   0.95,
		WheelCombine:    CombineMax,
		ChassisFriction: 0.1,
		ChassisCombine:  CombineMin,
		GroundFriction:  0.5,
		ChassisDensity:  500,
		WheelMass:       0.03,
		SensorBarWidth:  20,
		Baumgarte:       0.2,
		Slop:            0.0005,
		MaxSpeed:        1e3,
		MaxAngularSpeed: 1e5,
	}
}

// WithDefaults fills zero fields from DefaultParams.
func (p Params) WithDefaults() Params {
	d := DefaultParams()
	if p.FixedStep == 0 {
		p.FixedStep = d.FixedStep
	}
	if p.Substeps == 0 {
		p.Substeps = d.Substeps
	}
	if p.Iterations == 0 {
		p.Iterations = d.Iterations
	}
	if p.Gravity == 0 {
		p.Gravity = d.Gravity
	}
	if p.MaxTorque == 0 {
		p.MaxTorque = d.MaxTorque
	}
	if p.AxleDamping == 0 {
		p.AxleDamping = d.AxleDamping
	}
	if p.WheelFriction == 0 {
		p.WheelFriction, p.WheelCombine = d.WheelFriction, d.WheelCombine
	}
	if p.ChassisFriction == 0 {
		p.ChassisFriction, p.ChassisCombine = d.ChassisFriction, d.ChassisCombine
	}
	if p.GroundFriction == 0 {
		p.GroundFriction = d.GroundFriction
	}
	if p.ChassisDensity == 0 {
		p.ChassisDensity = d.ChassisDensity
	}
	if p.WheelMass == 0 {
		p.WheelMass = d.WheelMass
	}
	if p.SensorBarWidth == 0 {
		p.SensorBarWidth = d.SensorBarWidth
	}
	if p.Baumgarte == 0 {
		p.Baumgarte = d.Baumgarte
	}
	if p.Slop == 0 {
		p.Slop = d.Slop
	}
	if p.MaxSpeed == 0 {
		p.MaxSpeed = d.MaxSpeed
	}
	if p.MaxAngularSpeed == 0 {
		p.MaxAngularSpeed = d.MaxAngularSpeed
	}
	return p
}

// Validate rejects parameters the solver cannot run with.
func (p Params) Validate() error {
	if p.FixedStep <= 0 || p.FixedStep%time.Microsecond != 0 {
		return fault.Geometryf("params", "fixed step must be a positive whole number of microseconds, got %v", p.FixedStep)
	}
	if p.Substeps < 1 || p.Iterations < 1 {
		return fault.Geometryf("params", "substeps and iterations must be at least 1")
	}
	positive := []struct {
		name  string
		value float64
	}{
		{"gravity", p.Gravity},
		{"max_torque", p.MaxTorque},
		{"chassis_density", p.ChassisDensity},
		{"wheel_mass", p.WheelMass},
		{"sensor_bar_width", p.SensorBarWidth},
		{"max_speed", p.MaxSpeed},
		{"max_angular_speed", p.MaxAngularSpeed},
	}
	for _, f := range positive {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) || f.value <= 0 {
			return fault.Geometryf("params", "%s must be positive, got %v", f.name, f.value)
		}
	}
	nonNegative := []struct {
		name  string
		value float64
	}{
		{"axle_damping", p.AxleDamping},
		{"wheel_friction", p.WheelFriction},
		{"chassis_friction", p.ChassisFriction},
		{"ground_friction", p.GroundFriction},
		{"slop", p.Slop},
	}
	for _, f := range nonNegative {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) || f.value < 0 {
			return fault.Geometryf("params", "%s must not be negative, got %v", f.name, f.value)
		}
	}
	if p.Baumgarte <= 0 || p.Baumgarte > 1 {
		return fault.Geometryf("params", "baumgarte must be in (0, 1], got %v", p.Baumgarte)
	}
	return nil
}
