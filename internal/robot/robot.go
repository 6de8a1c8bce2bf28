// Package robot describes the line-follower a guest module asks for: the
// configuration record returned by setup() and the chassis, wheel, bumper
// and sensor placement derived from it.
package robot

import (
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/jkaninda/linesim/internal/fault"
)

const (
	// MaxNameBytes caps the configuration name read from guest memory.
	MaxNameBytes = 64
	// MaxLengthMM bounds every configured length.
	MaxLengthMM = 1000
	// MaxGear bounds the gear ratio numerator and denominator.
	MaxGear = 100
	// MaxSensors is the width of the read_sensors bitmask.
	MaxSensors = 32
)

// Color is an RGB byte triple.
type Color struct {
	R uint8 `json:"r" yaml:"r"`
	G uint8 `json:"g" yaml:"g"`
	B uint8 `json:"b" yaml:"b"`
}

func (c Color) String() string { return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B) }

// Configuration is the robot identity and geometry. Lengths are millimetres.
type Configuration struct {
	Name                string  `json:"name" yaml:"name"`
	ColorMain           Color   `json:"color_main" yaml:"color_main"`
	ColorSecondary      Color   `json:"color_secondary" yaml:"color_secondary"`
	WidthAxle           float32 `json:"width_axle" yaml:"width_axle"`       // Wheel to wheel.
	LengthFront         float32 `json:"length_front" yaml:"length_front"`   // Axle to front.
	LengthBack          float32 `json:"length_back" yaml:"length_back"`     // Axle to back.
	ClearingBack        float32 `json:"clearing_back" yaml:"clearing_back"` // Ground clearance at the back.
	WheelDiameter       float32 `json:"wheel_diameter" yaml:"wheel_diameter"`
	GearRatioNum        uint32  `json:"gear_ratio_num" yaml:"gear_ratio_num"`
	GearRatioDen        uint32  `json:"gear_ratio_den" yaml:"gear_ratio_den"`
	FrontSensorsSpacing float32 `json:"front_sensors_spacing" yaml:"front_sensors_spacing"`
	FrontSensorsHeight  float32 `json:"front_sensors_height" yaml:"front_sensors_height"`
}

// GearRatio returns num/den as a float.
func (c Configuration) GearRatio() float64 {
	return float64(c.GearRatioNum) / float64(c.GearRatioDen)
}

// Normalize validates c and returns it with the gear ratio reduced.
// Any field outside its domain yields a configuration fault.
func (c Configuration) Normalize() (Configuration, error) {
	if err := c.validate(); err != nil {
		return Configuration{}, err
	}
	g := gcd(c.GearRatioNum, c.GearRatioDen)
	c.GearRatioNum /= g
	c.GearRatioDen /= g
	return c, nil
}

func (c Configuration) validate() error {
	if c.Name == "" {
		return fault.Configurationf("validate", "name is required")
	}
	if len(c.Name) > MaxNameBytes {
		return fault.Configurationf("validate", "name exceeds %d bytes", MaxNameBytes)
	}
	if !utf8.ValidString(c.Name) {
		return fault.Configurationf("validate", "name is not valid UTF-8")
	}

	lengths := []struct {
		field string
		value float32
	}{
		{"width_axle", c.WidthAxle},
		{"length_front", c.LengthFront},
		{"length_back", c.LengthBack},
		{"clearing_back", c.ClearingBack},
		{"wheel_diameter", c.WheelDiameter},
		{"front_sensors_spacing", c.FrontSensorsSpacing},
		{"front_sensors_height", c.FrontSensorsHeight},
	}
	for _, l := range lengths {
		v := float64(l.value)
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return fault.Configurationf("validate", "%s must be a positive length, got %v", l.field, l.value)
		}
		if v > MaxLengthMM {
			return fault.Configurationf("validate", "%s must not exceed %d mm, got %v", l.field, MaxLengthMM, l.value)
		}
	}

	radius := c.WheelDiameter / 2
	if c.ClearingBack > radius {
		return fault.Configurationf("validate", "clearing_back %v exceeds wheel radius %v", c.ClearingBack, radius)
	}
	if c.FrontSensorsHeight > radius {
		return fault.Configurationf("validate", "front_sensors_height %v exceeds wheel radius %v", c.FrontSensorsHeight, radius)
	}

	if c.GearRatioNum < 1 || c.GearRatioNum > MaxGear {
		return fault.Configurationf("validate", "gear_ratio_num must be in [1, %d], got %d", MaxGear, c.GearRatioNum)
	}
	if c.GearRatioDen < 1 || c.GearRatioDen > MaxGear {
		return fault.Configurationf("validate", "gear_ratio_den must be in [1, %d], got %d", MaxGear, c.GearRatioDen)
	}
	return nil
}

func gcd(a, b uint32) uint32 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// SensorCount is the number of line sensors a bar of barWidthMM holds at
// the configured spacing, clamped to [1, MaxSensors].
func (c Configuration) SensorCount(barWidthMM float64) int {
	n := int(math.Floor(barWidthMM/float64(c.FrontSensorsSpacing) + 1e-9))
	if n < 1 {
		n = 1
	}
	if n > MaxSensors {
		n = MaxSensors
	}
	return n
}
