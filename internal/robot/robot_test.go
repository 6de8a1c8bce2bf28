package robot

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/jkaninda/linesim/internal/fault"
)

func liner() Configuration {
	return Configuration{
		Name:                "Liner",
		ColorMain:           Color{R: 255},
		ColorSecondary:      Color{G: 255},
		WidthAxle:           200,
		LengthFront:         300,
		LengthBack:          20,
		ClearingBack:        3,
		WheelDiameter:       15,
		GearRatioNum:        1,
		GearRatioDen:        20,
		FrontSensorsSpacing: 4,
		FrontSensorsHeight:  4,
	}
}

func TestNormalize_Valid(t *testing.T) {
	cfg, err := liner().Normalize()
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}
	if cfg != liner() {
		t.Errorf("already-reduced configuration changed: %+v", cfg)
	}
}

func TestNormalize_ReducesGearRatio(t *testing.T) {
	c := liner()
	c.GearRatioNum, c.GearRatioDen = 4, 80
	cfg, err := c.Normalize()
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}
	if cfg.GearRatioNum != 1 || cfg.GearRatioDen != 20 {
		t.Errorf("gear ratio = %d/%d, want 1/20", cfg.GearRatioNum, cfg.GearRatioDen)
	}
	if cfg.GearRatio() != 0.05 {
		t.Errorf("GearRatio() = %v, want 0.05", cfg.GearRatio())
	}
}

func TestNormalize_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Configuration)
		want   string
	}{
		{"empty name", func(c *Configuration) { c.Name = "" }, "name is required"},
		{"long name", func(c *Configuration) { c.Name = strings.Repeat("x", MaxNameBytes+1) }, "exceeds"},
		{"invalid utf8", func(c *Configuration) { c.Name = "\xff" }, "UTF-8"},
		{"zero axle", func(c *Configuration) { c.WidthAxle = 0 }, "width_axle"},
		{"negative front", func(c *Configuration) { c.LengthFront = -1 }, "length_front"},
		{"nan wheel", func(c *Configuration) { c.WheelDiameter = float32(math.NaN()) }, "wheel_diameter"},
		{"inf spacing", func(c *Configuration) { c.FrontSensorsSpacing = float32(math.Inf(1)) }, "front_sensors_spacing"},
		{"huge back", func(c *Configuration) { c.LengthBack = 5000 }, "length_back"},
		{"clearing above radius", func(c *Configuration) { c.ClearingBack = 8 }, "clearing_back"},
		{"sensor above radius", func(c *Configuration) { c.FrontSensorsHeight = 9 }, "front_sensors_height"},
		{"zero gear num", func(c *Configuration) { c.GearRatioNum = 0 }, "gear_ratio_num"},
		{"big gear den", func(c *Configuration) { c.GearRatioDen = 101 }, "gear_ratio_den"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := liner()
			tt.mutate(&c)
			_, err := c.Normalize()
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, fault.ErrConfiguration) {
				t.Errorf("error %v is not a configuration fault", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestSensorCount(t *testing.T) {
	tests := []struct {
		spacing float32
		bar     float64
		want    int
	}{
		{10, 20, 2},
		{4, 20, 5},
		{1, 20, 20},
		{15, 20, 1},
		{30, 20, 1},
		{0.5, 20, MaxSensors},
	}
	for _, tt := range tests {
		c := liner()
		c.FrontSensorsSpacing = tt.spacing
		if got := c.SensorCount(tt.bar); got != tt.want {
			t.Errorf("SensorCount(spacing=%v, bar=%v) = %d, want %d", tt.spacing, tt.bar, got, tt.want)
		}
	}
}

func TestGeometry_Layout(t *testing.T) {
	c := liner()
	c.FrontSensorsSpacing = 10
	g := c.Geometry(20)

	if len(g.Sensors) != 2 {
		t.Fatalf("sensor count = %d, want 2", len(g.Sensors))
	}
	if math.Abs(g.Sensors[0].X()+0.005) > 1e-12 || math.Abs(g.Sensors[1].X()-0.005) > 1e-12 {
		t.Errorf("sensor offsets = %v, %v; want ±5mm", g.Sensors[0].X(), g.Sensors[1].X())
	}
	for _, s := range g.Sensors {
		if math.Abs(s.Y()-0.3) > 1e-9 || math.Abs(s.Z()-0.004) > 1e-9 {
			t.Errorf("sensor mount = %v, want y=0.3 z=0.004", s)
		}
	}
	if g.LeftWheel.X() >= 0 || g.RightWheel.X() <= 0 {
		t.Errorf("left wheel must sit at -X and right at +X: %v %v", g.LeftWheel, g.RightWheel)
	}
	if math.Abs(g.RightWheel.X()-(0.2+0.015)/2) > 1e-9 {
		t.Errorf("right wheel x = %v", g.RightWheel.X())
	}
	if g.WheelRadius != 0.0075 {
		t.Errorf("wheel radius = %v", g.WheelRadius)
	}
	if g.BodyHalfExtents.X() > g.AxleWidth/2 {
		t.Errorf("chassis wider than the axle: %v", g.BodyHalfExtents)
	}
	if bottom := g.BodyCenter.Z() - g.BodyHalfExtents.Z(); bottom <= 0 {
		t.Errorf("chassis bottom below ground: %v", bottom)
	}
}
