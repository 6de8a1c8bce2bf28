package physics

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/jkaninda/linesim/internal/fault"
	"github.com/jkaninda/linesim/internal/robot"
	"github.com/jkaninda/linesim/internal/track"
)

func testConfig() robot.Configuration {
	return robot.Configuration{
		Name:                "Liner",
		ColorMain:           robot.Color{R: 255},
		ColorSecondary:      robot.Color{G: 255},
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

func testWorld(t *testing.T, cfg robot.Configuration) *World {
	t.Helper()
	trk, err := track.Builtin("line")
	if err != nil {
		t.Fatal(err)
	}
	w, err := Build(cfg, trk, Params{})
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	return w
}

func advance(t *testing.T, w *World, steps int) {
	t.Helper()
	for i := 0; i < steps; i++ {
		if err := w.Advance(time.Millisecond); err != nil {
			t.Fatalf("Advance() step %d: %v", i, err)
		}
	}
}

func TestBuild_RejectsDegenerateGeometry(t *testing.T) {
	trk, _ := track.Builtin("line")
	tests := []struct {
		name   string
		mutate func(*robot.Configuration)
	}{
		{"wheel wider than axle", func(c *robot.Configuration) { c.WheelDiameter = 200 }},
		{"zero axle", func(c *robot.Configuration) { c.WidthAxle = 0 }},
		{"sensor bar wider than chassis", func(c *robot.Configuration) {
			c.WidthAxle, c.WheelDiameter, c.FrontSensorsSpacing = 10, 8, 1
		}},
		{"bumpers overlap", func(c *robot.Configuration) { c.LengthFront, c.LengthBack = 1, 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			_, err := Build(cfg, trk, Params{})
			if !errors.Is(err, fault.ErrGeometry) {
				t.Errorf("Build() error = %v, want geometry fault", err)
			}
		})
	}
	if _, err := Build(testConfig(), nil, Params{}); !errors.Is(err, fault.ErrGeometry) {
		t.Errorf("Build(nil track) error = %v", err)
	}
	if _, err := Build(testConfig(), trk, Params{Substeps: -1}); !errors.Is(err, fault.ErrGeometry) {
		t.Errorf("Build(bad params) error = %v", err)
	}
}

func TestBuild_PlacesAtTrackOrigin(t *testing.T) {
	w := testWorld(t, testConfig())
	origin := w.Track().Origin.Position
	got := w.Planar()
	if got.Position.Sub(origin).Len() > 1e-12 || math.Abs(got.Heading) > 1e-12 {
		t.Errorf("Planar() = %+v, want origin %v", got, origin)
	}
	r := w.Geometry().WheelRadius
	for _, id := range []BodyID{LeftWheel, RightWheel} {
		if z := w.Pose(id).Position.Z(); math.Abs(z-r) > 1e-12 {
			t.Errorf("%s z = %v, want %v", id, z, r)
		}
	}
}

func TestAdvance_RestsOnGround(t *testing.T) {
	w := testWorld(t, testConfig())
	start := w.Pose(Chassis).Position
	advance(t, w, 300)

	end := w.Pose(Chassis).Position
	if d := end.Sub(start).Len(); d > 0.002 {
		t.Errorf("idle robot moved %.4f m", d)
	}
	r := w.Geometry().WheelRadius
	for _, id := range []BodyID{LeftWheel, RightWheel} {
		if z := w.Pose(id).Position.Z(); math.Abs(z-r) > 0.001 {
			t.Errorf("%s sank or lifted: z = %v", id, z)
		}
	}
	if w.Steps() != 300 {
		t.Errorf("Steps() = %d", w.Steps())
	}
}

func TestAdvance_DrivesForward(t *testing.T) {
	w := testWorld(t, testConfig())
	start := w.Planar()
	w.SetWheelTorques(0.005, 0.005)
	advance(t, w, 500)

	end := w.Planar()
	forward := end.Position.Sub(start.Position)
	if forward.Y() < 0.03 {
		t.Errorf("robot advanced only %.4f m along +Y", forward.Y())
	}
	if math.Abs(forward.X()) > 0.01 {
		t.Errorf("robot drifted sideways %.4f m", forward.X())
	}
	if math.Abs(end.Heading) > 0.05 {
		t.Errorf("heading drifted to %.4f rad", end.Heading)
	}
	if v := w.Velocity(Chassis).Linear.Y(); v <= 0 {
		t.Errorf("chassis velocity %v, want forward", v)
	}
}

func TestAdvance_TurnsRightWhenLeftWheelLeads(t *testing.T) {
	w := testWorld(t, testConfig())
	w.SetWheelTorques(0.005, -0.005)
	advance(t, w, 500)
	if h := w.Planar().Heading; h > -0.05 {
		t.Errorf("heading = %.4f, want clockwise rotation", h)
	}
}

func TestAdvance_Deterministic(t *testing.T) {
	run := func() [bodyCount]Pose {
		w := testWorld(t, testConfig())
		w.SetWheelTorques(0.004, 0.002)
		advance(t, w, 200)
		w.SetWheelTorques(-0.001, 0.003)
		advance(t, w, 200)
		var out [bodyCount]Pose
		for id := range bodyCount {
			out[id] = w.Pose(id)
		}
		return out
	}
	a, b := run(), run()
	if a != b {
		t.Errorf("identical runs diverged:\n%v\n%v", a, b)
	}
}

func TestAdvance_DetectsDivergence(t *testing.T) {
	w := testWorld(t, testConfig())
	w.SetWheelTorques(math.NaN(), 0)
	err := w.Advance(time.Millisecond)
	if !errors.Is(err, fault.ErrSolverDivergence) {
		t.Fatalf("Advance() error = %v, want solver divergence", err)
	}
	if err := w.Advance(0); !errors.Is(err, fault.ErrSolverDivergence) {
		t.Errorf("Advance(0) error = %v", err)
	}
}

func TestAdvance_FallsOffGround(t *testing.T) {
	w := testWorld(t, testConfig())
	w.Place(track.Transform{Position: mgl64.Vec2{50, 50}})
	advance(t, w, 100)
	if z := w.Pose(Chassis).Position.Z(); z > -0.01 {
		t.Errorf("robot off the ground should fall, z = %v", z)
	}
}

func TestAdvance_FreezesBelowFallDepth(t *testing.T) {
	w := testWorld(t, testConfig())
	w.Place(track.Transform{Position: mgl64.Vec2{50, 50}})
	w.SetWheelTorques(0.005, 0.005)

	// Far longer than a free fall would need to pass MaxSpeed.
	advance(t, w, 150_000)
	if !w.Fallen() {
		t.Fatal("robot should be marked fallen")
	}
	frozen := w.Pose(Chassis)
	if z := frozen.Position.Z(); z > -FallDepth || z < -FallDepth-0.1 {
		t.Errorf("chassis frozen at z = %v, want just below %v", z, -FallDepth)
	}
	if v := w.Velocity(Chassis); v.Linear.Len() != 0 || v.Angular.Len() != 0 {
		t.Errorf("frozen chassis still moving: %+v", v)
	}

	advance(t, w, 10)
	if w.Pose(Chassis) != frozen {
		t.Error("frozen robot moved")
	}
	if w.Steps() != 150_010 {
		t.Errorf("Steps() = %d", w.Steps())
	}

	w.Place(w.Track().Origin)
	if w.Fallen() {
		t.Error("Place should bring the robot back")
	}
}

func TestSensorPositions(t *testing.T) {
	cfg := testConfig()
	cfg.FrontSensorsSpacing = 10
	w := testWorld(t, cfg)

	w.Place(track.Transform{})
	got := w.SensorPositions()
	if len(got) != 2 {
		t.Fatalf("sensor count = %d, want 2", len(got))
	}
	want := []mgl64.Vec3{{-0.005, 0.3, 0.004}, {0.005, 0.3, 0.004}}
	for i := range want {
		if got[i].Sub(want[i]).Len() > 1e-9 {
			t.Errorf("sensor %d at %v, want %v", i, got[i], want[i])
		}
	}

	w.Place(track.Transform{Position: mgl64.Vec2{1, 0}, Heading: math.Pi / 2})
	got = w.SensorPositions()
	if got[0].Sub(mgl64.Vec3{0.7, -0.005, 0.004}).Len() > 1e-9 {
		t.Errorf("rotated left sensor at %v", got[0])
	}
}

func TestWheelTorque(t *testing.T) {
	w := testWorld(t, testConfig())
	w.SetWheelTorques(0.25, -0.5)
	if w.WheelTorque(LeftWheel) != 0.25 || w.WheelTorque(RightWheel) != -0.5 || w.WheelTorque(Chassis) != 0 {
		t.Errorf("held torques = %v %v", w.WheelTorque(LeftWheel), w.WheelTorque(RightWheel))
	}
	w.Place(w.Track().Origin)
	if w.WheelTorque(LeftWheel) != 0 {
		t.Error("Place should clear held torques")
	}
}

func TestCombine(t *testing.T) {
	if got := combine(0.95, CombineMax, 0.5, CombineAverage); got != 0.95 {
		t.Errorf("wheel friction = %v", got)
	}
	if got := combine(0.1, CombineMin, 0.5, CombineAverage); got != 0.1 {
		t.Errorf("chassis friction = %v", got)
	}
	if got := combine(0.4, CombineAverage, 0.6, CombineAverage); math.Abs(got-0.5) > 1e-12 {
		t.Errorf("average = %v", got)
	}
	if ParseCombine("max") != CombineMax || ParseCombine("bogus") != CombineAverage {
		t.Error("ParseCombine mismatch")
	}
}

func TestParams_Validate(t *testing.T) {
	if err := DefaultParams().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	bad := []Params{
		{FixedStep: 1500 * time.Nanosecond},
		{Slop: -1},
		{Baumgarte: 2},
		{MaxTorque: math.Inf(1)},
	}
	for _, p := range bad {
		if err := p.WithDefaults().Validate(); err == nil {
			t.Errorf("Validate(%+v) = nil", p)
		}
	}
}
