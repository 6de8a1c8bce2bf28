package robot

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Fixed chassis proportions in metres. The configuration only chooses the
// wheel base, overhangs and clearances; the chassis plate, bumpers and
// sensor tips are sized from these.
const (
	BodyLengthMin      = 0.04
	BodyLengthShare    = 0.6
	BodyWidthMax       = 0.09
	BodyHeight         = 0.02
	BumperDiameter     = BodyHeight / 2
	BumperWidth        = BodyWidthMax / 2
	SensorTipDiameter  = 0.001
	bodyWidthAxleShare = 0.9
)

// Capsule is a capsule aligned with the robot's lateral (X) axis.
type Capsule struct {
	Center     mgl64.Vec3
	HalfLength float64
	Radius     float64
}

// Geometry is the robot laid out in its own frame, in metres. The origin is
// the axle midpoint on the ground, +Y points forward, +X right, +Z up.
type Geometry struct {
	AxleWidth   float64
	WheelRadius float64

	BodyCenter      mgl64.Vec3
	BodyHalfExtents mgl64.Vec3

	FrontBumper Capsule
	BackBumper  Capsule

	LeftWheel  mgl64.Vec3
	RightWheel mgl64.Vec3

	// Sensors are the line sensor tips ordered left to right.
	Sensors []mgl64.Vec3
}

func mm(v float32) float64 { return float64(v) / 1000 }

// Geometry lays out c. barWidthMM sets how many sensors fit on the front bar.
func (c Configuration) Geometry(barWidthMM float64) Geometry {
	axle := mm(c.WidthAxle)
	front := mm(c.LengthFront)
	back := mm(c.LengthBack)
	clearing := mm(c.ClearingBack)
	wheelD := mm(c.WheelDiameter)
	spacing := mm(c.FrontSensorsSpacing)
	height := mm(c.FrontSensorsHeight)

	bodyLength := BodyLengthMin + BodyLengthShare*(front+back)
	bodyWidth := math.Min(BodyWidthMax, bodyWidthAxleShare*axle)

	g := Geometry{
		AxleWidth:   axle,
		WheelRadius: wheelD / 2,
		BodyCenter: mgl64.Vec3{
			0,
			(front - back) / 2,
			clearing + BodyHeight/2 + BumperDiameter,
		},
		BodyHalfExtents: mgl64.Vec3{bodyWidth / 2, bodyLength / 2, BodyHeight / 2},
		FrontBumper: Capsule{
			Center:     mgl64.Vec3{0, front - (BumperWidth+SensorTipDiameter)/2, BumperDiameter / 2},
			HalfLength: BumperWidth / 2,
			Radius:     BumperDiameter / 2,
		},
		BackBumper: Capsule{
			Center:     mgl64.Vec3{0, -back, BumperDiameter/2 + clearing},
			HalfLength: BumperWidth / 2,
			Radius:     BumperDiameter / 2,
		},
		LeftWheel:  mgl64.Vec3{-(axle + wheelD) / 2, 0, wheelD / 2},
		RightWheel: mgl64.Vec3{(axle + wheelD) / 2, 0, wheelD / 2},
	}

	n := c.SensorCount(barWidthMM)
	g.Sensors = make([]mgl64.Vec3, n)
	for i := range g.Sensors {
		offset := (float64(i) - float64(n-1)/2) * spacing
		g.Sensors[i] = mgl64.Vec3{offset, front, height}
	}
	return g
}
