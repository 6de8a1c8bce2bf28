// Package track models the line a robot follows: an ordered chain of
// segments, each placed relative to the end of the previous one, on a flat
// rectangular ground. Coordinates are metres in the ground plane (XY); a
// heading of zero points along +Y and grows counterclockwise.
package track

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// DefaultLineWidth is the width of a painted line in metres.
const DefaultLineWidth = 0.015

// MarkerLength is the length of the start and end bars laid across the line.
const MarkerLength = 0.1

// ErrUnknownTrack is returned by Builtin for an unregistered name.
var ErrUnknownTrack = errors.New("unknown track")

// Kind identifies a segment type.
type Kind string

const (
	KindStart    Kind = "start"
	KindStraight Kind = "straight"
	KindTurn     Kind = "turn"
	KindEnd      Kind = "end"
)

// Side is the direction of a turn.
type Side string

const (
	SideLeft  Side = "left"
	SideRight Side = "right"
)

// Segment is one piece of the line. Length applies to straights; Radius,
// Angle (degrees) and Side apply to turns.
type Segment struct {
	Kind   Kind    `yaml:"kind" json:"kind"`
	Length float64 `yaml:"length,omitempty" json:"length,omitempty"`
	Radius float64 `yaml:"radius,omitempty" json:"radius,omitempty"`
	Angle  float64 `yaml:"angle,omitempty" json:"angle,omitempty"`
	Side   Side    `yaml:"side,omitempty" json:"side,omitempty"`
}

// Start returns a start marker.
func Start() Segment { return Segment{Kind: KindStart} }

// End returns an end marker.
func End() Segment { return Segment{Kind: KindEnd} }

// Straight returns a straight run of the given length.
func Straight(length float64) Segment { return Segment{Kind: KindStraight, Length: length} }

// Turn returns a circular arc of angle degrees.
func Turn(angle float64, side Side, radius float64) Segment {
	return Segment{Kind: KindTurn, Angle: angle, Side: side, Radius: radius}
}

// Turn90 returns a quarter turn.
func Turn90(side Side, radius float64) Segment { return Turn(90, side, radius) }

// Transform places a frame in the ground plane.
type Transform struct {
	Position mgl64.Vec2
	Heading  float64 // radians
}

// ToWorld maps a point from t's frame to the ground frame.
func (t Transform) ToWorld(local mgl64.Vec2) mgl64.Vec2 {
	return t.Position.Add(mgl64.Rotate2D(t.Heading).Mul2x1(local))
}

// ToLocal maps a ground point into t's frame.
func (t Transform) ToLocal(world mgl64.Vec2) mgl64.Vec2 {
	return mgl64.Rotate2D(-t.Heading).Mul2x1(world.Sub(t.Position))
}

// Then composes a transform expressed in t's frame onto t.
func (t Transform) Then(local Transform) Transform {
	return Transform{Position: t.ToWorld(local.Position), Heading: t.Heading + local.Heading}
}

// Forward is the unit direction of the heading.
func (t Transform) Forward() mgl64.Vec2 {
	return mgl64.Vec2{-math.Sin(t.Heading), math.Cos(t.Heading)}
}

// Track is a validated, placed segment chain. It is read-only once built.
type Track struct {
	Name      string
	Ground    mgl64.Vec2 // width (X) and length (Y) of the ground, centred on the world origin
	Origin    Transform
	LineWidth float64
	Segments  []Segment

	starts []Transform
	end    Transform
}

// New validates segs and places them starting at origin.
func New(name string, ground mgl64.Vec2, origin Transform, lineWidth float64, segs []Segment) (*Track, error) {
	if ground.X() <= 0 || ground.Y() <= 0 || math.IsInf(ground.X(), 0) || math.IsInf(ground.Y(), 0) {
		return nil, fmt.Errorf("track %q: ground size must be positive, got %v", name, ground)
	}
	if lineWidth == 0 {
		lineWidth = DefaultLineWidth
	}
	if lineWidth < 0 || math.IsNaN(lineWidth) {
		return nil, fmt.Errorf("track %q: line width must be positive, got %v", name, lineWidth)
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("track %q: no segments", name)
	}

	t := &Track{
		Name:      name,
		Ground:    ground,
		Origin:    origin,
		LineWidth: lineWidth,
		Segments:  append([]Segment(nil), segs...),
		starts:    make([]Transform, len(segs)),
	}
	cur := origin
	for i, s := range segs {
		if err := s.validate(lineWidth); err != nil {
			return nil, fmt.Errorf("track %q: segment %d: %w", name, i, err)
		}
		t.starts[i] = cur
		cur = cur.Then(s.endLocal())
	}
	t.end = cur
	return t, nil
}

func (s Segment) validate(lineWidth float64) error {
	finite := func(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
	switch s.Kind {
	case KindStart, KindEnd:
		return nil
	case KindStraight:
		if !finite(s.Length) || s.Length <= 0 {
			return fmt.Errorf("straight length must be positive, got %v", s.Length)
		}
	case KindTurn:
		if s.Side != SideLeft && s.Side != SideRight {
			return fmt.Errorf("turn side must be left or right, got %q", s.Side)
		}
		if !finite(s.Radius) || s.Radius < lineWidth/2 {
			return fmt.Errorf("turn radius must be at least half the line width, got %v", s.Radius)
		}
		if !finite(s.Angle) || s.Angle <= 0 || s.Angle > 360 {
			return fmt.Errorf("turn angle must be in (0, 360] degrees, got %v", s.Angle)
		}
	default:
		return fmt.Errorf("unknown segment kind %q", s.Kind)
	}
	return nil
}

// endLocal is where the segment leaves off, in its own start frame.
func (s Segment) endLocal() Transform {
	switch s.Kind {
	case KindStraight:
		return Transform{Position: mgl64.Vec2{0, s.Length}}
	case KindTurn:
		a := mgl64.DegToRad(s.Angle)
		r := s.Radius
		if s.Side == SideLeft {
			return Transform{Position: mgl64.Vec2{-r + r*math.Cos(a), r * math.Sin(a)}, Heading: a}
		}
		return Transform{Position: mgl64.Vec2{r - r*math.Cos(a), r * math.Sin(a)}, Heading: -a}
	default:
		return Transform{}
	}
}

// contains reports whether local, in the segment's start frame, lies on
// the painted line.
func (s Segment) contains(local mgl64.Vec2, halfWidth float64) bool {
	x, y := local.X(), local.Y()
	switch s.Kind {
	case KindStart, KindEnd:
		return math.Abs(x) <= MarkerLength/2 && math.Abs(y) <= halfWidth
	case KindStraight:
		return y >= 0 && y <= s.Length && math.Abs(x) <= halfWidth
	case KindTurn:
		var dx, dy, phi float64
		if s.Side == SideLeft {
			dx, dy = x+s.Radius, y
			phi = math.Atan2(dy, dx)
		} else {
			dx, dy = x-s.Radius, y
			phi = math.Atan2(dy, -dx)
		}
		if math.Abs(math.Hypot(dx, dy)-s.Radius) > halfWidth {
			return false
		}
		if phi < 0 {
			phi += 2 * math.Pi
		}
		return phi <= mgl64.DegToRad(s.Angle)
	}
	return false
}

// OnLine reports whether the ground point p lies on any segment's line.
func (t *Track) OnLine(p mgl64.Vec2) bool {
	hw := t.LineWidth / 2
	for i, s := range t.Segments {
		if s.contains(t.starts[i].ToLocal(p), hw) {
			return true
		}
	}
	return false
}


// EndTransform is where the last segment leaves off.
func (t *Track) EndTransform() Transform { return t.end }

// Length is the centre-line length of the whole chain.
func (t *Track) Length() float64 {
	var total float64
	for _, s := range t.Segments {
		switch s.Kind {
		case KindStraight:
			total += s.Length
		case KindTurn:
			total += s.Radius * mgl64.DegToRad(s.Angle)
		}
	}
	return total
}

// Bounds returns the ground rectangle's min and max corners.
func (t *Track) Bounds() (mgl64.Vec2, mgl64.Vec2) {
	h := t.Ground.Mul(0.5)
	return h.Mul(-1), h
}

// InBounds reports whether p is over the ground.
func (t *Track) InBounds(p mgl64.Vec2) bool {
	lo, hi := t.Bounds()
	return p.X() >= lo.X() && p.X() <= hi.X() && p.Y() >= lo.Y() && p.Y() <= hi.Y()
}
