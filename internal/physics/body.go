package physics

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// BodyID names one of the robot's rigid bodies.
type BodyID int

const (
	Chassis BodyID = iota
	LeftWheel
	RightWheel
	bodyCount
)

func (b BodyID) String() string {
	switch b {
	case Chassis:
		return "chassis"
	case LeftWheel:
		return "left_wheel"
	case RightWheel:
		return "right_wheel"
	default:
		return "unknown"
	}
}

// Pose is a body's centre of mass and orientation in world coordinates.
type Pose struct {
	Position    mgl64.Vec3
	Orientation mgl64.Quat
}

// Velocity is a body's linear and angular velocity in world coordinates.
type Velocity struct {
	Linear  mgl64.Vec3
	Angular mgl64.Vec3
}

// feature is a contact point fixed to a body: a sphere of radius around
// local, or a point when radius is zero. local is relative to the centre of
// mass in the body frame.
type feature struct {
	local  mgl64.Vec3
	radius float64
}

type body struct {
	pos    mgl64.Vec3
	rot    mgl64.Quat
	vel    mgl64.Vec3
	angVel mgl64.Vec3

	invMass         float64
	invInertiaLocal mgl64.Mat3
	invInertia      mgl64.Mat3 // world frame, refreshed each substep

	friction float64
	combine  Combine
	features []feature
	bound    float64 // radius of a sphere around pos enclosing every feature

	torque mgl64.Vec3
}

func (b *body) refreshInertia() {
	r := b.rot.Mat4().Mat3()
	b.invInertia = r.Mul3(b.invInertiaLocal).Mul3(r.Transpose())
}

// applyImpulse applies p at world offset r from the centre of mass.
func (b *body) applyImpulse(p, r mgl64.Vec3) {
	b.vel = b.vel.Add(p.Mul(b.invMass))
	b.angVel = b.angVel.Add(b.invInertia.Mul3x1(r.Cross(p)))
}

func (b *body) applyAngularImpulse(l mgl64.Vec3) {
	b.angVel = b.angVel.Add(b.invInertia.Mul3x1(l))
}

func (b *body) velocityAt(r mgl64.Vec3) mgl64.Vec3 {
	return b.vel.Add(b.angVel.Cross(r))
}

func (b *body) integrate(h float64) {
	b.pos = b.pos.Add(b.vel.Mul(h))
	spin := mgl64.Quat{V: b.angVel}.Mul(b.rot).Scale(0.5 * h)
	b.rot = b.rot.Add(spin).Normalize()
}

func (b *body) finite() bool {
	vals := []float64{
		b.pos.X(), b.pos.Y(), b.pos.Z(),
		b.vel.X(), b.vel.Y(), b.vel.Z(),
		b.angVel.X(), b.angVel.Y(), b.angVel.Z(),
		b.rot.W, b.rot.V.X(), b.rot.V.Y(), b.rot.V.Z(),
	}
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func skew(v mgl64.Vec3) mgl64.Mat3 {
	return mgl64.Mat3FromCols(
		mgl64.Vec3{0, v.Z(), -v.Y()},
		mgl64.Vec3{-v.Z(), 0, v.X()},
		mgl64.Vec3{v.Y(), -v.X(), 0},
	)
}

// part is a solid piece of a compound body.
type part struct {
	mass    float64
	center  mgl64.Vec3
	inertia mgl64.Mat3 // about center, body axes
}

func boxPart(density float64, center, half mgl64.Vec3) part {
	x, y, z := 2*half.X(), 2*half.Y(), 2*half.Z()
	m := density * x * y * z
	return part{
		mass:   m,
		center: center,
		inertia: mgl64.Diag3(mgl64.Vec3{
			m / 12 * (y*y + z*z),
			m / 12 * (x*x + z*z),
			m / 12 * (x*x + y*y),
		}),
	}
}

// capsulePart approximates a lateral capsule's inertia by its bounding bar.
func capsulePart(density float64, center mgl64.Vec3, halfLength, radius float64) part {
	m := density * (math.Pi*radius*radius*2*halfLength + 4.0/3.0*math.Pi*radius*radius*radius)
	x, d := 2*(halfLength+radius), 2*radius
	return part{
		mass:   m,
		center: center,
		inertia: mgl64.Diag3(mgl64.Vec3{
			m / 12 * (2 * d * d),
			m / 12 * (x*x + d*d),
			m / 12 * (x*x + d*d),
		}),
	}
}

// compound merges parts into a mass, centre of mass and inertia about it.
func compound(parts []part) (float64, mgl64.Vec3, mgl64.Mat3) {
	var m float64
	var com mgl64.Vec3
	for _, p := range parts {
		m += p.mass
		com = com.Add(p.center.Mul(p.mass))
	}
	com = com.Mul(1 / m)

	var inertia mgl64.Mat3
	for _, p := range parts {
		d := p.center.Sub(com)
		shift := mgl64.Ident3().Mul(d.Dot(d)).Sub(d.OuterProd3(d)).Mul(p.mass)
		inertia = inertia.Add(p.inertia).Add(shift)
	}
	return m, com, inertia
}
