// Package physics is a small fixed-step rigid body solver built for one
// differential-drive robot: a chassis carrying bumpers and sensor mounts,
// and two wheels on revolute joints, resting on a static ground slab.
//
// The solver uses sequential impulses with warm starting. Each Advance runs
// a fixed number of substeps and iterations in a fixed order, so identical
// inputs produce identical state.
package physics

import (
	"math"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/jkaninda/linesim/internal/fault"
	"github.com/jkaninda/linesim/internal/robot"
	"github.com/jkaninda/linesim/internal/track"
)

const (
	// GroundThickness is the depth of the ground slab below z = 0.
	GroundThickness = 0.1
	// FallDepth is how far below z = 0 the chassis may drop before the
	// robot is taken out of the world and frozen.
	FallDepth = 1.0
)

var (
	axisX = mgl64.Vec3{1, 0, 0}
	axisY = mgl64.Vec3{0, 1, 0}
	axisZ = mgl64.Vec3{0, 0, 1}
)

// World owns the bodies, joints and static colliders of one run. It is not
// safe for concurrent use.
type World struct {
	params Params
	cfg    robot.Configuration
	geom   robot.Geometry
	trk    *track.Track

	bodies [bodyCount]body
	joints [2]revolute

	contacts []contact
	torques  [2]float64 // commanded torque per wheel, positive drives forward

	// Robot-frame offsets captured at build time.
	comLocal    mgl64.Vec3
	wheelLocal  [2]mgl64.Vec3
	sensorLocal []mgl64.Vec3 // relative to the chassis centre of mass

	groundMin, groundMax mgl64.Vec3

	steps  int64
	fallen bool
}

// Build lays out the robot described by cfg on trk at the track origin.
func Build(cfg robot.Configuration, trk *track.Track, params Params) (*World, error) {
	params = params.WithDefaults()
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if trk == nil {
		return nil, fault.Geometryf("build", "no track")
	}
	if cfg.WidthAxle <= 0 || cfg.WheelDiameter <= 0 || cfg.LengthFront <= 0 || cfg.LengthBack <= 0 {
		return nil, fault.Geometryf("build", "dimensions must be positive")
	}
	if cfg.WheelDiameter >= cfg.WidthAxle {
		return nil, fault.Geometryf("build", "wheel diameter %v mm must be smaller than axle width %v mm",
			cfg.WheelDiameter, cfg.WidthAxle)
	}
	if cfg.GearRatioDen == 0 {
		return nil, fault.Geometryf("build", "gear ratio denominator is zero")
	}

	g := cfg.Geometry(params.SensorBarWidth)
	if n := len(g.Sensors); n > 1 {
		spread := g.Sensors[n-1].X() - g.Sensors[0].X()
		if spread > 2*g.BodyHalfExtents.X() {
			return nil, fault.Geometryf("build", "sensor bar %.1f mm is wider than the chassis %.1f mm",
				spread*1000, 2000*g.BodyHalfExtents.X())
		}
	}
	if g.FrontBumper.Center.Y()-g.FrontBumper.Radius < g.BackBumper.Center.Y() {
		return nil, fault.Geometryf("build", "front and back bumpers overlap")
	}

	w := &World{
		params:    params,
		cfg:       cfg,
		geom:      g,
		trk:       trk,
		groundMin: mgl64.Vec3{-trk.Ground.X() / 2, -trk.Ground.Y() / 2, -GroundThickness},
		groundMax: mgl64.Vec3{trk.Ground.X() / 2, trk.Ground.Y() / 2, 0},
	}
	w.buildChassis()
	w.buildWheels()
	w.buildJoints()
	w.Place(trk.Origin)
	return w, nil
}

func (w *World) buildChassis() {
	g := w.geom
	d := w.params.ChassisDensity
	mass, com, inertia := compound([]part{
		boxPart(d, g.BodyCenter, g.BodyHalfExtents),
		capsulePart(d, g.FrontBumper.Center, g.FrontBumper.HalfLength, g.FrontBumper.Radius),
		capsulePart(d, g.BackBumper.Center, g.BackBumper.HalfLength, g.BackBumper.Radius),
	})
	w.comLocal = com

	c := &w.bodies[Chassis]
	c.invMass = 1 / mass
	c.invInertiaLocal = inertia.Inv()
	c.friction = w.params.ChassisFriction
	c.combine = w.params.ChassisCombine

	he := g.BodyHalfExtents
	bottom := g.BodyCenter.Z() - he.Z()
	for _, sx := range []float64{-1, 1} {
		for _, sy := range []float64{-1, 1} {
			corner := mgl64.Vec3{g.BodyCenter.X() + sx*he.X(), g.BodyCenter.Y() + sy*he.Y(), bottom}
			c.features = append(c.features, feature{local: corner.Sub(com)})
		}
	}
	for _, b := range []robot.Capsule{g.FrontBumper, g.BackBumper} {
		for _, sx := range []float64{-1, 1} {
			end := b.Center.Add(mgl64.Vec3{sx * b.HalfLength, 0, 0})
			c.features = append(c.features, feature{local: end.Sub(com), radius: b.Radius})
		}
	}
	c.bound = boundOf(c.features)

	w.sensorLocal = make([]mgl64.Vec3, len(g.Sensors))
	for i, s := range g.Sensors {
		w.sensorLocal[i] = s.Sub(com)
	}
}

func (w *World) buildWheels() {
	r := w.geom.WheelRadius
	m := w.params.WheelMass
	inv := 1 / (0.4 * m * r * r)
	w.wheelLocal = [2]mgl64.Vec3{w.geom.LeftWheel, w.geom.RightWheel}
	for _, id := range []BodyID{LeftWheel, RightWheel} {
		b := &w.bodies[id]
		b.invMass = 1 / m
		b.invInertiaLocal = mgl64.Diag3(mgl64.Vec3{inv, inv, inv})
		b.friction = w.params.WheelFriction
		b.combine = w.params.WheelCombine
		b.features = []feature{{radius: r}}
		b.bound = r
	}
}

func (w *World) buildJoints() {
	for i, id := range []BodyID{LeftWheel, RightWheel} {
		w.joints[i] = revolute{
			a:      &w.bodies[Chassis],
			b:      &w.bodies[id],
			anchor: w.wheelLocal[i].Sub(w.comLocal),
		}
	}
	for i := range w.bodies {
		b := &w.bodies[i]
		for j := range b.features {
			w.contacts = append(w.contacts, contact{body: b, feature: j})
		}
	}
}

func boundOf(fs []feature) float64 {
	var r float64
	for _, f := range fs {
		r = math.Max(r, f.local.Len()+f.radius)
	}
	return r
}

// Place rigidly moves the robot so that its axle midpoint sits on the
// ground at p, facing p.Heading. Velocities, held torques and solver
// history are cleared.
func (w *World) Place(p track.Transform) {
	origin := mgl64.Vec3{p.Position.X(), p.Position.Y(), 0}
	q := mgl64.QuatRotate(p.Heading, axisZ)

	set := func(id BodyID, local mgl64.Vec3) {
		b := &w.bodies[id]
		b.pos = origin.Add(q.Rotate(local))
		b.rot = q
		b.vel = mgl64.Vec3{}
		b.angVel = mgl64.Vec3{}
		b.torque = mgl64.Vec3{}
		b.refreshInertia()
	}
	set(Chassis, w.comLocal)
	set(LeftWheel, w.wheelLocal[0])
	set(RightWheel, w.wheelLocal[1])
	w.torques = [2]float64{}
	w.fallen = false

	for i := range w.joints {
		w.joints[i].reset()
	}
	for i := range w.contacts {
		w.contacts[i].reset()
	}
}

// SetWheelTorques holds the given torques, N·m, until the next call.
// Positive values drive the robot forward.
func (w *World) SetWheelTorques(left, right float64) {
	w.torques = [2]float64{left, right}
}

// WheelTorque returns the held torque of a wheel.
func (w *World) WheelTorque(id BodyID) float64 {
	switch id {
	case LeftWheel:
		return w.torques[0]
	case RightWheel:
		return w.torques[1]
	}
	return 0
}

// Advance integrates one step of length dt. Once the robot has fallen
// past FallDepth its bodies stay frozen and Advance only counts steps.
func (w *World) Advance(dt time.Duration) error {
	if dt <= 0 {
		return fault.Divergencef("advance", "non-positive step %v", dt)
	}
	w.steps++
	if w.fallen {
		return nil
	}
	h := dt.Seconds() / float64(w.params.Substeps)
	for range w.params.Substeps {
		w.substep(h)
	}
	if err := w.check(); err != nil {
		return err
	}
	if w.bodies[Chassis].pos.Z() < -FallDepth {
		w.freeze()
	}
	return nil
}

// Fallen reports whether the robot dropped off the ground past FallDepth.
func (w *World) Fallen() bool { return w.fallen }

func (w *World) freeze() {
	for i := range w.bodies {
		b := &w.bodies[i]
		b.vel = mgl64.Vec3{}
		b.angVel = mgl64.Vec3{}
		b.torque = mgl64.Vec3{}
	}
	w.torques = [2]float64{}
	w.fallen = true
}

// Steps is the number of completed Advance calls.
func (w *World) Steps() int64 { return w.steps }

func (w *World) check() error {
	for id := range bodyCount {
		b := &w.bodies[id]
		if !b.finite() {
			return fault.Divergencef("advance", "%s state is not finite after step %d", id, w.steps)
		}
		if s := b.vel.Len(); s > w.params.MaxSpeed {
			return fault.Divergencef("advance", "%s speed %.3g m/s exceeds %.3g", id, s, w.params.MaxSpeed)
		}
		if s := b.angVel.Len(); s > w.params.MaxAngularSpeed {
			return fault.Divergencef("advance", "%s spin %.3g rad/s exceeds %.3g", id, s, w.params.MaxAngularSpeed)
		}
	}
	return nil
}

// Pose returns a body's current pose.
func (w *World) Pose(id BodyID) Pose {
	b := &w.bodies[id]
	return Pose{Position: b.pos, Orientation: b.rot}
}

// Velocity returns a body's current velocity.
func (w *World) Velocity(id BodyID) Velocity {
	b := &w.bodies[id]
	return Velocity{Linear: b.vel, Angular: b.angVel}
}

// SensorPositions returns the world position of every sensor tip, left to
// right.
func (w *World) SensorPositions() []mgl64.Vec3 {
	c := &w.bodies[Chassis]
	out := make([]mgl64.Vec3, len(w.sensorLocal))
	for i, s := range w.sensorLocal {
		out[i] = c.pos.Add(c.rot.Rotate(s))
	}
	return out
}

// Planar returns the robot's ground-plane pose: the midpoint between the
// wheel centres and the chassis heading.
func (w *World) Planar() track.Transform {
	mid := w.bodies[LeftWheel].pos.Add(w.bodies[RightWheel].pos).Mul(0.5)
	f := w.bodies[Chassis].rot.Rotate(axisY)
	return track.Transform{
		Position: mgl64.Vec2{mid.X(), mid.Y()},
		Heading:  math.Atan2(-f.X(), f.Y()),
	}
}

// Track returns the track the world was built on.
func (w *World) Track() *track.Track { return w.trk }

// Configuration returns the robot configuration the world was built from.
func (w *World) Configuration() robot.Configuration { return w.cfg }

// Geometry returns the robot layout in its own frame.
func (w *World) Geometry() robot.Geometry { return w.geom }

// Params returns the effective parameters.
func (w *World) Params() Params { return w.params }
