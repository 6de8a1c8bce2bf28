package physics

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// speculativeMargin keeps contacts alive while a feature hovers just above
// the ground.
const speculativeMargin = 1e-3

var tangents = [2]mgl64.Vec3{axisX, axisY}

// revolute pins a wheel centre to an anchor on the chassis and keeps the
// wheel axis parallel to the chassis X axis.
type revolute struct {
	a, b   *body
	anchor mgl64.Vec3 // wheel centre relative to chassis centre of mass, chassis frame

	r       mgl64.Vec3 // anchor in world orientation, this substep
	invK    mgl64.Mat3
	bias    mgl64.Vec3
	axes    [2]mgl64.Vec3
	angMass [2]float64
	angBias [2]float64

	acc    mgl64.Vec3
	accAng [2]float64
}

func (j *revolute) reset() {
	j.acc = mgl64.Vec3{}
	j.accAng = [2]float64{}
}

// damp applies bearing friction about axis, integrated implicitly.
func (j *revolute) damp(axis mgl64.Vec3, c, h float64) {
	if c == 0 {
		return
	}
	rel := j.b.angVel.Sub(j.a.angVel).Dot(axis)
	k := axis.Dot(j.a.invInertia.Add(j.b.invInertia).Mul3x1(axis))
	l := -rel * c * h / (1 + c*h*k)
	j.b.applyAngularImpulse(axis.Mul(l))
	j.a.applyAngularImpulse(axis.Mul(-l))
}

func (j *revolute) prepare(h, beta float64) {
	a, b := j.a, j.b
	j.r = a.rot.Rotate(j.anchor)

	s := skew(j.r)
	k := mgl64.Ident3().Mul(a.invMass + b.invMass).Sub(s.Mul3(a.invInertia).Mul3(s))
	j.invK = k.Inv()
	j.bias = b.pos.Sub(a.pos.Add(j.r)).Mul(beta / h)

	axisA := a.rot.Rotate(axisX)
	axisB := b.rot.Rotate(axisX)
	misalign := axisA.Cross(axisB)
	j.axes = [2]mgl64.Vec3{a.rot.Rotate(axisY), a.rot.Rotate(axisZ)}
	sum := a.invInertia.Add(b.invInertia)
	for i, u := range j.axes {
		j.angMass[i] = 1 / u.Dot(sum.Mul3x1(u))
		j.angBias[i] = misalign.Dot(u) * beta / h
	}

	b.applyImpulse(j.acc, mgl64.Vec3{})
	a.applyImpulse(j.acc.Mul(-1), j.r)
	for i, u := range j.axes {
		b.applyAngularImpulse(u.Mul(j.accAng[i]))
		a.applyAngularImpulse(u.Mul(-j.accAng[i]))
	}
}

func (j *revolute) solve() {
	a, b := j.a, j.b
	cdot := b.vel.Sub(a.velocityAt(j.r))
	p := j.invK.Mul3x1(cdot.Add(j.bias)).Mul(-1)
	j.acc = j.acc.Add(p)
	b.applyImpulse(p, mgl64.Vec3{})
	a.applyImpulse(p.Mul(-1), j.r)

	for i, u := range j.axes {
		rel := b.angVel.Sub(a.angVel).Dot(u)
		l := -(rel + j.angBias[i]) * j.angMass[i]
		j.accAng[i] += l
		b.applyAngularImpulse(u.Mul(l))
		a.applyAngularImpulse(u.Mul(-l))
	}
}

// contact is a persistent slot for one feature against the ground. The
// ground normal is always +Z and friction acts along world X and Y.
type contact struct {
	body    *body
	feature int
	active  bool

	r           mgl64.Vec3
	normalMass  float64
	tangentMass [2]float64
	target      float64
	mu          float64

	accN float64
	accT [2]float64
}

func (c *contact) reset() {
	c.active = false
	c.accN = 0
	c.accT = [2]float64{}
}

func effectiveMass(b *body, r, n mgl64.Vec3) float64 {
	return 1 / (b.invMass + n.Dot(b.invInertia.Mul3x1(r.Cross(n)).Cross(r)))
}

// overlapsGround is the broad phase: a body's bounding box against the slab.
func (w *World) overlapsGround(b *body) bool {
	lo := b.pos.Sub(mgl64.Vec3{b.bound, b.bound, b.bound})
	hi := b.pos.Add(mgl64.Vec3{b.bound, b.bound, b.bound})
	return lo.X() <= w.groundMax.X() && hi.X() >= w.groundMin.X() &&
		lo.Y() <= w.groundMax.Y() && hi.Y() >= w.groundMin.Y() &&
		lo.Z() <= w.groundMax.Z()+speculativeMargin && hi.Z() >= w.groundMin.Z()
}

func (w *World) overGround(p mgl64.Vec3) bool {
	return p.X() >= w.groundMin.X() && p.X() <= w.groundMax.X() &&
		p.Y() >= w.groundMin.Y() && p.Y() <= w.groundMax.Y() &&
		p.Z() >= w.groundMin.Z()
}

func (w *World) prepareContacts(h float64) {
	p := w.params
	for i := range w.contacts {
		c := &w.contacts[i]
		b := c.body
		if !w.overlapsGround(b) {
			c.reset()
			continue
		}
		f := b.features[c.feature]
		point := b.pos.Add(b.rot.Rotate(f.local)).Sub(axisZ.Mul(f.radius))
		pen := w.groundMax.Z() - point.Z()
		if !w.overGround(point) || pen < -speculativeMargin {
			c.reset()
			continue
		}

		c.r = point.Sub(b.pos)
		c.normalMass = effectiveMass(b, c.r, axisZ)
		for k, t := range tangents {
			c.tangentMass[k] = effectiveMass(b, c.r, t)
		}
		c.mu = combine(b.friction, b.combine, p.GroundFriction, CombineAverage)
		if pen > 0 {
			c.target = p.Baumgarte / h * math.Max(pen-p.Slop, 0)
		} else {
			c.target = pen / h
		}
		if !c.active {
			c.accN, c.accT = 0, [2]float64{}
			c.active = true
		}
		warm := axisZ.Mul(c.accN).Add(tangents[0].Mul(c.accT[0])).Add(tangents[1].Mul(c.accT[1]))
		b.applyImpulse(warm, c.r)
	}
}

func (c *contact) solve() {
	if !c.active {
		return
	}
	b := c.body
	vn := b.velocityAt(c.r).Dot(axisZ)
	acc := math.Max(c.accN+(c.target-vn)*c.normalMass, 0)
	b.applyImpulse(axisZ.Mul(acc-c.accN), c.r)
	c.accN = acc

	limit := c.mu * c.accN
	for k, t := range tangents {
		vt := b.velocityAt(c.r).Dot(t)
		acc := mgl64.Clamp(c.accT[k]-vt*c.tangentMass[k], -limit, limit)
		b.applyImpulse(t.Mul(acc-c.accT[k]), c.r)
		c.accT[k] = acc
	}
}

func (w *World) substep(h float64) {
	p := w.params
	chassis := &w.bodies[Chassis]
	axle := chassis.rot.Rotate(axisX)

	// Motor torque acts on the wheel about the axle; the stator pushes back
	// on the chassis. Forward rolling along +Y spins a wheel about -X.
	chassis.torque = mgl64.Vec3{}
	for i, id := range []BodyID{LeftWheel, RightWheel} {
		t := w.torques[i]
		w.bodies[id].torque = axle.Mul(-t)
		chassis.torque = chassis.torque.Add(axle.Mul(t))
	}

	gravity := mgl64.Vec3{0, 0, -p.Gravity * h}
	for i := range w.bodies {
		b := &w.bodies[i]
		b.refreshInertia()
		b.vel = b.vel.Add(gravity)
		b.applyAngularImpulse(b.torque.Mul(h))
	}
	for i := range w.joints {
		w.joints[i].damp(axle, p.AxleDamping, h)
	}

	for i := range w.joints {
		w.joints[i].prepare(h, p.Baumgarte)
	}
	w.prepareContacts(h)

	for range p.Iterations {
		for i := range w.joints {
			w.joints[i].solve()
		}
		for i := range w.contacts {
			w.contacts[i].solve()
		}
	}

	for i := range w.bodies {
		w.bodies[i].integrate(h)
	}
}
