// Package kinematics converts between chassis velocities and the per-wheel
// states of a four module swerve drive.
package kinematics

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/s1"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// NumModules is the number of swerve modules on the chassis.
const NumModules = 4

// speeds below this are treated as "no direction".
const zeroSpeedEpsilon = 1e-9

// ChassisSpeeds is a robot (or field) frame velocity. VX is forward, VY is
// left, Omega is counter-clockwise in rad/s.
type ChassisSpeeds struct {
	VX    float64
	VY    float64
	Omega float64
}

// ModuleState is a wheel speed in m/s and a steer angle.
type ModuleState struct {
	Speed    float64
	Angle    s1.Angle
	ModuleID int
}

// ModulePosition is the cumulative wheel travel in meters and the current
// steer angle.
type ModulePosition struct {
	Distance float64
	Angle    s1.Angle
}

// ModuleGeometry describes where a module is mounted relative to the robot
// center and the calibration offset of its absolute steer sensor.
type ModuleGeometry struct {
	ID          int
	Position    r2.Point
	SteerOffset s1.Angle
}

// Twist is a chassis displacement expressed in the robot frame.
type Twist struct {
	DX     float64
	DY     float64
	DTheta float64
}

// Kinematics holds the fixed module layout and the least-squares solution
// used to go from module motion back to chassis motion.
type Kinematics struct {
	geometry [NumModules]ModuleGeometry
	// 3x8, (A^T A)^-1 A^T for the 8x3 layout matrix A.
	pseudoInverse *mat.Dense
}

// New validates the module layout and precomputes the inverse transform.
func New(geometry ...ModuleGeometry) (*Kinematics, error) {
	if len(geometry) != NumModules {
		return nil, errors.Errorf("expected %d modules, got %d", NumModules, len(geometry))
	}

	k := &Kinematics{}
	var seen [NumModules]bool
	for _, g := range geometry {
		if g.ID < 0 || g.ID >= NumModules {
			return nil, errors.Errorf("module id %d out of range [0, %d)", g.ID, NumModules)
		}
		if seen[g.ID] {
			return nil, errors.Errorf("duplicate module id %d", g.ID)
		}
		seen[g.ID] = true
		k.geometry[g.ID] = g
	}

	layout := mat.NewDense(2*NumModules, 3, nil)
	for i, g := range k.geometry {
		layout.SetRow(2*i, []float64{1, 0, -g.Position.Y})
		layout.SetRow(2*i+1, []float64{0, 1, g.Position.X})
	}

	var normal, normalInv mat.Dense
	normal.Mul(layout.T(), layout)
	if err := normalInv.Inverse(&normal); err != nil {
		return nil, errors.Wrap(err, "module layout is degenerate")
	}
	k.pseudoInverse = mat.NewDense(3, 2*NumModules, nil)
	k.pseudoInverse.Mul(&normalInv, layout.T())
	return k, nil
}

// Geometry returns the module layout indexed by module id.
func (k *Kinematics) Geometry() [NumModules]ModuleGeometry {
	return k.geometry
}

// Forward computes the state every module needs for the chassis to move at
// speeds while rotating about centerOfRotation (robot frame, meters).
// A module with no velocity gets speed 0 and angle 0; callers are expected
// to keep the wheel where it is in that case.
func (k *Kinematics) Forward(speeds ChassisSpeeds, centerOfRotation r2.Point) [NumModules]ModuleState {
	var states [NumModules]ModuleState
	for id, g := range k.geometry {
		p := g.Position.Sub(centerOfRotation)
		v := r2.Point{
			X: speeds.VX - speeds.Omega*p.Y,
			Y: speeds.VY + speeds.Omega*p.X,
		}
		state := ModuleState{Speed: v.Norm(), ModuleID: id}
		if state.Speed > zeroSpeedEpsilon {
			state.Angle = s1.Angle(math.Atan2(v.Y, v.X))
		} else {
			state.Speed = 0
		}
		states[id] = state
	}
	return states
}

// Inverse estimates the chassis displacement between two module position
// snapshots. Each module's travel is taken along its current angle.
func (k *Kinematics) Inverse(previous, current [NumModules]ModulePosition) Twist {
	var vectors [NumModules]r2.Point
	for i := range current {
		d := current[i].Distance - previous[i].Distance
		vectors[i] = polar(d, current[i].Angle)
	}
	dx, dy, dtheta := k.solve(vectors)
	return Twist{DX: dx, DY: dy, DTheta: dtheta}
}

// ToChassisSpeeds estimates the chassis velocity from measured module states.
func (k *Kinematics) ToChassisSpeeds(states [NumModules]ModuleState) ChassisSpeeds {
	var vectors [NumModules]r2.Point
	for _, s := range states {
		vectors[s.ModuleID] = polar(s.Speed, s.Angle)
	}
	vx, vy, omega := k.solve(vectors)
	return ChassisSpeeds{VX: vx, VY: vy, Omega: omega}
}

func (k *Kinematics) solve(vectors [NumModules]r2.Point) (float64, float64, float64) {
	b := mat.NewVecDense(2*NumModules, nil)
	for i, v := range vectors {
		b.SetVec(2*i, v.X)
		b.SetVec(2*i+1, v.Y)
	}
	var x mat.VecDense
	x.MulVec(k.pseudoInverse, b)
	return x.AtVec(0), x.AtVec(1), x.AtVec(2)
}

// FromFieldRelative rotates a field frame command into the robot frame given
// the robot's current heading.
func FromFieldRelative(speeds ChassisSpeeds, heading s1.Angle) ChassisSpeeds {
	v := Rotate(r2.Point{X: speeds.VX, Y: speeds.VY}, -heading)
	return ChassisSpeeds{VX: v.X, VY: v.Y, Omega: speeds.Omega}
}

// Rotate rotates v counter-clockwise by a.
func Rotate(v r2.Point, a s1.Angle) r2.Point {
	sin, cos := math.Sincos(a.Radians())
	return r2.Point{X: v.X*cos - v.Y*sin, Y: v.X*sin + v.Y*cos}
}

func polar(magnitude float64, a s1.Angle) r2.Point {
	sin, cos := math.Sincos(a.Radians())
	return r2.Point{X: magnitude * cos, Y: magnitude * sin}
}
