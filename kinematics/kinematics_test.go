package kinematics

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/s1"
	"go.viam.com/test"
)

const tolerance = 1e-9

func squareGeometry(half float64) []ModuleGeometry {
	return []ModuleGeometry{
		{ID: 0, Position: r2.Point{X: half, Y: half}},
		{ID: 1, Position: r2.Point{X: half, Y: -half}},
		{ID: 2, Position: r2.Point{X: -half, Y: half}},
		{ID: 3, Position: r2.Point{X: -half, Y: -half}},
	}
}

func TestNew(t *testing.T) {
	t.Run("wrong module count", func(t *testing.T) {
		_, err := New(squareGeometry(0.35)[:3]...)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "expected 4 modules")
	})

	t.Run("duplicate id", func(t *testing.T) {
		geometry := squareGeometry(0.35)
		geometry[3].ID = 1
		_, err := New(geometry...)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "duplicate module id 1")
	})

	t.Run("id out of range", func(t *testing.T) {
		geometry := squareGeometry(0.35)
		geometry[0].ID = 4
		_, err := New(geometry...)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "out of range")
	})

	t.Run("degenerate layout", func(t *testing.T) {
		_, err := New(squareGeometry(0)...)
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("ids in any order", func(t *testing.T) {
		geometry := squareGeometry(0.35)
		geometry[0], geometry[3] = geometry[3], geometry[0]
		k, err := New(geometry...)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, k.Geometry()[0].Position, test.ShouldResemble, r2.Point{X: 0.35, Y: 0.35})
	})
}

func TestForward(t *testing.T) {
	k, err := New(squareGeometry(0.35)...)
	test.That(t, err, test.ShouldBeNil)

	t.Run("straight ahead", func(t *testing.T) {
		states := k.Forward(ChassisSpeeds{VX: 1}, r2.Point{})
		for id, s := range states {
			test.That(t, s.ModuleID, test.ShouldEqual, id)
			test.That(t, s.Speed, test.ShouldAlmostEqual, 1.0, tolerance)
			test.That(t, s.Angle.Degrees(), test.ShouldAlmostEqual, 0.0, tolerance)
		}
	})

	t.Run("spin in place", func(t *testing.T) {
		omega := math.Pi / 2
		states := k.Forward(ChassisSpeeds{Omega: omega}, r2.Point{})
		for id, s := range states {
			p := k.Geometry()[id].Position
			test.That(t, s.Speed, test.ShouldAlmostEqual, omega*p.Norm(), tolerance)
			test.That(t, s.Speed, test.ShouldAlmostEqual, 0.7775, 1e-3)
			test.That(t, s.Angle.Radians(), test.ShouldAlmostEqual, math.Atan2(p.X, -p.Y), tolerance)
		}
		test.That(t, states[0].Angle.Degrees(), test.ShouldAlmostEqual, 135.0, tolerance)
		test.That(t, states[1].Angle.Degrees(), test.ShouldAlmostEqual, 45.0, tolerance)
		test.That(t, states[2].Angle.Degrees(), test.ShouldAlmostEqual, -135.0, tolerance)
		test.That(t, states[3].Angle.Degrees(), test.ShouldAlmostEqual, -45.0, tolerance)
	})

	t.Run("pure translation points every wheel the same way", func(t *testing.T) {
		rng := rand.New(rand.NewSource(7))
		for i := 0; i < 100; i++ {
			speeds := ChassisSpeeds{VX: rng.Float64()*8 - 4, VY: rng.Float64()*8 - 4}
			states := k.Forward(speeds, r2.Point{})
			for _, s := range states[1:] {
				test.That(t, s.Angle.Radians(), test.ShouldAlmostEqual, states[0].Angle.Radians(), tolerance)
				test.That(t, s.Speed, test.ShouldAlmostEqual, states[0].Speed, tolerance)
			}
		}
	})

	t.Run("zero command", func(t *testing.T) {
		states := k.Forward(ChassisSpeeds{}, r2.Point{})
		for _, s := range states {
			test.That(t, s.Speed, test.ShouldEqual, 0.0)
			test.That(t, s.Angle, test.ShouldEqual, s1.Angle(0))
		}
	})

	t.Run("rotate about a corner module", func(t *testing.T) {
		states := k.Forward(ChassisSpeeds{Omega: 1}, r2.Point{X: 0.35, Y: 0.35})
		test.That(t, states[0].Speed, test.ShouldEqual, 0.0)
		test.That(t, states[3].Speed, test.ShouldAlmostEqual, 0.7*math.Sqrt2, tolerance)
	})
}

func TestInverseRoundTrip(t *testing.T) {
	k, err := New(
		ModuleGeometry{ID: 0, Position: r2.Point{X: 0.3, Y: 0.25}},
		ModuleGeometry{ID: 1, Position: r2.Point{X: 0.3, Y: -0.25}},
		ModuleGeometry{ID: 2, Position: r2.Point{X: -0.3, Y: 0.25}},
		ModuleGeometry{ID: 3, Position: r2.Point{X: -0.3, Y: -0.25}},
	)
	test.That(t, err, test.ShouldBeNil)

	const dt = 0.02
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		speeds := ChassisSpeeds{
			VX:    rng.Float64()*10 - 5,
			VY:    rng.Float64()*10 - 5,
			Omega: rng.Float64()*8 - 4,
		}
		states := k.Forward(speeds, r2.Point{})

		var previous, current [NumModules]ModulePosition
		for id, s := range states {
			previous[id] = ModulePosition{Distance: 10, Angle: s.Angle}
			current[id] = ModulePosition{Distance: 10 + s.Speed*dt, Angle: s.Angle}
		}
		twist := k.Inverse(previous, current)
		test.That(t, twist.DX, test.ShouldAlmostEqual, speeds.VX*dt, 1e-9)
		test.That(t, twist.DY, test.ShouldAlmostEqual, speeds.VY*dt, 1e-9)
		test.That(t, twist.DTheta, test.ShouldAlmostEqual, speeds.Omega*dt, 1e-9)

		recovered := k.ToChassisSpeeds(states)
		test.That(t, recovered.VX, test.ShouldAlmostEqual, speeds.VX, 1e-9)
		test.That(t, recovered.VY, test.ShouldAlmostEqual, speeds.VY, 1e-9)
		test.That(t, recovered.Omega, test.ShouldAlmostEqual, speeds.Omega, 1e-9)
	}
}

func TestInverseNoMotion(t *testing.T) {
	k, err := New(squareGeometry(0.35)...)
	test.That(t, err, test.ShouldBeNil)

	var positions [NumModules]ModulePosition
	for i := range positions {
		positions[i] = ModulePosition{Distance: 1.5, Angle: s1.Angle(i)}
	}
	twist := k.Inverse(positions, positions)
	test.That(t, twist, test.ShouldResemble, Twist{})
}

func TestFromFieldRelative(t *testing.T) {
	// facing +90 deg, a field +x command is a robot -y (right) command
	speeds := FromFieldRelative(ChassisSpeeds{VX: 1, Omega: 0.5}, 90*s1.Degree)
	test.That(t, speeds.VX, test.ShouldAlmostEqual, 0.0, tolerance)
	test.That(t, speeds.VY, test.ShouldAlmostEqual, -1.0, tolerance)
	test.That(t, speeds.Omega, test.ShouldEqual, 0.5)

	same := FromFieldRelative(ChassisSpeeds{VX: 1, VY: 2}, 0)
	test.That(t, same.VX, test.ShouldAlmostEqual, 1.0, tolerance)
	test.That(t, same.VY, test.ShouldAlmostEqual, 2.0, tolerance)
}
