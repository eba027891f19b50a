package kinematics

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"go.viam.com/test"
)

func TestDesaturate(t *testing.T) {
	t.Run("within bounds is a no-op", func(t *testing.T) {
		states := [NumModules]ModuleState{
			{Speed: 1, Angle: 0.1, ModuleID: 0},
			{Speed: -2, Angle: 0.2, ModuleID: 1},
			{Speed: 0.5, Angle: 0.3, ModuleID: 2},
			{Speed: 0, Angle: 0.4, ModuleID: 3},
		}
		test.That(t, Desaturate(states, 2), test.ShouldResemble, states)
	})

	t.Run("scales uniformly", func(t *testing.T) {
		states := [NumModules]ModuleState{
			{Speed: 4, Angle: 0.1, ModuleID: 0},
			{Speed: -8, Angle: 0.2, ModuleID: 1},
			{Speed: 2, Angle: 0.3, ModuleID: 2},
			{Speed: 1, Angle: 0.4, ModuleID: 3},
		}
		out := Desaturate(states, 4)
		test.That(t, out[0].Speed, test.ShouldAlmostEqual, 2.0)
		test.That(t, out[1].Speed, test.ShouldAlmostEqual, -4.0)
		test.That(t, out[2].Speed, test.ShouldAlmostEqual, 1.0)
		test.That(t, out[3].Speed, test.ShouldAlmostEqual, 0.5)
		// the input array is not modified
		test.That(t, states[1].Speed, test.ShouldEqual, -8.0)
	})

	t.Run("preserves shape for random commands", func(t *testing.T) {
		k, err := New(squareGeometry(0.35)...)
		test.That(t, err, test.ShouldBeNil)

		const maxSpeed = 5.4864
		rng := rand.New(rand.NewSource(3))
		for i := 0; i < 200; i++ {
			speeds := ChassisSpeeds{
				VX:    rng.Float64()*20 - 10,
				VY:    rng.Float64()*20 - 10,
				Omega: rng.Float64()*30 - 15,
			}
			before := k.Forward(speeds, r2.Point{})
			after := Desaturate(before, maxSpeed)

			var fastest float64
			for id := range after {
				fastest = math.Max(fastest, math.Abs(after[id].Speed))
				test.That(t, after[id].Angle, test.ShouldEqual, before[id].Angle)
				for j := range after {
					if before[j].Speed == 0 {
						continue
					}
					test.That(t, after[id].Speed/after[j].Speed, test.ShouldAlmostEqual, before[id].Speed/before[j].Speed, 1e-9)
				}
			}
			test.That(t, fastest, test.ShouldBeLessThanOrEqualTo, maxSpeed+1e-12)
		}
	})

	t.Run("non-positive max stops everything", func(t *testing.T) {
		states := [NumModules]ModuleState{{Speed: 1}, {Speed: -1}, {Speed: 2}, {Speed: 0}}
		for _, s := range Desaturate(states, -1) {
			test.That(t, s.Speed, test.ShouldEqual, 0.0)
		}
	})
	t.Run("overflowed speeds stop every module", func(t *testing.T) {
		k, err := New(squareGeometry(0.35)...)
		test.That(t, err, test.ShouldBeNil)

		states := k.Forward(ChassisSpeeds{VX: 1.7e308, Omega: -1e308}, r2.Point{})
		out := Desaturate(states, 5.4864)
		for id := range out {
			test.That(t, out[id].Speed, test.ShouldEqual, 0.0)
			test.That(t, out[id].Angle, test.ShouldEqual, states[id].Angle)
		}

		nan := [NumModules]ModuleState{{Speed: 1}, {Speed: math.NaN()}, {Speed: 2}, {Speed: 0}}
		for _, s := range Desaturate(nan, 5) {
			test.That(t, s.Speed, test.ShouldEqual, 0.0)
		}
	})
}
