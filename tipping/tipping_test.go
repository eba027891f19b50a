package tipping

import (
	"testing"
	"time"

	"go.viam.com/test"
)

func TestDetector(t *testing.T) {
	d, err := NewDetector(Config{Period: 20 * time.Millisecond})
	test.That(t, err, test.ShouldBeNil)

	first := d.Update(0)
	test.That(t, first.PitchDerivative, test.ShouldEqual, 0.0)
	test.That(t, first.Unstable, test.ShouldBeFalse)

	second := d.Update(1)
	test.That(t, second.PitchDerivative, test.ShouldEqual, -1.0)
	test.That(t, second.Unstable, test.ShouldBeTrue)

	third := d.Update(3)
	test.That(t, third.PitchDerivative, test.ShouldEqual, -2.0)
	test.That(t, d.IsUnstable(), test.ShouldBeTrue)
	test.That(t, d.PitchDerivative(), test.ShouldEqual, -2.0)

	steady := d.Update(3.03)
	test.That(t, steady.PitchDerivative, test.ShouldAlmostEqual, -0.03, 1e-9)
	test.That(t, steady.Unstable, test.ShouldBeFalse)
	test.That(t, d.State(), test.ShouldResemble, steady)

	t.Run("threshold is exclusive", func(t *testing.T) {
		d, err := NewDetector(Config{Period: 250 * time.Millisecond})
		test.That(t, err, test.ShouldBeNil)
		d.Update(0)
		test.That(t, d.Update(0.5).Unstable, test.ShouldBeFalse)
		test.That(t, d.Update(1.25).Unstable, test.ShouldBeTrue)
	})

	_, err = NewDetector(Config{})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestBangBangOutputs(t *testing.T) {
	d, err := NewDetector(Config{Period: 20 * time.Millisecond, Setpoint: 10})
	test.That(t, err, test.ShouldBeNil)

	level := d.Update(0)
	test.That(t, level.Forward, test.ShouldEqual, 1.0)
	test.That(t, level.Reverse, test.ShouldEqual, 0.0)

	nose := d.Update(12)
	test.That(t, nose.Forward, test.ShouldEqual, 0.0)
	test.That(t, nose.Reverse, test.ShouldEqual, 0.0)

	tail := d.Update(-12)
	test.That(t, tail.Forward, test.ShouldEqual, 1.0)
	test.That(t, tail.Reverse, test.ShouldEqual, 1.0)

	b := BangBang{Setpoint: 10}
	test.That(t, b.AtSetpoint(10), test.ShouldBeTrue)
	test.That(t, b.AtSetpoint(9.9), test.ShouldBeFalse)
}
