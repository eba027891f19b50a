package swervemodule

import (
	"math"

	"github.com/golang/geo/s1"
)

// Motor is a motor controller with an integrated relative sensor. Positions
// are in rotor rotations, velocities in rotor rotations per second, outputs
// and feedforward as a fraction of bus voltage.
type Motor interface {
	SetDutyCycle(output float64) error
	SetVelocity(rotationsPerSec, feedforward float64) error
	SetPosition(rotations float64) error
	SetSensorPosition(rotations float64) error
	Position() (float64, error)
	Velocity() (float64, error)
}

// AbsoluteEncoder reports the module angle independent of power cycles.
type AbsoluteEncoder interface {
	AbsolutePosition() (s1.Angle, error)
}

// Inversions flips the sign convention of a module's devices.
type Inversions struct {
	Drive   bool
	Steer   bool
	Encoder bool
}

type invertedMotor struct {
	Motor
}

func (m invertedMotor) SetDutyCycle(output float64) error {
	return m.Motor.SetDutyCycle(-output)
}

func (m invertedMotor) SetVelocity(rotationsPerSec, feedforward float64) error {
	return m.Motor.SetVelocity(-rotationsPerSec, -feedforward)
}

func (m invertedMotor) SetPosition(rotations float64) error {
	return m.Motor.SetPosition(-rotations)
}

func (m invertedMotor) SetSensorPosition(rotations float64) error {
	return m.Motor.SetSensorPosition(-rotations)
}

func (m invertedMotor) Position() (float64, error) {
	p, err := m.Motor.Position()
	return -p, err
}

func (m invertedMotor) Velocity() (float64, error) {
	v, err := m.Motor.Velocity()
	return -v, err
}

type invertedEncoder struct {
	AbsoluteEncoder
}

// AbsolutePosition mirrors the reading, keeping it in [0, 360).
func (e invertedEncoder) AbsolutePosition() (s1.Angle, error) {
	a, err := e.AbsoluteEncoder.AbsolutePosition()
	if err != nil {
		return a, err
	}
	return s1.Angle(math.Mod(2*math.Pi-a.Radians(), 2*math.Pi)), nil
}

func applyInversions(inv Inversions, drive, steer Motor, encoder AbsoluteEncoder) (Motor, Motor, AbsoluteEncoder) {
	if inv.Drive {
		drive = invertedMotor{drive}
	}
	if inv.Steer {
		steer = invertedMotor{steer}
	}
	if inv.Encoder {
		encoder = invertedEncoder{encoder}
	}
	return drive, steer, encoder
}
