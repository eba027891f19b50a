// Package swervemodule controls a single swerve wheel: one drive motor, one
// steer motor and the absolute encoder used to calibrate the steer motor.
package swervemodule

import (
	"math"

	"github.com/golang/geo/s1"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"

	"swerve/kinematics"
)

const (
	// below this fraction of max speed the steer angle is held.
	jitterFraction = 0.01
	nominalVoltage = 12.0
	// headroom for float error left over from desaturation.
	clampTolerance = 1e-9
)

// ErrImplausibleAngle is returned when the absolute encoder reports an angle
// that cannot be a real module position.
var ErrImplausibleAngle = errors.New("implausible absolute encoder angle")

// Feedforward is the drive motor characterization, in volts.
type Feedforward struct {
	KS float64 // volts to overcome static friction
	KV float64 // volts per m/s
}

// Calculate returns the feedforward voltage for a wheel speed in m/s.
func (ff Feedforward) Calculate(speed float64) float64 {
	if speed == 0 {
		return 0
	}
	return math.Copysign(ff.KS, speed) + ff.KV*speed
}

// Config describes one module.
type Config struct {
	ID          int
	AngleOffset s1.Angle
	Inversions  Inversions

	// Rotor rotations per wheel rotation.
	DriveGearRatio float64
	// Rotor rotations per module rotation. Negative when the steer motor
	// turns the module clockwise.
	SteerGearRatio     float64
	WheelCircumference float64 // meters
	MaxSpeed           float64 // m/s
	Feedforward        Feedforward
}

// Validate checks the module config.
func (cfg Config) Validate() error {
	if cfg.ID < 0 || cfg.ID >= kinematics.NumModules {
		return errors.Errorf("module id %d out of range [0, %d)", cfg.ID, kinematics.NumModules)
	}
	if cfg.DriveGearRatio == 0 || cfg.SteerGearRatio == 0 {
		return errors.Errorf("module %d: gear ratios must be non-zero", cfg.ID)
	}
	if cfg.WheelCircumference <= 0 {
		return errors.Errorf("module %d: wheel circumference must be positive", cfg.ID)
	}
	if cfg.MaxSpeed <= 0 {
		return errors.Errorf("module %d: max speed must be positive", cfg.ID)
	}
	return nil
}

// Module is one swerve wheel. It is not safe for concurrent use.
type Module struct {
	cfg     Config
	drive   Motor
	steer   Motor
	encoder AbsoluteEncoder
	logger  logging.Logger

	// last commanded steer angle, held when the wheel is stopped.
	lastAngle s1.Angle

	// last good sensor values.
	steerRotations float64
	driveRotations float64
	driveVelocity  float64
	absolute       s1.Angle

	faults int
	clamps int
}

// New returns a module over the given devices. The sign inversions in cfg are
// applied to the devices here so nothing else has to know about them.
func New(cfg Config, drive, steer Motor, encoder AbsoluteEncoder, logger logging.Logger) (*Module, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if drive == nil || steer == nil || encoder == nil {
		return nil, errors.Errorf("module %d: drive, steer and encoder are all required", cfg.ID)
	}
	drive, steer, encoder = applyInversions(cfg.Inversions, drive, steer, encoder)
	return &Module{
		cfg:     cfg,
		drive:   drive,
		steer:   steer,
		encoder: encoder,
		logger:  logger,
	}, nil
}

// ID returns the module id, which indexes every per-module array.
func (m *Module) ID() int {
	return m.cfg.ID
}

// Faults returns how many sensor reads or device writes have failed.
func (m *Module) Faults() int {
	return m.faults
}

// Clamps returns how many times a requested speed was above the maximum.
func (m *Module) Clamps() int {
	return m.clamps
}

// SetDesiredState drives the module toward state. If the shortest turn to the
// target is more than 90 degrees the wheel is pointed the other way and driven
// backwards instead. Only failed writes are returned: a stale steer reading
// falls back to the last good value and is counted by Read.
func (m *Module) SetDesiredState(desired kinematics.ModuleState, openLoop bool) error {
	steerRotations, readErr := m.readSteer()
	if readErr != nil {
		m.logger.Debugw("steering from last good position", "error", readErr)
	}
	state := Optimize(desired, rotationsToAngle(steerRotations/m.cfg.SteerGearRatio))
	state.Speed = m.clamp(state.Speed)

	return multierr.Combine(
		m.setSpeed(state.Speed, openLoop),
		m.setAngle(state, steerRotations),
	)
}

// Optimize returns the equivalent of desired that needs at most a 90 degree
// turn from current.
func Optimize(desired kinematics.ModuleState, current s1.Angle) kinematics.ModuleState {
	delta := (desired.Angle - current).Normalized()
	if math.Abs(delta.Radians()) > math.Pi/2 {
		desired.Speed = -desired.Speed
		desired.Angle = (desired.Angle + math.Pi).Normalized()
	}
	return desired
}

func (m *Module) clamp(speed float64) float64 {
	if math.Abs(speed) <= m.cfg.MaxSpeed*(1+clampTolerance) {
		return speed
	}
	m.clamps++
	m.logger.Warnw("clamping module speed", "module", m.cfg.ID, "requested", speed, "max", m.cfg.MaxSpeed)
	return math.Copysign(m.cfg.MaxSpeed, speed)
}

func (m *Module) setSpeed(speed float64, openLoop bool) error {
	var err error
	if openLoop {
		err = m.drive.SetDutyCycle(speed / m.cfg.MaxSpeed)
	} else {
		ff := m.cfg.Feedforward.Calculate(speed) / nominalVoltage
		err = m.drive.SetVelocity(m.metersToRotor(speed), ff)
	}
	if err != nil {
		m.faults++
		return errors.Wrapf(err, "module %d: setting drive", m.cfg.ID)
	}
	return nil
}

func (m *Module) setAngle(state kinematics.ModuleState, steerRotations float64) error {
	angle := state.Angle
	if math.Abs(state.Speed) <= m.cfg.MaxSpeed*jitterFraction {
		angle = m.lastAngle
	}
	m.lastAngle = angle

	target := nearestRotations(angle, steerRotations/m.cfg.SteerGearRatio)
	if err := m.steer.SetPosition(target * m.cfg.SteerGearRatio); err != nil {
		m.faults++
		return errors.Wrapf(err, "module %d: setting steer", m.cfg.ID)
	}
	return nil
}

// Reading is one pass over every sensor of a module.
type Reading struct {
	State    kinematics.ModuleState
	Position kinematics.ModulePosition
	Absolute s1.Angle
}

// Read reads each device once. Failed reads fall back to the last good values
// and count one fault per device.
func (m *Module) Read() (Reading, error) {
	steerRotations, steerErr := m.readSteer()
	if steerErr != nil {
		m.faults++
	}

	var driveErr error
	if rotations, err := m.drive.Position(); err != nil {
		driveErr = err
	} else {
		m.driveRotations = rotations
	}
	if velocity, err := m.drive.Velocity(); err != nil {
		driveErr = multierr.Append(driveErr, err)
	} else {
		m.driveVelocity = velocity
	}
	if driveErr != nil {
		m.faults++
		driveErr = errors.Wrapf(driveErr, "module %d: reading drive", m.cfg.ID)
	}

	absolute, absErr := m.AbsoluteAngle()
	angle := rotationsToAngle(steerRotations / m.cfg.SteerGearRatio)
	return Reading{
		State: kinematics.ModuleState{
			Speed:    m.rotorToMeters(m.driveVelocity),
			Angle:    angle,
			ModuleID: m.cfg.ID,
		},
		Position: kinematics.ModulePosition{
			Distance: m.rotorToMeters(m.driveRotations),
			Angle:    angle,
		},
		Absolute: absolute,
	}, multierr.Combine(steerErr, driveErr, absErr)
}

// State returns the measured wheel speed and angle. On a failed read the last
// good values are used and the error is returned alongside them.
func (m *Module) State() (kinematics.ModuleState, error) {
	steerRotations, steerErr := m.readSteer()
	if steerErr != nil {
		m.faults++
	}
	velocity, err := m.drive.Velocity()
	if err != nil {
		m.faults++
		err = errors.Wrapf(err, "module %d: reading drive velocity", m.cfg.ID)
		velocity = m.driveVelocity
	} else {
		m.driveVelocity = velocity
	}
	return kinematics.ModuleState{
		Speed:    m.rotorToMeters(velocity),
		Angle:    rotationsToAngle(steerRotations / m.cfg.SteerGearRatio),
		ModuleID: m.cfg.ID,
	}, multierr.Append(steerErr, err)
}

// Position returns the wheel distance traveled and the current angle for
// odometry. On a failed read the last good values are used.
func (m *Module) Position() (kinematics.ModulePosition, error) {
	steerRotations, steerErr := m.readSteer()
	if steerErr != nil {
		m.faults++
	}
	rotations, err := m.drive.Position()
	if err != nil {
		m.faults++
		err = errors.Wrapf(err, "module %d: reading drive position", m.cfg.ID)
		rotations = m.driveRotations
	} else {
		m.driveRotations = rotations
	}
	return kinematics.ModulePosition{
		Distance: m.rotorToMeters(rotations),
		Angle:    rotationsToAngle(steerRotations / m.cfg.SteerGearRatio),
	}, multierr.Append(steerErr, err)
}

// AbsoluteAngle returns the raw absolute encoder reading, before the
// calibration offset.
func (m *Module) AbsoluteAngle() (s1.Angle, error) {
	a, err := m.encoder.AbsolutePosition()
	if err != nil {
		m.faults++
		return m.absolute, errors.Wrapf(err, "module %d: reading absolute encoder", m.cfg.ID)
	}
	m.absolute = a
	return a, nil
}

// ResetToAbsolute re-seeds the steer motor's relative sensor from the
// absolute encoder. If the reading fails or is implausible the previous
// reference is kept.
func (m *Module) ResetToAbsolute() error {
	raw, err := m.AbsoluteAngle()
	if err != nil {
		return err
	}
	deg := raw.Degrees()
	if math.IsNaN(deg) || math.IsInf(deg, 0) || math.Abs(deg) >= 360 {
		m.faults++
		m.logger.Warnw("ignoring absolute encoder reading", "module", m.cfg.ID, "degrees", deg)
		return errors.Wrapf(ErrImplausibleAngle, "module %d: %v degrees", m.cfg.ID, deg)
	}

	angle := (raw - m.cfg.AngleOffset).Normalized()
	rotations := angle.Radians() / (2 * math.Pi) * m.cfg.SteerGearRatio
	if err := m.steer.SetSensorPosition(rotations); err != nil {
		m.faults++
		return errors.Wrapf(err, "module %d: seeding steer sensor", m.cfg.ID)
	}
	m.steerRotations = rotations
	m.lastAngle = angle
	m.logger.Debugw("reset module to absolute", "module", m.cfg.ID, "absolute", deg, "angle", angle.Degrees())
	return nil
}

// readSteer returns the steer rotor position, or the last good one. Callers
// count the fault.
func (m *Module) readSteer() (float64, error) {
	rotations, err := m.steer.Position()
	if err != nil || math.IsNaN(rotations) {
		if err == nil {
			err = errors.New("NaN position")
		}
		return m.steerRotations, errors.Wrapf(err, "module %d: reading steer position", m.cfg.ID)
	}
	m.steerRotations = rotations
	return rotations, nil
}

func (m *Module) metersToRotor(meters float64) float64 {
	return meters / m.cfg.WheelCircumference * m.cfg.DriveGearRatio
}

func (m *Module) rotorToMeters(rotations float64) float64 {
	return rotations / m.cfg.DriveGearRatio * m.cfg.WheelCircumference
}

func rotationsToAngle(moduleRotations float64) s1.Angle {
	return s1.Angle(moduleRotations * 2 * math.Pi).Normalized()
}

// nearestRotations returns the module rotation count equivalent to angle that
// is closest to current, so the steer motor never winds the long way round.
func nearestRotations(angle s1.Angle, current float64) float64 {
	target := angle.Radians() / (2 * math.Pi)
	delta := target - current
	delta -= math.Round(delta)
	return current + delta
}
