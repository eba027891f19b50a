package candevice

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/go-daq/canbus"
	"github.com/pkg/errors"
)

// Frame id bases; the device id is added to each.
const (
	motorCommandBase  uint32 = 0x200
	motorControlBase  uint32 = 0x300
	motorStatusBase   uint32 = 0x400
	encoderStatusBase uint32 = 0x500
)

// DefaultStaleAfter is how old a status frame may be before reads fail.
const DefaultStaleAfter = 100 * time.Millisecond

// Command frame modes, low nibble of byte 0.
const (
	modeDisabled byte = iota
	modeDutyCycle
	modeVelocity
	modePosition
)

const enableBit byte = 0x10

// Control frame opcodes, byte 0.
const (
	opSetSensorPosition byte = iota + 1
	opLimits
	opGains
)

var (
	canSignalSetpoint    = Signal{Scalar: 1.0 / 4096, Start: 8, Length: 32, LittleEndian: true, Signed: true}
	canSignalFeedforward = Signal{Scalar: 1e-4, Start: 40, Length: 16, LittleEndian: true, Signed: true}

	canSignalSupplyLimit  = Signal{Scalar: 1, Start: 8, Length: 8, LittleEndian: true}
	canSignalPeakLimit    = Signal{Scalar: 1, Start: 16, Length: 8, LittleEndian: true}
	canSignalPeakDuration = Signal{Scalar: 1, Start: 24, Length: 16, LittleEndian: true}
	canSignalOpenLoopRamp = Signal{Scalar: 1, Start: 40, Length: 16, LittleEndian: true}
	canSignalNeutralBrake = Signal{Scalar: 1, Start: 56, Length: 8, LittleEndian: true}

	canSignalGainP = Signal{Scalar: 1e-4, Start: 8, Length: 16, LittleEndian: true}
	canSignalGainI = Signal{Scalar: 1e-4, Start: 24, Length: 16, LittleEndian: true}
	canSignalGainD = Signal{Scalar: 1e-4, Start: 40, Length: 16, LittleEndian: true}

	canSignalMotorPosition = Signal{Scalar: 1.0 / 4096, Start: 0, Length: 32, LittleEndian: true, Signed: true}
	canSignalMotorVelocity = Signal{Scalar: 0.0078125, Start: 32, Length: 16, LittleEndian: true, Signed: true}
)

// MotorStatusID returns the status frame id of a motor controller.
func MotorStatusID(deviceID uint8) uint32 {
	return motorStatusBase + uint32(deviceID)
}

// Gains are the controller's closed loop gains.
type Gains struct {
	P, I, D float64
}

// MotorConfig is sent to the controller once by Configure.
type MotorConfig struct {
	DeviceID uint8

	SupplyCurrentLimit float64 // amps
	PeakCurrentLimit   float64 // amps
	PeakDuration       time.Duration
	OpenLoopRamp       time.Duration
	Brake              bool
	Gains              Gains

	StaleAfter time.Duration
}

// Motor is a motor controller on the bus. Setpoints are republished by the
// bus every period; reads come from the cached status frame.
type Motor struct {
	bus *Bus
	cfg MotorConfig
	now func() time.Time

	mu sync.Mutex
	// sensor position set locally and not yet reflected in a status frame.
	seeded   bool
	seed     float64
	seededAt time.Time
}

// NewMotor returns the motor controller with cfg.DeviceID on bus.
func NewMotor(bus *Bus, cfg MotorConfig) *Motor {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	return &Motor{bus: bus, cfg: cfg, now: time.Now}
}

// Configure sends the current limit, ramp, neutral mode and gain frames.
func (m *Motor) Configure(ctx context.Context) error {
	limits := m.controlFrame(opLimits)
	brake := 0.0
	if m.cfg.Brake {
		brake = 1
	}
	for _, field := range []struct {
		sig   Signal
		value float64
	}{
		{canSignalSupplyLimit, m.cfg.SupplyCurrentLimit},
		{canSignalPeakLimit, m.cfg.PeakCurrentLimit},
		{canSignalPeakDuration, float64(m.cfg.PeakDuration.Milliseconds())},
		{canSignalOpenLoopRamp, float64(m.cfg.OpenLoopRamp.Milliseconds())},
		{canSignalNeutralBrake, brake},
	} {
		if err := field.sig.Insert(limits.Data, field.value); err != nil {
			return err
		}
	}

	gains := m.controlFrame(opGains)
	for _, field := range []struct {
		sig   Signal
		value float64
	}{
		{canSignalGainP, m.cfg.Gains.P},
		{canSignalGainI, m.cfg.Gains.I},
		{canSignalGainD, m.cfg.Gains.D},
	} {
		if err := field.sig.Insert(gains.Data, field.value); err != nil {
			return err
		}
	}

	if err := m.bus.SendOnce(ctx, limits); err != nil {
		return errors.Wrapf(err, "configuring motor %d", m.cfg.DeviceID)
	}
	return errors.Wrapf(m.bus.SendOnce(ctx, gains), "configuring motor %d gains", m.cfg.DeviceID)
}

// SetDutyCycle commands an output fraction in [-1, 1].
func (m *Motor) SetDutyCycle(output float64) error {
	return m.command(modeDutyCycle, math.Max(-1, math.Min(1, output)), 0)
}

// SetVelocity commands a rotor velocity with an additional output fraction.
func (m *Motor) SetVelocity(rotationsPerSec, feedforward float64) error {
	return m.command(modeVelocity, rotationsPerSec, feedforward)
}

// SetPosition commands a rotor position.
func (m *Motor) SetPosition(rotations float64) error {
	return m.command(modePosition, rotations, 0)
}

// Disable stops driving the motor.
func (m *Motor) Disable() error {
	frame := m.commandFrame(modeDisabled)
	return m.bus.SetCommand(frame)
}

// SetSensorPosition overwrites the controller's integrated sensor.
func (m *Motor) SetSensorPosition(rotations float64) error {
	frame := m.controlFrame(opSetSensorPosition)
	if err := canSignalSetpoint.Insert(frame.Data, rotations); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*m.bus.period)
	defer cancel()
	if err := m.bus.SendOnce(ctx, frame); err != nil {
		return errors.Wrapf(err, "setting motor %d sensor position", m.cfg.DeviceID)
	}

	m.mu.Lock()
	m.seeded = true
	m.seed = rotations
	m.seededAt = m.now()
	m.mu.Unlock()
	return nil
}

// Position returns the rotor position in rotations.
func (m *Motor) Position() (float64, error) {
	status, err := m.status()
	if err != nil {
		return 0, err
	}
	if seed, ok := m.pendingSeed(status); ok {
		return seed, nil
	}
	return canSignalMotorPosition.Extract(status.Data)
}

// pendingSeed returns the locally set sensor position until a status frame
// newer than it arrives.
func (m *Motor) pendingSeed(status Status) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.seeded {
		return 0, false
	}
	if status.Received.Before(m.seededAt) {
		return m.seed, true
	}
	m.seeded = false
	return 0, false
}

// Velocity returns the rotor velocity in rotations per second.
func (m *Motor) Velocity() (float64, error) {
	status, err := m.status()
	if err != nil {
		return 0, err
	}
	return canSignalMotorVelocity.Extract(status.Data)
}

func (m *Motor) status() (Status, error) {
	return freshStatus(m.bus, MotorStatusID(m.cfg.DeviceID), m.cfg.StaleAfter, m.now())
}

func (m *Motor) command(mode byte, setpoint, feedforward float64) error {
	if math.IsNaN(setpoint) || math.IsInf(setpoint, 0) {
		return errors.Errorf("motor %d: invalid setpoint %v", m.cfg.DeviceID, setpoint)
	}
	frame := m.commandFrame(mode | enableBit)
	if err := canSignalSetpoint.Insert(frame.Data, setpoint); err != nil {
		return err
	}
	if err := canSignalFeedforward.Insert(frame.Data, feedforward); err != nil {
		return err
	}
	return m.bus.SetCommand(frame)
}

func (m *Motor) commandFrame(mode byte) canbus.Frame {
	frame := canbus.Frame{
		ID:   motorCommandBase + uint32(m.cfg.DeviceID),
		Data: make([]byte, 8),
		Kind: canbus.SFF,
	}
	frame.Data[0] = mode
	return frame
}

func (m *Motor) controlFrame(op byte) canbus.Frame {
	frame := canbus.Frame{
		ID:   motorControlBase + uint32(m.cfg.DeviceID),
		Data: make([]byte, 8),
		Kind: canbus.SFF,
	}
	frame.Data[0] = op
	return frame
}

// freshStatus returns the latest status frame for id if it is recent enough.
func freshStatus(bus *Bus, id uint32, staleAfter time.Duration, now time.Time) (Status, error) {
	status, ok := bus.Latest(id)
	if !ok {
		return Status{}, errors.Errorf("no status frame received from 0x%x", id)
	}
	if age := now.Sub(status.Received); age > staleAfter {
		return Status{}, errors.Errorf("status frame from 0x%x is stale (%v old)", id, age)
	}
	return status, nil
}
