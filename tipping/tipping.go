// Package tipping watches chassis pitch for signs the robot is about to tip.
package tipping

import (
	"math"
	"time"

	"github.com/pkg/errors"
)

// DefaultSetpoint is the bang-bang pitch threshold in degrees.
const DefaultSetpoint = 10.0

// Config configures a Detector.
type Config struct {
	// Period is the control loop period the derivative is sampled at.
	Period time.Duration
	// Setpoint is the forward bang-bang threshold in degrees. The reverse
	// controller uses its negation.
	Setpoint float64
}

// State is the tip status after one pitch sample.
type State struct {
	Pitch           float64 // degrees
	PitchDerivative float64 // degrees per cycle, previous minus current
	Unstable        bool
	Forward         float64 // forward bang-bang output
	Reverse         float64 // reverse bang-bang output
}

// Detector tracks the pitch rate of change between consecutive cycles. Only
// the previous sample is kept.
type Detector struct {
	threshold float64
	forward   BangBang
	reverse   BangBang

	havePrevious bool
	previous     float64
	state        State
}

// NewDetector returns a detector. A zero setpoint uses DefaultSetpoint.
func NewDetector(cfg Config) (*Detector, error) {
	if cfg.Period <= 0 {
		return nil, errors.New("tip detector period must be positive")
	}
	if cfg.Setpoint == 0 {
		cfg.Setpoint = DefaultSetpoint
	}
	return &Detector{
		threshold: 2 * cfg.Period.Seconds(),
		forward:   BangBang{Setpoint: math.Abs(cfg.Setpoint)},
		reverse:   BangBang{Setpoint: -math.Abs(cfg.Setpoint)},
	}, nil
}

// Update records a pitch sample in degrees. The first sample has no
// derivative and is reported as stable.
func (d *Detector) Update(pitch float64) State {
	var derivative float64
	if d.havePrevious {
		derivative = d.previous - pitch
	}
	d.previous = pitch
	d.havePrevious = true

	d.state = State{
		Pitch:           pitch,
		PitchDerivative: derivative,
		Unstable:        math.Abs(derivative) > d.threshold,
		Forward:         d.forward.Calculate(pitch),
		Reverse:         d.reverse.Calculate(pitch),
	}
	return d.state
}

// PitchDerivative returns the latest derivative.
func (d *Detector) PitchDerivative() float64 {
	return d.state.PitchDerivative
}

// IsUnstable reports whether the pitch is changing faster than the threshold.
func (d *Detector) IsUnstable() bool {
	return d.state.Unstable
}

// State returns the latest state.
func (d *Detector) State() State {
	return d.state
}
