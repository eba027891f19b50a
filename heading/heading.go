// Package heading tracks robot yaw, pitch and roll from a movement sensor.
package heading

import (
	"context"
	"math"
	"sync"

	"github.com/golang/geo/s1"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
)

// Source is the part of a movement sensor the reference reads.
type Source interface {
	Orientation(ctx context.Context, extra map[string]interface{}) (spatialmath.Orientation, error)
}

// YawSetter is implemented by gyros that can zero their own yaw.
type YawSetter interface {
	SetYaw(ctx context.Context, degrees float64) error
}

// Config holds the sign convention of the source.
type Config struct {
	// Invert flips yaw so that counterclockwise is positive.
	Invert bool
}

// Sample is one orientation reading.
type Sample struct {
	Yaw   s1.Angle
	Pitch s1.Angle
	Roll  s1.Angle
}

// Reference is the robot heading relative to a zero point.
type Reference struct {
	source Source
	cfg    Config
	logger logging.Logger

	mu     sync.Mutex
	latest Sample
	zero   s1.Angle
	faults int
}

// New returns a heading reference reading from source.
func New(source Source, cfg Config, logger logging.Logger) (*Reference, error) {
	if source == nil {
		return nil, errors.New("heading source is required")
	}
	return &Reference{source: source, cfg: cfg, logger: logger}, nil
}

// Refresh reads the source once. On failure the last good sample is returned
// with the error.
func (r *Reference) Refresh(ctx context.Context) (Sample, error) {
	o, err := r.source.Orientation(ctx, nil)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.faults++
		return r.latest, errors.Wrap(err, "reading orientation")
	}
	if o == nil {
		r.faults++
		return r.latest, errors.New("movement sensor returned no orientation")
	}
	ea := o.EulerAngles()
	if math.IsNaN(ea.Yaw) || math.IsNaN(ea.Pitch) || math.IsNaN(ea.Roll) {
		r.faults++
		return r.latest, errors.New("movement sensor returned NaN orientation")
	}
	r.latest = Sample{
		Yaw:   s1.Angle(ea.Yaw),
		Pitch: s1.Angle(ea.Pitch),
		Roll:  s1.Angle(ea.Roll),
	}
	return r.latest, nil
}

// Yaw returns the heading relative to the zero point, in (-180, 180] degrees.
func (r *Reference) Yaw() s1.Angle {
	r.mu.Lock()
	defer r.mu.Unlock()
	yaw := (r.latest.Yaw - r.zero).Normalized()
	if r.cfg.Invert {
		yaw = (2*math.Pi - yaw).Normalized()
	}
	return yaw
}

// RawYaw returns the last source yaw before zeroing and inversion.
func (r *Reference) RawYaw() s1.Angle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest.Yaw
}

// Pitch returns the latest pitch.
func (r *Reference) Pitch() s1.Angle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest.Pitch
}

// Roll returns the latest roll.
func (r *Reference) Roll() s1.Angle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest.Roll
}

// Sample returns the latest sample as read from the source.
func (r *Reference) Sample() Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest
}

// Faults returns how many reads have failed.
func (r *Reference) Faults() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.faults
}

// Zero makes the current heading the new zero. Sources that can zero
// themselves are asked to; otherwise the offset is kept here.
func (r *Reference) Zero(ctx context.Context) error {
	if setter, ok := r.source.(YawSetter); ok {
		if err := setter.SetYaw(ctx, 0); err != nil {
			return errors.Wrap(err, "zeroing gyro yaw")
		}
		r.mu.Lock()
		r.latest.Yaw = 0
		r.zero = 0
		r.mu.Unlock()
		r.logger.Info("zeroed gyro yaw")
		return nil
	}
	r.mu.Lock()
	r.zero = r.latest.Yaw
	r.mu.Unlock()
	r.logger.Infow("zeroed heading", "offset_deg", r.zero.Degrees())
	return nil
}
