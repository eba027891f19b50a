package candevice

import (
	"time"

	"github.com/golang/geo/s1"
	"github.com/pkg/errors"
)

// Magnet health reported in the encoder status frame.
const (
	magnetInvalid = iota
	magnetWeak
	magnetGood
)

var (
	canSignalEncoderAngle  = Signal{Scalar: 360.0 / 65536, Start: 0, Length: 16, LittleEndian: true}
	canSignalEncoderMagnet = Signal{Scalar: 1, Start: 16, Length: 8, LittleEndian: true}
)

// EncoderStatusID returns the status frame id of an absolute encoder.
func EncoderStatusID(deviceID uint8) uint32 {
	return encoderStatusBase + uint32(deviceID)
}

// Encoder is an absolute magnetic encoder reporting [0, 360) degrees.
type Encoder struct {
	bus        *Bus
	deviceID   uint8
	staleAfter time.Duration
	now        func() time.Time
}

// NewEncoder returns the encoder with deviceID on bus.
func NewEncoder(bus *Bus, deviceID uint8, staleAfter time.Duration) *Encoder {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Encoder{bus: bus, deviceID: deviceID, staleAfter: staleAfter, now: time.Now}
}

// AbsolutePosition returns the latest angle. Readings taken without a usable
// magnet field are rejected.
func (e *Encoder) AbsolutePosition() (s1.Angle, error) {
	status, err := freshStatus(e.bus, EncoderStatusID(e.deviceID), e.staleAfter, e.now())
	if err != nil {
		return 0, err
	}
	magnet, err := canSignalEncoderMagnet.Extract(status.Data)
	if err != nil {
		return 0, err
	}
	if magnet == magnetInvalid {
		return 0, errors.Errorf("encoder %d reports no magnet", e.deviceID)
	}
	deg, err := canSignalEncoderAngle.Extract(status.Data)
	if err != nil {
		return 0, err
	}
	return s1.Angle(deg) * s1.Degree, nil
}
