package candevice

import (
	"math"

	"github.com/pkg/errors"
)

const numBitsPerByte = 8

// Signal describes a scaled integer field inside a CAN payload. Start is the
// least significant bit of the field counted from bit 0 of byte 0.
type Signal struct {
	Scalar       float64
	Offset       float64
	Start        uint8
	Length       uint8
	LittleEndian bool
	Signed       bool
}

// byteBitMask returns the mask of the signal bits that fall in byte byteNum.
func byteBitMask(byteNum, sigLsb, sigMsb int) uint8 {
	byteLsb := byteNum * numBitsPerByte
	byteMsb := (byteNum+1)*numBitsPerByte - 1

	maskLsb := 0
	if sigLsb > byteLsb {
		maskLsb = sigLsb - byteLsb
	}
	maskMsb := numBitsPerByte - 1
	if sigMsb < byteMsb {
		maskMsb = sigMsb - byteLsb
	}
	return uint8((math.MaxUint8 << (maskMsb + 1)) ^ (math.MaxUint8 << maskLsb))
}

func (s Signal) bounds(dataLen int) (lsb, msb, first, last int, err error) {
	if s.Length == 0 || s.Length > 64 {
		return 0, 0, 0, 0, errors.Errorf("invalid signal length %d", s.Length)
	}
	lsb = int(s.Start)
	msb = lsb + int(s.Length) - 1
	first, last = lsb/numBitsPerByte, msb/numBitsPerByte
	if last-first >= 8 {
		return 0, 0, 0, 0, errors.Errorf("signal at bit %d spans more than 8 bytes", s.Start)
	}
	if last >= dataLen {
		return 0, 0, 0, 0, errors.Errorf("signal bits %d-%d past end of %d byte payload", lsb, msb, dataLen)
	}
	return lsb, msb, first, last, nil
}

// Extract returns the scaled value of the signal in data.
func (s Signal) Extract(data []byte) (float64, error) {
	lsb, msb, first, last, err := s.bounds(len(data))
	if err != nil {
		return 0, err
	}

	var raw uint64
	for i := first; i <= last; i++ {
		shift := i - first
		if !s.LittleEndian {
			shift = last - i
		}
		raw |= uint64(byteBitMask(i, lsb, msb)&data[i]) << (shift * numBitsPerByte)
	}
	raw >>= lsb - first*numBitsPerByte

	var value float64
	if s.Signed {
		if s.Length < 64 && raw&(1<<(s.Length-1)) != 0 {
			raw |= math.MaxUint64 << s.Length
		}
		value = float64(int64(raw))
	} else {
		value = float64(raw)
	}
	return value*s.Scalar + s.Offset, nil
}

// Insert writes value into the signal's bits of data, saturating at the
// field's range. Only little endian signals can be inserted.
func (s Signal) Insert(data []byte, value float64) error {
	if !s.LittleEndian {
		return errors.New("inserting big endian signals is not supported")
	}
	if s.Scalar == 0 {
		return errors.New("signal scalar must be non-zero")
	}
	lsb, msb, first, last, err := s.bounds(len(data))
	if err != nil {
		return err
	}
	if math.IsNaN(value) {
		return errors.New("cannot encode NaN")
	}

	scaled := math.Round((value - s.Offset) / s.Scalar)
	var raw uint64
	if s.Signed {
		hi := math.Ldexp(1, int(s.Length)-1) - 1
		lo := -hi - 1
		raw = uint64(int64(math.Max(lo, math.Min(hi, scaled))))
	} else {
		hi := math.Ldexp(1, int(s.Length)) - 1
		raw = uint64(math.Max(0, math.Min(hi, scaled)))
	}
	raw <<= lsb - first*numBitsPerByte

	for i := first; i <= last; i++ {
		mask := byteBitMask(i, lsb, msb)
		b := uint8(raw >> ((i - first) * numBitsPerByte))
		data[i] = data[i]&^mask | b&mask
	}
	return nil
}
