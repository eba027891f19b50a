package tipping

// BangBang is an on/off controller: full output below the setpoint, nothing
// at or above it.
type BangBang struct {
	Setpoint float64
}

// Calculate returns 1 when measurement is below the setpoint and 0 otherwise.
func (b BangBang) Calculate(measurement float64) float64 {
	if measurement < b.Setpoint {
		return 1
	}
	return 0
}

// AtSetpoint reports whether measurement has reached the setpoint.
func (b BangBang) AtSetpoint(measurement float64) bool {
	return measurement >= b.Setpoint
}
