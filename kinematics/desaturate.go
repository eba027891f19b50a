package kinematics

import "math"

// Desaturate scales every module speed by the same factor so that none exceeds
// maxSpeed. Angles and the ratios between module speeds are unchanged. If a
// speed overflowed to a non-finite value every module is stopped.
func Desaturate(states [NumModules]ModuleState, maxSpeed float64) [NumModules]ModuleState {
	maxSpeed = math.Max(maxSpeed, 0)

	var fastest float64
	for _, s := range states {
		fastest = math.Max(fastest, math.Abs(s.Speed))
	}
	if fastest <= maxSpeed {
		return states
	}
	if math.IsInf(fastest, 0) || math.IsNaN(fastest) {
		for i := range states {
			states[i].Speed = 0
		}
		return states
	}

	scale := maxSpeed / fastest
	for i := range states {
		states[i].Speed *= scale
	}
	return states
}
