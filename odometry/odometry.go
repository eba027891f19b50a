// Package odometry estimates the field pose from wheel positions and gyro
// heading.
package odometry

import (
	"sync/atomic"

	"github.com/golang/geo/s1"

	"swerve/kinematics"
)

// Estimator integrates module motion into a field pose. Update and
// ResetPosition must be called from one goroutine; Pose may be called from
// any.
type Estimator struct {
	kin *kinematics.Kinematics

	pose atomic.Pointer[Pose]

	// heading offset that maps gyro heading onto the field heading.
	offset          s1.Angle
	previousHeading s1.Angle
	previous        [kinematics.NumModules]kinematics.ModulePosition
}

// New returns an estimator starting at initial with the given gyro heading
// and module positions as the reference snapshot.
func New(kin *kinematics.Kinematics, heading s1.Angle, positions [kinematics.NumModules]kinematics.ModulePosition, initial Pose) *Estimator {
	e := &Estimator{kin: kin}
	e.ResetPosition(heading, positions, initial)
	return e
}

// Update advances the pose using the module distance deltas since the last
// call. The heading change comes from the gyro, not the wheels.
func (e *Estimator) Update(heading s1.Angle, positions [kinematics.NumModules]kinematics.ModulePosition) Pose {
	angle := (heading + e.offset).Normalized()

	twist := e.kin.Inverse(e.previous, positions)
	twist.DTheta = (angle - e.previousHeading).Normalized().Radians()

	next := e.pose.Load().Exp(twist)
	next.Heading = angle

	e.previous = positions
	e.previousHeading = angle
	e.pose.Store(&next)
	return next
}

// ResetPosition overwrites the pose. Later updates are measured from the
// given heading and positions.
func (e *Estimator) ResetPosition(heading s1.Angle, positions [kinematics.NumModules]kinematics.ModulePosition, pose Pose) {
	pose.Heading = pose.Heading.Normalized()
	e.offset = pose.Heading - heading
	e.previousHeading = pose.Heading
	e.previous = positions
	e.pose.Store(&pose)
}

// Pose returns the latest pose.
func (e *Estimator) Pose() Pose {
	return *e.pose.Load()
}
