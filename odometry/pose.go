package odometry

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/golang/geo/s1"
	"go.viam.com/rdk/spatialmath"

	"swerve/kinematics"
)

// Pose is a field-frame position and heading.
type Pose struct {
	Translation r2.Point // meters
	Heading     s1.Angle
}

// Exp applies a robot-frame twist to the pose along a constant-curvature arc.
func (p Pose) Exp(twist kinematics.Twist) Pose {
	theta := twist.DTheta
	sin, cos := math.Sincos(theta)

	var s, c float64
	if math.Abs(theta) < 1e-9 {
		s = 1 - theta*theta/6
		c = theta / 2
	} else {
		s = sin / theta
		c = (1 - cos) / theta
	}
	local := r2.Point{
		X: twist.DX*s - twist.DY*c,
		Y: twist.DX*c + twist.DY*s,
	}
	return Pose{
		Translation: p.Translation.Add(kinematics.Rotate(local, p.Heading)),
		Heading:     (p.Heading + s1.Angle(theta)).Normalized(),
	}
}

// ToSpatialmath converts the pose to a viam pose in millimeters, rotated about z.
func (p Pose) ToSpatialmath() spatialmath.Pose {
	return spatialmath.NewPose(
		r3.Vector{X: p.Translation.X * 1000, Y: p.Translation.Y * 1000},
		&spatialmath.OrientationVectorDegrees{OZ: 1, Theta: p.Heading.Degrees()},
	)
}
