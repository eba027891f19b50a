package drivetrain

import (
	"fmt"

	"swerve/kinematics"
	"swerve/odometry"
	"swerve/swervemodule"
	"swerve/tipping"
)

// Telemetry keys.
const (
	TelemPoseX         = "pose_x_m"
	TelemPoseY         = "pose_y_m"
	TelemPoseHeading   = "pose_heading_deg"
	TelemGyroYaw       = "gyro_yaw_deg"
	TelemPitch         = "pitch_deg"
	TelemPitchRate     = "pitch_rate"
	TelemPitchUnstable = "pitch_unstable"
	TelemTipForward    = "tip_forward_output"
	TelemTipReverse    = "tip_reverse_output"
	TelemHeadingFaults = "heading_faults"
)

// ModuleTelemKey returns the telemetry key of a per-module readout, e.g.
// mod0_absolute_deg.
func ModuleTelemKey(id int, name string) string {
	return fmt.Sprintf("mod%d_%s", id, name)
}

func (d *Drivetrain) readouts(
	readings [kinematics.NumModules]swervemodule.Reading,
	pose odometry.Pose,
	tip tipping.State,
) map[string]interface{} {
	values := map[string]interface{}{
		TelemPoseX:         pose.Translation.X,
		TelemPoseY:         pose.Translation.Y,
		TelemPoseHeading:   pose.Heading.Degrees(),
		TelemGyroYaw:       d.heading.RawYaw().Degrees(),
		TelemPitch:         tip.Pitch,
		TelemPitchRate:     tip.PitchDerivative,
		TelemPitchUnstable: tip.Unstable,
		TelemTipForward:    tip.Forward,
		TelemTipReverse:    tip.Reverse,
		TelemHeadingFaults: d.heading.Faults(),
	}
	for id, m := range d.modules {
		r := readings[id]
		values[ModuleTelemKey(id, "absolute_deg")] = r.Absolute.Degrees()
		values[ModuleTelemKey(id, "integrated_deg")] = r.Position.Angle.Degrees()
		values[ModuleTelemKey(id, "velocity_mps")] = r.State.Speed
		values[ModuleTelemKey(id, "faults")] = m.Faults()
		values[ModuleTelemKey(id, "clamps")] = m.Clamps()
	}
	return values
}
