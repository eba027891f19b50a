package main

import (
	"context"
	"fmt"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/s1"
	"github.com/pkg/errors"

	"swerve/drivetrain"
	"swerve/odometry"
)

// Readouts added to get_telemetry on top of the drivetrain's own.
const (
	telemCANRxErrors   = "can_rx_errors"
	telemCANTxErrors   = "can_tx_errors"
	telemMQTTDropped   = "mqtt_dropped"
	telemStreamClients = "stream_clients"
)

// DoCommand executes additional commands beyond the Base{} interface: raw
// chassis drive commands, odometry and heading resets, module calibration and
// telemetry readouts.
func (b *swerveBase) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, ok := cmd["command"]
	if !ok {
		return nil, errors.New("missing 'command' value")
	}
	switch name {
	case "drive":
		return b.doDrive(ctx, cmd)

	case "stop":
		if err := b.Stop(ctx, nil); err != nil {
			return nil, err
		}
		return map[string]interface{}{"return": "stop command processed"}, nil

	case "get_pose":
		return poseResponse(b.dt.Pose()), nil

	case "reset_odometry", "reset_odometry_auton":
		pose, err := poseArg(cmd)
		if err != nil {
			return nil, err
		}
		b.mu.Lock()
		b.dt.ResetOdometry(pose)
		b.mu.Unlock()
		return map[string]interface{}{"return": fmt.Sprintf("%s command processed", name)}, nil

	case "zero_heading":
		b.mu.Lock()
		err := b.dt.ZeroHeading(ctx)
		b.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"return": "zero_heading command processed"}, nil

	case "reset_modules":
		b.mu.Lock()
		err := b.dt.ResetModules()
		if err == nil {
			b.calibrated = true
		}
		b.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"return": "reset_modules command processed"}, nil

	case "get_module_states":
		b.mu.Lock()
		states := b.dt.ModuleStates()
		positions := b.dt.ModulePositions()
		b.mu.Unlock()
		modules := make([]interface{}, 0, len(states))
		for id, s := range states {
			modules = append(modules, map[string]interface{}{
				"id":         id,
				"speed_mps":  s.Speed,
				"angle_deg":  s.Angle.Degrees(),
				"distance_m": positions[id].Distance,
			})
		}
		return map[string]interface{}{"modules": modules}, nil

	case "get_chassis_speeds":
		b.mu.Lock()
		speeds := b.dt.ChassisSpeeds()
		b.mu.Unlock()
		return map[string]interface{}{
			"x_mps":             speeds.VX,
			"y_mps":             speeds.VY,
			"omega_rad_per_sec": speeds.Omega,
		}, nil

	case "get_tip_state":
		b.mu.Lock()
		tip := b.dt.TipState()
		b.mu.Unlock()
		return map[string]interface{}{
			"pitch_deg":      tip.Pitch,
			"pitch_rate":     tip.PitchDerivative,
			"unstable":       tip.Unstable,
			"forward_output": tip.Forward,
			"reverse_output": tip.Reverse,
		}, nil

	case "get_telemetry":
		values := b.store.All()
		rxErrors, txErrors := b.bus.Errors()
		values[telemCANRxErrors] = rxErrors
		values[telemCANTxErrors] = txErrors
		if b.sinks.mqtt != nil {
			values[telemMQTTDropped] = b.sinks.mqtt.Dropped()
		}
		if b.sinks.stream != nil {
			values[telemStreamClients] = b.sinks.stream.Clients()
		}
		return values, nil

	default:
		return nil, fmt.Errorf("no such command: %s", name)
	}
}

func (b *swerveBase) doDrive(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	var drive drivetrain.Command
	var err error
	for _, field := range []struct {
		key string
		dst *float64
	}{
		{"x_mps", &drive.Translation.X},
		{"y_mps", &drive.Translation.Y},
		{"omega_rad_per_sec", &drive.Rotation},
		{"center_x_m", &drive.CenterOfRotation.X},
		{"center_y_m", &drive.CenterOfRotation.Y},
	} {
		if *field.dst, err = floatArg(cmd, field.key, 0); err != nil {
			return nil, err
		}
	}
	if drive.FieldRelative, err = boolArg(cmd, "field_relative", *b.cfg.FieldRelative); err != nil {
		return nil, err
	}
	if drive.OpenLoop, err = boolArg(cmd, "open_loop", false); err != nil {
		return nil, err
	}
	if err := drive.Validate(); err != nil {
		return nil, err
	}

	b.opMgr.CancelRunning(ctx)
	b.setCommand(drive)
	return map[string]interface{}{"return": "drive command processed"}, nil
}

func poseArg(cmd map[string]interface{}) (odometry.Pose, error) {
	x, err := floatArg(cmd, "x_m", 0)
	if err != nil {
		return odometry.Pose{}, err
	}
	y, err := floatArg(cmd, "y_m", 0)
	if err != nil {
		return odometry.Pose{}, err
	}
	deg, err := floatArg(cmd, "heading_deg", 0)
	if err != nil {
		return odometry.Pose{}, err
	}
	return odometry.Pose{
		Translation: r2.Point{X: x, Y: y},
		Heading:     (s1.Angle(deg) * s1.Degree).Normalized(),
	}, nil
}

// poseResponse reports the field pose in meters and, for viam frame users, in
// millimeters with an orientation vector theta.
func poseResponse(pose odometry.Pose) map[string]interface{} {
	sp := pose.ToSpatialmath()
	return map[string]interface{}{
		"x_m":         pose.Translation.X,
		"y_m":         pose.Translation.Y,
		"heading_deg": pose.Heading.Degrees(),
		"x_mm":        sp.Point().X,
		"y_mm":        sp.Point().Y,
		"theta_deg":   sp.Orientation().OrientationVectorDegrees().Theta,
	}
}

// floatArg reads an optional number. Numbers arrive as float64 from JSON.
func floatArg(cmd map[string]interface{}, key string, def float64) (float64, error) {
	raw, ok := cmd[key]
	if !ok {
		return def, nil
	}
	v, ok := raw.(float64)
	if !ok {
		return 0, errors.Errorf("%s value must be a number but is type %T", key, raw)
	}
	return v, nil
}

func boolArg(cmd map[string]interface{}, key string, def bool) (bool, error) {
	raw, ok := cmd[key]
	if !ok {
		return def, nil
	}
	v, ok := raw.(bool)
	if !ok {
		return false, errors.Errorf("%s value must be a boolean but is type %T", key, raw)
	}
	return v, nil
}
