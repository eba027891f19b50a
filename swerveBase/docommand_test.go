package main

import (
	"context"
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"swerve/drivetrain"
)

func TestDoCommand(t *testing.T) {
	b, _ := newTestBase(t, testConfig(), true)
	waitCalibrated(t, b)
	ctx := context.Background()

	t.Run("missing command", func(t *testing.T) {
		_, err := b.DoCommand(ctx, map[string]interface{}{"x_m": 1.0})
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "missing 'command' value")
	})

	t.Run("unknown command", func(t *testing.T) {
		_, err := b.DoCommand(ctx, map[string]interface{}{"command": "set_door"})
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "no such command: set_door")
	})

	t.Run("reset and get pose", func(t *testing.T) {
		resp, err := b.DoCommand(ctx, map[string]interface{}{
			"command":     "reset_odometry",
			"x_m":         1.5,
			"y_m":         -2.0,
			"heading_deg": 90.0,
		})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, resp["return"], test.ShouldEqual, "reset_odometry command processed")

		resp, err = b.DoCommand(ctx, map[string]interface{}{"command": "get_pose"})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, resp["x_m"], test.ShouldAlmostEqual, 1.5, 1e-3)
		test.That(t, resp["y_m"], test.ShouldAlmostEqual, -2.0, 1e-3)
		test.That(t, resp["heading_deg"], test.ShouldAlmostEqual, 90.0, 1e-3)
		test.That(t, resp["x_mm"], test.ShouldAlmostEqual, 1500.0, 1)
		test.That(t, resp["theta_deg"], test.ShouldAlmostEqual, 90.0, 1e-3)
	})

	t.Run("auton reset defaults to origin", func(t *testing.T) {
		_, err := b.DoCommand(ctx, map[string]interface{}{"command": "reset_odometry_auton"})
		test.That(t, err, test.ShouldBeNil)
		pose := b.dt.Pose()
		test.That(t, pose.Translation.X, test.ShouldAlmostEqual, 0.0, 1e-3)
		test.That(t, pose.Heading.Degrees(), test.ShouldAlmostEqual, 0.0, 1e-3)
	})

	t.Run("bad argument type", func(t *testing.T) {
		_, err := b.DoCommand(ctx, map[string]interface{}{"command": "reset_odometry", "x_m": "one"})
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "x_m value must be a number")

		_, err = b.DoCommand(ctx, map[string]interface{}{"command": "drive", "open_loop": 1.0})
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "open_loop value must be a boolean")
	})

	t.Run("drive and stop", func(t *testing.T) {
		resp, err := b.DoCommand(ctx, map[string]interface{}{
			"command":           "drive",
			"x_mps":             0.4,
			"omega_rad_per_sec": 0.5,
			"field_relative":    true,
			"open_loop":         true,
		})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, resp["return"], test.ShouldEqual, "drive command processed")

		b.mu.Lock()
		cmd := *b.command
		b.mu.Unlock()
		test.That(t, cmd.Translation, test.ShouldResemble, r2.Point{X: 0.4})
		test.That(t, cmd.Rotation, test.ShouldEqual, 0.5)
		test.That(t, cmd.FieldRelative, test.ShouldBeTrue)
		test.That(t, cmd.OpenLoop, test.ShouldBeTrue)

		_, err = b.DoCommand(ctx, map[string]interface{}{"command": "stop"})
		test.That(t, err, test.ShouldBeNil)
		moving, err := b.IsMoving(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, moving, test.ShouldBeFalse)
	})

	t.Run("drive rejects non-finite values", func(t *testing.T) {
		_, err := b.DoCommand(ctx, map[string]interface{}{"command": "drive", "x_mps": math.Inf(1)})
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "invalid drive command")
	})

	t.Run("zero heading", func(t *testing.T) {
		// the chassis may still be settling from the drive above
		testutils.WaitForAssertion(t, func(tb testing.TB) {
			tb.Helper()
			resp, err := b.DoCommand(ctx, map[string]interface{}{"command": "zero_heading"})
			test.That(tb, err, test.ShouldBeNil)
			test.That(tb, resp["return"], test.ShouldEqual, "zero_heading command processed")
			test.That(tb, b.dt.Yaw().Degrees(), test.ShouldAlmostEqual, 0.0, 1e-6)
		})
	})

	t.Run("reset modules", func(t *testing.T) {
		resp, err := b.DoCommand(ctx, map[string]interface{}{"command": "reset_modules"})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, resp["return"], test.ShouldEqual, "reset_modules command processed")
	})

	t.Run("module states", func(t *testing.T) {
		resp, err := b.DoCommand(ctx, map[string]interface{}{"command": "get_module_states"})
		test.That(t, err, test.ShouldBeNil)
		modules, ok := resp["modules"].([]interface{})
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, modules, test.ShouldHaveLength, 4)
		for id, raw := range modules {
			m, ok := raw.(map[string]interface{})
			test.That(t, ok, test.ShouldBeTrue)
			test.That(t, m["id"], test.ShouldEqual, id)
			test.That(t, m, test.ShouldContainKey, "speed_mps")
			test.That(t, m, test.ShouldContainKey, "angle_deg")
			test.That(t, m, test.ShouldContainKey, "distance_m")
		}
	})

	t.Run("chassis speeds at rest", func(t *testing.T) {
		testutils.WaitForAssertion(t, func(tb testing.TB) {
			tb.Helper()
			resp, err := b.DoCommand(ctx, map[string]interface{}{"command": "get_chassis_speeds"})
			test.That(tb, err, test.ShouldBeNil)
			test.That(tb, resp["x_mps"], test.ShouldAlmostEqual, 0.0, 1e-3)
			test.That(tb, resp["omega_rad_per_sec"], test.ShouldAlmostEqual, 0.0, 1e-3)
		})
	})

	t.Run("tip state", func(t *testing.T) {
		resp, err := b.DoCommand(ctx, map[string]interface{}{"command": "get_tip_state"})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, resp["unstable"], test.ShouldBeFalse)
		test.That(t, resp, test.ShouldContainKey, "forward_output")
		test.That(t, resp, test.ShouldContainKey, "reverse_output")
	})

	t.Run("telemetry", func(t *testing.T) {
		testutils.WaitForAssertion(t, func(tb testing.TB) {
			tb.Helper()
			resp, err := b.DoCommand(ctx, map[string]interface{}{"command": "get_telemetry"})
			test.That(tb, err, test.ShouldBeNil)
			test.That(tb, resp, test.ShouldContainKey, drivetrain.TelemPoseX)
			test.That(tb, resp, test.ShouldContainKey, drivetrain.TelemPitchUnstable)
			test.That(tb, resp, test.ShouldContainKey, drivetrain.ModuleTelemKey(3, "absolute_deg"))
			test.That(tb, resp[telemCANTxErrors], test.ShouldEqual, 0)
			test.That(tb, resp, test.ShouldNotContainKey, telemMQTTDropped)
		})
	})
}
