// Package drivetrain runs the four swerve modules as one chassis: it turns
// chassis commands into module setpoints and keeps the field pose up to date.
package drivetrain

import (
	"context"
	"math"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/s1"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"

	"swerve/heading"
	"swerve/kinematics"
	"swerve/odometry"
	"swerve/swervemodule"
	"swerve/telemetry"
	"swerve/tipping"
)

// DefaultPeriod is the control loop period.
const DefaultPeriod = 20 * time.Millisecond

// Limits are the chassis physical limits.
type Limits struct {
	MaxSpeed        float64 // m/s, per module
	MaxAngularSpeed float64 // rad/s
}

// Config configures a Drivetrain.
type Config struct {
	Limits      Limits
	Geometry    [kinematics.NumModules]kinematics.ModuleGeometry
	Period      time.Duration
	TipSetpoint float64 // degrees
	InitialPose odometry.Pose
}

// Command is one chassis motion request. Translation is in m/s, Rotation in
// rad/s counterclockwise.
type Command struct {
	Translation      r2.Point
	Rotation         float64
	FieldRelative    bool
	OpenLoop         bool
	CenterOfRotation r2.Point
}

// Drivetrain owns the modules, heading, odometry and tip detector. It is not
// safe for concurrent use except for Pose.
type Drivetrain struct {
	limits    Limits
	kin       *kinematics.Kinematics
	modules   [kinematics.NumModules]*swervemodule.Module
	heading   *heading.Reference
	odometry  *odometry.Estimator
	tip       *tipping.Detector
	publisher telemetry.Publisher
	logger    logging.Logger
}

type noopPublisher struct{}

func (noopPublisher) Publish(map[string]interface{}) {}

// New builds a drivetrain. modules must be indexed by module id.
func New(
	ctx context.Context,
	cfg Config,
	modules [kinematics.NumModules]*swervemodule.Module,
	head *heading.Reference,
	publisher telemetry.Publisher,
	logger logging.Logger,
) (*Drivetrain, error) {
	if cfg.Limits.MaxSpeed <= 0 || cfg.Limits.MaxAngularSpeed <= 0 {
		return nil, errors.New("max speed and max angular speed must be positive")
	}
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	for slot, m := range modules {
		if m == nil {
			return nil, errors.Errorf("module %d is missing", slot)
		}
		if m.ID() != slot {
			return nil, errors.Errorf("module with id %d is in slot %d", m.ID(), slot)
		}
	}
	if head == nil {
		return nil, errors.New("heading reference is required")
	}
	kin, err := kinematics.New(cfg.Geometry[:]...)
	if err != nil {
		return nil, err
	}
	tip, err := tipping.NewDetector(tipping.Config{Period: cfg.Period, Setpoint: cfg.TipSetpoint})
	if err != nil {
		return nil, err
	}
	if publisher == nil {
		publisher = noopPublisher{}
	}

	d := &Drivetrain{
		limits:    cfg.Limits,
		kin:       kin,
		modules:   modules,
		heading:   head,
		tip:       tip,
		publisher: publisher,
		logger:    logger,
	}

	if _, err := head.Refresh(ctx); err != nil {
		logger.Warnw("no initial heading, starting from zero", "error", err)
	}
	positions, err := d.readPositions()
	if err != nil {
		logger.Warnw("no initial module positions", "error", err)
	}
	d.odometry = odometry.New(kin, head.Yaw(), positions, cfg.InitialPose)
	return d, nil
}

// Kinematics returns the chassis kinematics.
func (d *Drivetrain) Kinematics() *kinematics.Kinematics {
	return d.kin
}

// Limits returns the chassis limits.
func (d *Drivetrain) Limits() Limits {
	return d.limits
}

// Periodic reads every sensor, advances odometry and the tip detector and
// publishes telemetry. A failed read is reported but never stops the cycle.
func (d *Drivetrain) Periodic(ctx context.Context) error {
	var readings [kinematics.NumModules]swervemodule.Reading
	var positions [kinematics.NumModules]kinematics.ModulePosition
	var err error
	for id, m := range d.modules {
		var readErr error
		readings[id], readErr = m.Read()
		positions[id] = readings[id].Position
		err = multierr.Append(err, readErr)
	}
	if _, headErr := d.heading.Refresh(ctx); headErr != nil {
		err = multierr.Append(err, headErr)
	}

	pose := d.odometry.Update(d.heading.Yaw(), positions)
	tip := d.tip.Update(d.heading.Pitch().Degrees())

	d.publisher.Publish(d.readouts(readings, pose, tip))
	return err
}

// Cycle runs Periodic and then applies cmd. A nil cmd leaves the modules on
// their previous setpoints.
func (d *Drivetrain) Cycle(ctx context.Context, cmd *Command) error {
	err := d.Periodic(ctx)
	if cmd != nil {
		err = multierr.Append(err, d.Drive(*cmd))
	}
	return err
}

// Drive converts cmd to module states and dispatches them.
func (d *Drivetrain) Drive(cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	speeds := kinematics.ChassisSpeeds{
		VX:    cmd.Translation.X,
		VY:    cmd.Translation.Y,
		Omega: cmd.Rotation,
	}
	if math.Abs(speeds.Omega) > d.limits.MaxAngularSpeed {
		d.logger.Debugw("rotation above max angular speed", "requested", speeds.Omega, "max", d.limits.MaxAngularSpeed)
	}
	if cmd.FieldRelative {
		speeds = kinematics.FromFieldRelative(speeds, d.heading.Yaw())
	}
	return d.SetModuleStates(d.kin.Forward(speeds, cmd.CenterOfRotation), cmd.OpenLoop)
}

// SetChassisSpeeds drives robot-relative speeds about the chassis center.
func (d *Drivetrain) SetChassisSpeeds(speeds kinematics.ChassisSpeeds, openLoop bool) error {
	return d.SetModuleStates(d.kin.Forward(speeds, r2.Point{}), openLoop)
}

// SetModuleStates desaturates states and sends each to its module. Every
// module is commanded even if an earlier one fails.
func (d *Drivetrain) SetModuleStates(states [kinematics.NumModules]kinematics.ModuleState, openLoop bool) error {
	states = kinematics.Desaturate(states, d.limits.MaxSpeed)
	var err error
	for id, m := range d.modules {
		err = multierr.Append(err, m.SetDesiredState(states[id], openLoop))
	}
	return err
}

// Stop zeroes every drive output and holds the wheel angles.
func (d *Drivetrain) Stop() error {
	var states [kinematics.NumModules]kinematics.ModuleState
	for id := range states {
		states[id].ModuleID = id
	}
	return d.SetModuleStates(states, true)
}

// Pose returns the latest field pose. It is safe to call from any goroutine.
func (d *Drivetrain) Pose() odometry.Pose {
	return d.odometry.Pose()
}

// ResetOdometry sets the field pose. Module positions that cannot be read
// fall back to their last good values, so the reset always succeeds.
func (d *Drivetrain) ResetOdometry(pose odometry.Pose) {
	positions, err := d.readPositions()
	if err != nil {
		d.logger.Warnw("resetting odometry with last good module positions", "error", err)
	}
	d.odometry.ResetPosition(d.heading.Yaw(), positions, pose)
	d.logger.Infow("reset odometry", "x", pose.Translation.X, "y", pose.Translation.Y, "heading_deg", pose.Heading.Degrees())
}

// ZeroHeading makes the current direction the field-relative forward. The
// odometry pose is carried across the zero unchanged.
func (d *Drivetrain) ZeroHeading(ctx context.Context) error {
	pose := d.odometry.Pose()
	if err := d.heading.Zero(ctx); err != nil {
		return err
	}
	positions, err := d.readPositions()
	if err != nil {
		d.logger.Warnw("re-anchoring odometry with last good module positions", "error", err)
	}
	d.odometry.ResetPosition(d.heading.Yaw(), positions, pose)
	return nil
}

// ResetModules re-seeds every steer motor from its absolute encoder. A module
// that fails keeps its previous reference.
func (d *Drivetrain) ResetModules() error {
	var err error
	for _, m := range d.modules {
		err = multierr.Append(err, m.ResetToAbsolute())
	}
	return err
}

// ModuleStates returns the measured state of each module.
func (d *Drivetrain) ModuleStates() [kinematics.NumModules]kinematics.ModuleState {
	var states [kinematics.NumModules]kinematics.ModuleState
	for id, m := range d.modules {
		states[id], _ = m.State()
	}
	return states
}

// ModulePositions returns each module's distance and angle.
func (d *Drivetrain) ModulePositions() [kinematics.NumModules]kinematics.ModulePosition {
	positions, _ := d.readPositions()
	return positions
}

// ChassisSpeeds returns the measured robot-relative chassis velocity.
func (d *Drivetrain) ChassisSpeeds() kinematics.ChassisSpeeds {
	return d.kin.ToChassisSpeeds(d.ModuleStates())
}

// TipState returns the latest tip detector state.
func (d *Drivetrain) TipState() tipping.State {
	return d.tip.State()
}

// Yaw returns the zeroed gyro heading.
func (d *Drivetrain) Yaw() s1.Angle {
	return d.heading.Yaw()
}

func (d *Drivetrain) readPositions() ([kinematics.NumModules]kinematics.ModulePosition, error) {
	var positions [kinematics.NumModules]kinematics.ModulePosition
	var err error
	for id, m := range d.modules {
		var posErr error
		positions[id], posErr = m.Position()
		err = multierr.Append(err, posErr)
	}
	return positions, err
}

// Validate rejects non-finite commands.
func (cmd Command) Validate() error {
	for _, v := range []float64{
		cmd.Translation.X, cmd.Translation.Y, cmd.Rotation,
		cmd.CenterOfRotation.X, cmd.CenterOfRotation.Y,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Errorf("invalid drive command %+v", cmd)
		}
	}
	return nil
}
