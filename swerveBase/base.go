package main

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/base"
	"go.viam.com/rdk/components/movementsensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/operation"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"
	viamutils "go.viam.com/utils"

	"swerve/candevice"
	"swerve/drivetrain"
	"swerve/heading"
	"swerve/kinematics"
	"swerve/swervemodule"
	"swerve/telemetry"
)

const (
	// how long to wait between calibration attempts while the absolute
	// encoders are not yet reporting.
	calibrationRetry = time.Second
	// minimum spacing of repeated control loop error logs.
	errorLogInterval = time.Second
	// slack added to the expected duration of MoveStraight and Spin.
	motionTimeoutSlack = time.Second
)

type swerveBase struct {
	resource.Named
	resource.AlwaysRebuild

	cfg        *Config
	logger     logging.Logger
	geometries []spatialmath.Geometry

	bus    *candevice.Bus
	motors []*candevice.Motor
	dt     *drivetrain.Drivetrain
	store  *telemetry.Store
	sinks  telemetrySinks

	opMgr    *operation.SingleOperationManager
	isMoving atomic.Bool

	// mu serializes the control loop with calibration and odometry resets,
	// since the drivetrain is not safe for concurrent use.
	mu         sync.Mutex
	command    *drivetrain.Command
	generation uint64
	calibrated bool
	lastCalAt  time.Time
	lastErr    string
	lastErrAt  time.Time

	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
	closeOnce               sync.Once
}

// telemetrySinks are the optional dashboards fed every control cycle.
type telemetrySinks struct {
	mqtt   *telemetry.MQTTPublisher
	stream *telemetry.Stream
}

func openSinks(cfg *Config, logger logging.Logger) (telemetrySinks, error) {
	var sinks telemetrySinks
	if cfg.MQTT != nil {
		p, err := telemetry.NewMQTTPublisher(cfg.mqttConfig(), logger)
		if err != nil {
			return sinks, err
		}
		sinks.mqtt = p
	}
	if cfg.WebsocketAddr != "" {
		sinks.stream = telemetry.NewStream(logger)
		if err := sinks.stream.ListenAndServe(cfg.WebsocketAddr, defaultWebsocketPath); err != nil {
			return sinks, multierr.Combine(err, sinks.close(context.Background()))
		}
	}
	return sinks, nil
}

func (s telemetrySinks) publishers() []telemetry.Publisher {
	var out []telemetry.Publisher
	if s.mqtt != nil {
		out = append(out, s.mqtt)
	}
	if s.stream != nil {
		out = append(out, s.stream)
	}
	return out
}

func (s telemetrySinks) close(ctx context.Context) error {
	if s.mqtt != nil {
		s.mqtt.Close()
	}
	if s.stream != nil {
		return s.stream.Close(ctx)
	}
	return nil
}

// newBase opens the CAN bus named in the config and starts the control loop.
func newBase(ctx context.Context, deps resource.Dependencies, conf resource.Config, logger logging.Logger) (base.Base, error) {
	newConf, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return nil, err
	}
	gyro, err := movementsensor.FromDependencies(deps, newConf.MovementSensor)
	if err != nil {
		return nil, errors.Wrapf(err, "no movement sensor named (%s)", newConf.MovementSensor)
	}

	var geometries = []spatialmath.Geometry{}
	if conf.Frame != nil {
		frame, err := conf.Frame.ParseConfig()
		if err != nil {
			return nil, err
		}
		geometries = append(geometries, frame.Geometry())
	}

	cfg := newConf.withDefaults()
	bus, err := candevice.Open(cfg.CANChannel, cfg.statusIDs(), candevice.DefaultPeriod, logger)
	if err != nil {
		return nil, errors.Wrapf(err, "opening CAN channel %s", cfg.CANChannel)
	}
	sinks, err := openSinks(cfg, logger)
	if err != nil {
		return nil, multierr.Combine(err, bus.Close())
	}
	return newSwerveBase(ctx, conf.ResourceName(), cfg, bus, gyro, geometries, sinks, logger)
}

// newSwerveBase builds the drivetrain over an open bus. It owns bus and sinks
// from here on, closing them if construction fails.
func newSwerveBase(
	ctx context.Context,
	name resource.Name,
	cfg *Config,
	bus *candevice.Bus,
	gyro heading.Source,
	geometries []spatialmath.Geometry,
	sinks telemetrySinks,
	logger logging.Logger,
) (_ *swerveBase, err error) {
	defer func() {
		if err != nil {
			err = multierr.Combine(err, bus.Close(), sinks.close(ctx))
		}
	}()

	var modules [kinematics.NumModules]*swervemodule.Module
	motors := make([]*candevice.Motor, 0, 2*len(cfg.Modules))
	for _, m := range cfg.Modules {
		drive := candevice.NewMotor(bus, cfg.driveMotorConfig(m.DriveCANID))
		steer := candevice.NewMotor(bus, cfg.steerMotorConfig(m.SteerCANID))
		for _, motor := range []*candevice.Motor{drive, steer} {
			if err := motor.Configure(ctx); err != nil {
				return nil, err
			}
		}
		motors = append(motors, drive, steer)

		encoder := candevice.NewEncoder(bus, m.EncoderCANID, cfg.statusTimeout())
		modules[m.ID], err = swervemodule.New(cfg.moduleConfig(m), drive, steer, encoder, logger)
		if err != nil {
			return nil, err
		}
	}

	head, err := heading.New(gyro, heading.Config{Invert: cfg.GyroInverted}, logger)
	if err != nil {
		return nil, err
	}

	store := telemetry.NewStore(nil)
	publisher := telemetry.Fanout(append([]telemetry.Publisher{store}, sinks.publishers()...))
	dt, err := drivetrain.New(ctx, cfg.drivetrainConfig(), modules, head, publisher, logger)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	b := &swerveBase{
		Named:      name.AsNamed(),
		cfg:        cfg,
		logger:     logger,
		geometries: geometries,
		bus:        bus,
		motors:     motors,
		dt:         dt,
		store:      store,
		sinks:      sinks,
		opMgr:      operation.NewSingleOperationManager(),
		cancel:     cancel,
	}

	b.activeBackgroundWorkers.Add(1)
	viamutils.ManagedGo(func() {
		b.controlLoop(cancelCtx)
	}, b.activeBackgroundWorkers.Done)
	return b, nil
}

// controlLoop runs one drivetrain cycle per loop period until ctx is done.
func (b *swerveBase) controlLoop(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.loopPeriod())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		b.step(ctx)
	}
}

func (b *swerveBase) step(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.calibrated && time.Since(b.lastCalAt) >= calibrationRetry {
		b.lastCalAt = time.Now()
		if err := b.dt.ResetModules(); err != nil {
			b.logger.Warnw("modules not calibrated yet", "error", err)
		} else {
			b.calibrated = true
			b.logger.Info("modules calibrated to absolute encoders")
		}
	}

	cmd := b.command
	if !b.calibrated {
		// steer references are meaningless until calibrated
		cmd = nil
	}
	if err := b.dt.Cycle(ctx, cmd); err != nil {
		b.reportCycleError(err)
	}
}

// reportCycleError logs control loop errors without flooding the log at the
// loop rate.
func (b *swerveBase) reportCycleError(err error) {
	msg := err.Error()
	now := time.Now()
	if msg == b.lastErr && now.Sub(b.lastErrAt) < errorLogInterval {
		return
	}
	b.lastErr = msg
	b.lastErrAt = now
	b.logger.Warnw("control cycle error", "error", err)
}

// setCommand makes cmd the command applied every cycle and returns its
// generation.
func (b *swerveBase) setCommand(cmd drivetrain.Command) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.generation++
	b.command = &cmd
	moving := cmd.Translation != (r2.Point{}) || cmd.Rotation != 0
	b.isMoving.Store(moving)
	if !moving {
		b.command = nil
		if err := b.dt.Stop(); err != nil {
			b.logger.Debugw("error stopping modules", "error", err)
		}
	}
	return b.generation
}

// stopCommand stops the modules if generation is still the active command.
// A zero generation always stops.
func (b *swerveBase) stopCommand(generation uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if generation != 0 && generation != b.generation {
		return nil
	}
	b.generation++
	b.command = nil
	b.isMoving.Store(false)
	return b.dt.Stop()
}

func (b *swerveBase) fieldRelative(extra map[string]interface{}) bool {
	if v, ok := extra["field_relative"].(bool); ok {
		return v
	}
	return *b.cfg.FieldRelative
}

// MoveStraight drives robot-forward for distanceMm, measured by odometry.
func (b *swerveBase) MoveStraight(ctx context.Context, distanceMm int, mmPerSec float64, extra map[string]interface{}) error {
	ctx, done := b.opMgr.New(ctx)
	defer done()

	if distanceMm == 0 || mmPerSec == 0 {
		return b.stopCommand(0)
	}
	distance := math.Abs(float64(distanceMm)) / 1000
	speed := math.Min(math.Abs(mmPerSec)/1000, b.cfg.MaxSpeedMPS)
	direction := math.Copysign(1, float64(distanceMm)*mmPerSec)

	start := b.dt.Pose().Translation
	generation := b.setCommand(drivetrain.Command{Translation: r2.Point{X: direction * speed}})
	defer func() {
		if err := b.stopCommand(generation); err != nil {
			b.logger.Debugw("error stopping after MoveStraight", "error", err)
		}
	}()

	deadline := time.Now().Add(time.Duration(2*distance/speed*float64(time.Second)) + motionTimeoutSlack)
	return b.opMgr.WaitForSuccess(ctx, b.cfg.loopPeriod(), func(ctx context.Context) (bool, error) {
		traveled := b.dt.Pose().Translation.Sub(start).Norm()
		if traveled >= distance {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, errors.Errorf("timed out after moving %.3f m of %.3f m", traveled, distance)
		}
		return false, nil
	})
}

// Spin turns in place by angleDeg, counterclockwise positive, measured by
// odometry.
func (b *swerveBase) Spin(ctx context.Context, angleDeg, degsPerSec float64, extra map[string]interface{}) error {
	ctx, done := b.opMgr.New(ctx)
	defer done()

	if angleDeg == 0 || degsPerSec == 0 {
		return b.stopCommand(0)
	}
	target := math.Abs(angleDeg) * math.Pi / 180
	rate := math.Min(math.Abs(degsPerSec)*math.Pi/180, b.cfg.MaxAngularSpeedRPS)
	direction := math.Copysign(1, angleDeg*degsPerSec)

	previous := b.dt.Pose().Heading
	var turned float64
	generation := b.setCommand(drivetrain.Command{Rotation: direction * rate})
	defer func() {
		if err := b.stopCommand(generation); err != nil {
			b.logger.Debugw("error stopping after Spin", "error", err)
		}
	}()

	deadline := time.Now().Add(time.Duration(2*target/rate*float64(time.Second)) + motionTimeoutSlack)
	return b.opMgr.WaitForSuccess(ctx, b.cfg.loopPeriod(), func(ctx context.Context) (bool, error) {
		current := b.dt.Pose().Heading
		turned += (current - previous).Normalized().Radians()
		previous = current
		if math.Abs(turned) >= target {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, errors.Errorf("timed out after turning %.1f of %.1f degrees", turned*180/math.Pi, angleDeg)
		}
		return false, nil
	})
}

// SetPower sets the linear and angular [-1, 1] drive power as a fraction of
// the chassis limits. Linear Y is forward and linear X is right.
func (b *swerveBase) SetPower(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error {
	b.opMgr.CancelRunning(ctx)
	b.logger.Debugw("SetPower with ",
		"linear.X", linear.X,
		"linear.Y", linear.Y,
		"angular.Z", angular.Z,
	)
	b.warnUnused(linear, angular)

	b.setCommand(drivetrain.Command{
		Translation: r2.Point{
			X: clampUnit(linear.Y) * b.cfg.MaxSpeedMPS,
			Y: -clampUnit(linear.X) * b.cfg.MaxSpeedMPS,
		},
		Rotation:      clampUnit(angular.Z) * b.cfg.MaxAngularSpeedRPS,
		FieldRelative: b.fieldRelative(extra),
		OpenLoop:      true,
	})
	return nil
}

// SetVelocity sets the linear (mmPerSec) and angular (degsPerSec) velocity.
// Linear Y is forward and linear X is right.
func (b *swerveBase) SetVelocity(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error {
	b.opMgr.CancelRunning(ctx)
	b.warnUnused(linear, angular)

	b.setCommand(drivetrain.Command{
		Translation:   r2.Point{X: linear.Y / 1000, Y: -linear.X / 1000},
		Rotation:      angular.Z * math.Pi / 180,
		FieldRelative: b.fieldRelative(extra),
	})
	return nil
}

// Some vector components do not apply to a planar base.
func (b *swerveBase) warnUnused(linear, angular r3.Vector) {
	if linear.Z != 0 {
		b.logger.Warnw("Linear Z command non-zero and has no effect")
	}
	if angular.X != 0 {
		b.logger.Warnw("Angular X command non-zero and has no effect")
	}
	if angular.Y != 0 {
		b.logger.Warnw("Angular Y command non-zero and has no effect")
	}
}

func clampUnit(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}

// Stop stops the base and cancels any running MoveStraight or Spin.
func (b *swerveBase) Stop(ctx context.Context, extra map[string]interface{}) error {
	b.opMgr.CancelRunning(ctx)
	return b.stopCommand(0)
}

func (b *swerveBase) IsMoving(ctx context.Context) (bool, error) {
	return b.isMoving.Load(), nil
}

func (b *swerveBase) Properties(ctx context.Context, extra map[string]interface{}) (base.Properties, error) {
	return base.Properties{
		WidthMeters:              b.cfg.trackWidth(),
		WheelCircumferenceMeters: b.cfg.wheelCircumference(),
	}, nil
}

func (b *swerveBase) Geometries(ctx context.Context, extra map[string]interface{}) ([]spatialmath.Geometry, error) {
	return b.geometries, nil
}

// Close stops the modules, disables every motor and closes the bus.
func (b *swerveBase) Close(ctx context.Context) error {
	var err error
	b.closeOnce.Do(func() {
		b.opMgr.CancelRunning(ctx)
		b.cancel()
		b.activeBackgroundWorkers.Wait()

		b.mu.Lock()
		b.command = nil
		b.isMoving.Store(false)
		for _, m := range b.motors {
			err = multierr.Append(err, m.Disable())
		}
		b.mu.Unlock()

		// let the disable frames go out before the bus closes
		viamutils.SelectContextOrWait(ctx, 3*b.bus.Period())
		err = multierr.Combine(err, b.bus.Close(), b.sinks.close(ctx))
	})
	return err
}
