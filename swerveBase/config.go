package main

import (
	"math"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/s1"
	"github.com/pkg/errors"
	"go.viam.com/rdk/resource"

	"swerve/candevice"
	"swerve/drivetrain"
	"swerve/kinematics"
	"swerve/odometry"
	"swerve/swervemodule"
	"swerve/telemetry"
)

// Physical defaults of the reference chassis.
const (
	defaultChannel        = "can0"
	defaultDriveGearRatio = 6.12
	defaultSteerGearRatio = -150.0 / 7
	inchesToMeters        = 0.0254
	defaultWheelDiameter  = 4 * inchesToMeters
	defaultFrameSide      = 26.25 * inchesToMeters
	defaultMaxSpeed       = 18 * 12 * inchesToMeters // 18 ft/s
	defaultMaxAngular     = math.Pi * 4.12 * 0.4
	defaultDriveKS        = 0.48665
	defaultDriveKV        = 2.4132
	defaultLoopPeriodMs   = 20
	defaultStatusTimeout  = 100
	defaultMQTTTopic      = "swerve/telemetry"
	defaultWebsocketPath  = "/telemetry"
)

var (
	defaultDriveGains = GainsConfig{P: 0.01}
	defaultSteerGains = GainsConfig{P: 0.09, D: 0.1}
)

// ModuleConfig describes one swerve module: its CAN devices, encoder
// calibration, mounting position and sign conventions.
type ModuleConfig struct {
	ID            int     `json:"id"`
	DriveCANID    uint8   `json:"drive_can_id"`
	SteerCANID    uint8   `json:"steer_can_id"`
	EncoderCANID  uint8   `json:"encoder_can_id"`
	OffsetDeg     float64 `json:"offset_deg"`
	XMeters       float64 `json:"x_m"`
	YMeters       float64 `json:"y_m"`
	InvertDrive   bool    `json:"invert_drive,omitempty"`
	InvertSteer   bool    `json:"invert_steer,omitempty"`
	InvertEncoder bool    `json:"invert_encoder,omitempty"`
}

// GainsConfig is a motor controller's closed loop gains.
type GainsConfig struct {
	P float64 `json:"p"`
	I float64 `json:"i"`
	D float64 `json:"d"`
}

// PoseConfig is a field pose.
type PoseConfig struct {
	XMeters    float64 `json:"x_m"`
	YMeters    float64 `json:"y_m"`
	HeadingDeg float64 `json:"heading_deg"`
}

// MQTTConfig configures MQTT telemetry.
type MQTTConfig struct {
	Broker string `json:"broker"`
	Topic  string `json:"topic,omitempty"`
}

// Config is the swerve base's attribute config. Everything except the
// movement sensor has a default.
type Config struct {
	CANChannel      string `json:"can_channel,omitempty"`
	MovementSensor  string `json:"movement_sensor"`
	GyroInverted    bool   `json:"gyro_inverted,omitempty"`
	StatusTimeoutMs int    `json:"status_timeout_ms,omitempty"`

	Modules []ModuleConfig `json:"modules,omitempty"`

	DriveGearRatio      float64      `json:"drive_gear_ratio,omitempty"`
	SteerGearRatio      float64      `json:"steer_gear_ratio,omitempty"`
	WheelDiameterMeters float64      `json:"wheel_diameter_m,omitempty"`
	MaxSpeedMPS         float64      `json:"max_speed_mps,omitempty"`
	MaxAngularSpeedRPS  float64      `json:"max_angular_speed_rps,omitempty"`
	DriveKS             float64      `json:"drive_ks,omitempty"`
	DriveKV             float64      `json:"drive_kv,omitempty"`
	DriveGains          *GainsConfig `json:"drive_gains,omitempty"`
	SteerGains          *GainsConfig `json:"steer_gains,omitempty"`

	LoopPeriodMs   int         `json:"loop_period_ms,omitempty"`
	FieldRelative  *bool       `json:"field_relative,omitempty"`
	TipSetpointDeg float64     `json:"tip_setpoint_deg,omitempty"`
	InitialPose    *PoseConfig `json:"initial_pose,omitempty"`

	MQTT          *MQTTConfig `json:"mqtt,omitempty"`
	WebsocketAddr string      `json:"telemetry_websocket_addr,omitempty"`
}

// defaultModules is the reference chassis: front left, front right, back
// left, back right.
func defaultModules() []ModuleConfig {
	h := defaultFrameSide / 2
	return []ModuleConfig{
		{ID: 0, DriveCANID: 1, SteerCANID: 3, EncoderCANID: 2, OffsetDeg: 84.63, XMeters: h, YMeters: h},
		{ID: 1, DriveCANID: 10, SteerCANID: 12, EncoderCANID: 11, OffsetDeg: 259.45, XMeters: h, YMeters: -h},
		{ID: 2, DriveCANID: 4, SteerCANID: 6, EncoderCANID: 5, OffsetDeg: 17.226, XMeters: -h, YMeters: h},
		{ID: 3, DriveCANID: 7, SteerCANID: 9, EncoderCANID: 8, OffsetDeg: 166.72, XMeters: -h, YMeters: -h},
	}
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) ([]string, error) {
	if cfg.MovementSensor == "" {
		return nil, resource.NewConfigValidationFieldRequiredError(path, "movement_sensor")
	}
	if cfg.Modules != nil {
		if len(cfg.Modules) != kinematics.NumModules {
			return nil, resource.NewConfigValidationError(path,
				errors.Errorf("expected %d modules, got %d", kinematics.NumModules, len(cfg.Modules)))
		}
		seen := map[int]bool{}
		devices := map[uint8]bool{}
		for _, m := range cfg.Modules {
			if m.ID < 0 || m.ID >= kinematics.NumModules {
				return nil, resource.NewConfigValidationError(path, errors.Errorf("module id %d out of range", m.ID))
			}
			if seen[m.ID] {
				return nil, resource.NewConfigValidationError(path, errors.Errorf("duplicate module id %d", m.ID))
			}
			seen[m.ID] = true
			for _, id := range []uint8{m.DriveCANID, m.SteerCANID, m.EncoderCANID} {
				if devices[id] {
					return nil, resource.NewConfigValidationError(path, errors.Errorf("CAN id %d used twice", id))
				}
				devices[id] = true
			}
		}
	}
	for name, v := range map[string]float64{
		"drive_gear_ratio":      cfg.DriveGearRatio,
		"wheel_diameter_m":      cfg.WheelDiameterMeters,
		"max_speed_mps":         cfg.MaxSpeedMPS,
		"max_angular_speed_rps": cfg.MaxAngularSpeedRPS,
		"loop_period_ms":        float64(cfg.LoopPeriodMs),
		"status_timeout_ms":     float64(cfg.StatusTimeoutMs),
	} {
		if v < 0 {
			return nil, resource.NewConfigValidationError(path, errors.Errorf("%s cannot be negative", name))
		}
	}
	if cfg.MQTT != nil && cfg.MQTT.Broker == "" {
		return nil, resource.NewConfigValidationFieldRequiredError(path, "mqtt.broker")
	}
	return []string{cfg.MovementSensor}, nil
}

// withDefaults returns a copy of cfg with every unset field filled in.
func (cfg *Config) withDefaults() *Config {
	out := *cfg
	if out.CANChannel == "" {
		out.CANChannel = defaultChannel
	}
	if out.StatusTimeoutMs == 0 {
		out.StatusTimeoutMs = defaultStatusTimeout
	}
	if out.Modules == nil {
		out.Modules = defaultModules()
	} else {
		out.Modules = append([]ModuleConfig(nil), cfg.Modules...)
	}
	if out.DriveGearRatio == 0 {
		out.DriveGearRatio = defaultDriveGearRatio
	}
	if out.SteerGearRatio == 0 {
		out.SteerGearRatio = defaultSteerGearRatio
	}
	if out.WheelDiameterMeters == 0 {
		out.WheelDiameterMeters = defaultWheelDiameter
	}
	if out.MaxSpeedMPS == 0 {
		out.MaxSpeedMPS = defaultMaxSpeed
	}
	if out.MaxAngularSpeedRPS == 0 {
		out.MaxAngularSpeedRPS = defaultMaxAngular
	}
	if out.DriveKS == 0 && out.DriveKV == 0 {
		out.DriveKS, out.DriveKV = defaultDriveKS, defaultDriveKV
	}
	if out.DriveGains == nil {
		gains := defaultDriveGains
		out.DriveGains = &gains
	}
	if out.SteerGains == nil {
		gains := defaultSteerGains
		out.SteerGains = &gains
	}
	if out.LoopPeriodMs == 0 {
		out.LoopPeriodMs = defaultLoopPeriodMs
	}
	if out.FieldRelative == nil {
		fieldRelative := true
		out.FieldRelative = &fieldRelative
	}
	if out.InitialPose == nil {
		out.InitialPose = &PoseConfig{}
	}
	if out.MQTT != nil && out.MQTT.Topic == "" {
		mqttCfg := *out.MQTT
		mqttCfg.Topic = defaultMQTTTopic
		out.MQTT = &mqttCfg
	}
	return &out
}

func (cfg *Config) loopPeriod() time.Duration {
	return time.Duration(cfg.LoopPeriodMs) * time.Millisecond
}

func (cfg *Config) statusTimeout() time.Duration {
	return time.Duration(cfg.StatusTimeoutMs) * time.Millisecond
}

func (cfg *Config) wheelCircumference() float64 {
	return cfg.WheelDiameterMeters * math.Pi
}

// trackWidth is the widest lateral distance between modules.
func (cfg *Config) trackWidth() float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, m := range cfg.Modules {
		lo = math.Min(lo, m.YMeters)
		hi = math.Max(hi, m.YMeters)
	}
	return hi - lo
}

func (cfg *Config) statusIDs() []uint32 {
	ids := make([]uint32, 0, 3*len(cfg.Modules))
	for _, m := range cfg.Modules {
		ids = append(ids,
			candevice.MotorStatusID(m.DriveCANID),
			candevice.MotorStatusID(m.SteerCANID),
			candevice.EncoderStatusID(m.EncoderCANID),
		)
	}
	return ids
}

func (cfg *Config) drivetrainConfig() drivetrain.Config {
	var geometry [kinematics.NumModules]kinematics.ModuleGeometry
	for _, m := range cfg.Modules {
		geometry[m.ID] = kinematics.ModuleGeometry{
			ID:          m.ID,
			Position:    r2.Point{X: m.XMeters, Y: m.YMeters},
			SteerOffset: s1.Angle(m.OffsetDeg) * s1.Degree,
		}
	}
	return drivetrain.Config{
		Limits: drivetrain.Limits{
			MaxSpeed:        cfg.MaxSpeedMPS,
			MaxAngularSpeed: cfg.MaxAngularSpeedRPS,
		},
		Geometry:    geometry,
		Period:      cfg.loopPeriod(),
		TipSetpoint: cfg.TipSetpointDeg,
		InitialPose: odometry.Pose{
			Translation: r2.Point{X: cfg.InitialPose.XMeters, Y: cfg.InitialPose.YMeters},
			Heading:     s1.Angle(cfg.InitialPose.HeadingDeg) * s1.Degree,
		},
	}
}

func (cfg *Config) moduleConfig(m ModuleConfig) swervemodule.Config {
	return swervemodule.Config{
		ID:          m.ID,
		AngleOffset: s1.Angle(m.OffsetDeg) * s1.Degree,
		Inversions: swervemodule.Inversions{
			Drive:   m.InvertDrive,
			Steer:   m.InvertSteer,
			Encoder: m.InvertEncoder,
		},
		DriveGearRatio:     cfg.DriveGearRatio,
		SteerGearRatio:     cfg.SteerGearRatio,
		WheelCircumference: cfg.wheelCircumference(),
		MaxSpeed:           cfg.MaxSpeedMPS,
		Feedforward:        swervemodule.Feedforward{KS: cfg.DriveKS, KV: cfg.DriveKV},
	}
}

// driveMotorConfig mirrors the reference drive controllers: 35 A continuous,
// 60 A peak for 100 ms, 250 ms open loop ramp, brake when idle.
func (cfg *Config) driveMotorConfig(id uint8) candevice.MotorConfig {
	return candevice.MotorConfig{
		DeviceID:           id,
		SupplyCurrentLimit: 35,
		PeakCurrentLimit:   60,
		PeakDuration:       100 * time.Millisecond,
		OpenLoopRamp:       250 * time.Millisecond,
		Brake:              true,
		Gains:              candevice.Gains(*cfg.DriveGains),
		StaleAfter:         cfg.statusTimeout(),
	}
}

// steerMotorConfig mirrors the reference steer controllers: 25 A continuous,
// 40 A peak for 100 ms, coast when idle.
func (cfg *Config) steerMotorConfig(id uint8) candevice.MotorConfig {
	return candevice.MotorConfig{
		DeviceID:           id,
		SupplyCurrentLimit: 25,
		PeakCurrentLimit:   40,
		PeakDuration:       100 * time.Millisecond,
		Gains:              candevice.Gains(*cfg.SteerGains),
		StaleAfter:         cfg.statusTimeout(),
	}
}

func (cfg *Config) mqttConfig() telemetry.MQTTConfig {
	return telemetry.MQTTConfig{Broker: cfg.MQTT.Broker, Topic: cfg.MQTT.Topic}
}
