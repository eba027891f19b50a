package telemetry

import (
	"encoding/json"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// MQTTConfig configures an MQTT telemetry publisher.
type MQTTConfig struct {
	Broker   string // e.g. tcp://localhost:1883
	Topic    string
	ClientID string
}

// MQTTPublisher sends each cycle's readouts as one JSON message. Messages are
// dropped while the broker is unreachable.
type MQTTPublisher struct {
	client  mqtt.Client
	topic   string
	logger  logging.Logger
	dropped atomic.Int64
}

// NewMQTTPublisher connects to the broker in the background and keeps
// retrying until it succeeds.
func NewMQTTPublisher(cfg MQTTConfig, logger logging.Logger) (*MQTTPublisher, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("mqtt topic is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "swerve-" + uuid.NewString()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.OnConnect = func(client mqtt.Client) {
		logger.Infow("connected to MQTT broker", "broker", cfg.Broker)
	}
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		logger.Warnw("lost MQTT connection", "broker", cfg.Broker, "error", err)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)

	client := mqtt.NewClient(opts)
	// with connect retry on, the token only completes once connected
	client.Connect()
	return newMQTTPublisher(client, cfg.Topic, logger), nil
}

func newMQTTPublisher(client mqtt.Client, topic string, logger logging.Logger) *MQTTPublisher {
	return &MQTTPublisher{client: client, topic: topic, logger: logger}
}

// Publish implements Publisher. It does not wait for delivery.
func (p *MQTTPublisher) Publish(values map[string]interface{}) {
	if !p.client.IsConnected() {
		p.dropped.Add(1)
		return
	}
	payload, err := json.Marshal(values)
	if err != nil {
		p.dropped.Add(1)
		p.logger.Debugw("cannot marshal telemetry", "error", err)
		return
	}
	p.client.Publish(p.topic, 0, false, payload)
}

// Dropped returns how many messages were not sent.
func (p *MQTTPublisher) Dropped() int64 {
	return p.dropped.Load()
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
