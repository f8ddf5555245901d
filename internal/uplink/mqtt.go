package uplink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/vesaa/smartsensors/internal/config"
	"github.com/vesaa/smartsensors/internal/telemetry"
)

var (
	errNotConnected = errors.New("mqtt client not connected")
	// ErrPublishTimeout means the broker did not acknowledge a QoS 1 publish in time.
	ErrPublishTimeout = errors.New("mqtt publish timeout")
)

// MQTT publishes each entry as one QoS 1 message on a fixed topic.
type MQTT struct {
	client    mqtt.Client
	topic     string
	timeout   time.Duration
	log       *slog.Logger
	mu        sync.RWMutex
	connected bool
}

func NewMQTT(cfg config.UplinkConfig, log *slog.Logger) *MQTT {
	m := &MQTT{
		topic:   cfg.MQTTTopic,
		timeout: cfg.Timeout,
		log:     log.With("component", "mqtt_uplink"),
	}
	if m.timeout <= 0 {
		m.timeout = 5 * time.Second
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTTBroker, cfg.MQTTPort))
	opts.SetClientID(cfg.MQTTClientID)
	if cfg.Token != "" {
		opts.SetUsername(cfg.MQTTClientID)
		opts.SetPassword(cfg.Token)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		m.setConnected(true)
		m.log.Info("mqtt connected", "broker", cfg.MQTTBroker, "port", cfg.MQTTPort)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		m.setConnected(false)
		m.log.Warn("mqtt connection lost", "error", err)
	})

	m.client = mqtt.NewClient(opts)
	return m
}

// Connect waits for the first connection attempt, bounded by ctx and the
// uplink timeout. The client keeps retrying in the background either way.
func (m *MQTT) Connect(ctx context.Context) error {
	token := m.client.Connect()
	deadline := time.Now().Add(m.timeout)
	for {
		if token.WaitTimeout(200 * time.Millisecond) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("mqtt connect: %w", context.DeadlineExceeded)
		}
	}
}

func (m *MQTT) IsConnected() bool {
	m.mu.RLock()
	connected := m.connected
	m.mu.RUnlock()
	return connected && m.client.IsConnected()
}

func (m *MQTT) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func (m *MQTT) Send(ctx context.Context, p telemetry.Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return m.publish(data)
}

// SendBatch publishes entries in order and stops at the first failure.
func (m *MQTT) SendBatch(ctx context.Context, entries []json.RawMessage) error {
	for i, e := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := m.publish(e); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
	}
	return nil
}

func (m *MQTT) publish(data []byte) error {
	if !m.IsConnected() {
		return errNotConnected
	}
	token := m.client.Publish(m.topic, 1, false, data)
	if !token.WaitTimeout(m.timeout) {
		return fmt.Errorf("%w for topic %s", ErrPublishTimeout, m.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	m.log.Debug("published entry", "topic", m.topic, "bytes", len(data))
	return nil
}

func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	m.setConnected(false)
	m.log.Info("mqtt disconnected")
	return nil
}
