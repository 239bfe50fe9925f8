package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig configures the MQTT transport
type MQTTConfig struct {
	Broker         string // host:port
	ClientID       string
	ConnectTimeout time.Duration
	Subscriptions  []string // topic filters subscribed on every connect
	SubscribeQoS   byte
	Logger         *slog.Logger
	OnStateChange  func(connected bool)
}

// MQTT is a paho-backed Transport
type MQTT struct {
	cfg     MQTTConfig
	client  mqtt.Client
	handler Handler
	logger  *slog.Logger

	*State
}

// NewMQTT creates an MQTT transport delivering messages to handler
func NewMQTT(cfg MQTTConfig, handler Handler) *MQTT {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &MQTT{
		cfg:     cfg,
		handler: handler,
		logger:  cfg.Logger.With("component", "mqtt"),
		State:   NewState(cfg.OnStateChange),
	}
}

// Connect establishes the connection. Paho runs its network loop in background
// goroutines and reconnects automatically.
func (m *MQTT) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", m.cfg.Broker))
	opts.SetClientID(m.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetOrderMatters(false)

	opts.OnConnect = m.onConnect

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		m.Set(false)
		m.logger.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", m.cfg.Broker,
			"max_retry_interval", "30s",
		)
	}

	m.client = mqtt.NewClient(opts)

	m.logger.Info("connecting to mqtt broker", "broker", m.cfg.Broker, "client_id", m.cfg.ClientID)

	token := m.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(m.cfg.ConnectTimeout):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	return nil
}

// onConnect subscribes to every filter, then flips the connected flag.
// Clean sessions lose subscriptions, so this runs on every reconnect.
func (m *MQTT) onConnect(c mqtt.Client) {
	for _, filter := range m.cfg.Subscriptions {
		token := c.Subscribe(filter, m.cfg.SubscribeQoS, m.onMessage)
		if !token.WaitTimeout(5 * time.Second) {
			m.logger.Error("mqtt subscribe timeout", "topic", filter)
			continue
		}
		if err := token.Error(); err != nil {
			m.logger.Error("mqtt subscribe failed", "topic", filter, "error", err)
			continue
		}
		m.logger.Info("subscribed", "topic", filter)
	}

	m.Set(true)
	m.logger.Info("mqtt connection established",
		"broker", m.cfg.Broker,
		"client_id", m.cfg.ClientID,
		"auto_reconnect", "enabled",
	)
}

func (m *MQTT) onMessage(_ mqtt.Client, msg mqtt.Message) {
	m.handler(msg.Topic(), msg.Payload())
}

// Publish sends without waiting for the broker acknowledgment
func (m *MQTT) Publish(topic string, qos byte, payload []byte) error {
	if m.client == nil || !m.Connected() {
		return ErrNotConnected
	}

	token := m.client.Publish(topic, qos, false, payload)
	select {
	case <-token.Done():
		// completed synchronously (qos 0 or immediate failure)
		return token.Error()
	default:
		return nil
	}
}

// Disconnect closes the MQTT connection
func (m *MQTT) Disconnect() {
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250) // 250ms grace period
		m.logger.Info("mqtt disconnected")
	}
	m.Set(false)
}
