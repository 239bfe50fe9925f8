package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig configures the NATS transport
type NATSConfig struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	Subscriptions []string // MQTT-style filters, mapped to subjects
	Logger        *slog.Logger
	OnStateChange func(connected bool)
}

// NATS is a Transport over core NATS. Topics keep the MQTT shape on the
// service side and are mapped to subjects on the wire: '/' becomes '.',
// '#' becomes '>' and '+' becomes '*'. Core NATS has no QoS levels, so the
// qos argument of Publish is ignored.
type NATS struct {
	cfg     NATSConfig
	conn    *nats.Conn
	subs    []*nats.Subscription
	handler Handler
	logger  *slog.Logger

	*State
}

// NewNATS creates a NATS transport delivering messages to handler
func NewNATS(cfg NATSConfig, handler Handler) *NATS {
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &NATS{
		cfg:     cfg,
		handler: handler,
		logger:  cfg.Logger.With("component", "nats"),
		State:   NewState(cfg.OnStateChange),
	}
}

// Connect dials the server and subscribes. The client library resubscribes
// after reconnects.
func (n *NATS) Connect(ctx context.Context) error {
	opts := []nats.Option{
		nats.Name(n.cfg.Name),
		nats.MaxReconnects(n.cfg.MaxReconnects),
		nats.ReconnectWait(n.cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			n.Set(false)
			n.logger.Warn("nats disconnected, will auto-reconnect", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			n.Set(true)
			n.logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			n.Set(false)
			n.logger.Info("nats connection closed")
		}),
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}

	n.logger.Info("connecting to nats", "url", n.cfg.URL)

	conn, err := nats.Connect(n.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("nats connection failed: %w", err)
	}
	n.conn = conn

	for _, filter := range n.cfg.Subscriptions {
		subject := TopicToSubject(filter)
		sub, err := conn.Subscribe(subject, n.onMessage)
		if err != nil {
			conn.Close()
			return fmt.Errorf("nats subscribe %s failed: %w", subject, err)
		}
		n.subs = append(n.subs, sub)
		n.logger.Info("subscribed", "topic", filter, "subject", subject)
	}

	n.Set(true)
	return nil
}

func (n *NATS) onMessage(msg *nats.Msg) {
	n.handler(SubjectToTopic(msg.Subject), msg.Data)
}

// Publish sends payload on the subject mapped from topic
func (n *NATS) Publish(topic string, _ byte, payload []byte) error {
	if n.conn == nil || !n.Connected() {
		return ErrNotConnected
	}
	return n.conn.Publish(TopicToSubject(topic), payload)
}

// Disconnect drains subscriptions and closes the connection
func (n *NATS) Disconnect() {
	if n.conn != nil && !n.conn.IsClosed() {
		if err := n.conn.Drain(); err != nil {
			n.logger.Warn("nats drain failed", "error", err)
			n.conn.Close()
		}
		n.logger.Info("nats disconnected")
	}
	n.Set(false)
}

// TopicToSubject maps an MQTT topic or filter to a NATS subject
func TopicToSubject(topic string) string {
	parts := strings.Split(topic, "/")
	for i, p := range parts {
		switch p {
		case "#":
			parts[i] = ">"
		case "+":
			parts[i] = "*"
		}
	}
	return strings.Join(parts, ".")
}

// SubjectToTopic maps a NATS subject back to an MQTT-style topic
func SubjectToTopic(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}
