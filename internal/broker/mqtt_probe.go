package broker

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MQTTProbe succeeds when an MQTT CONNECT handshake completes at addr
type MQTTProbe struct {
	clientPrefix string
}

// NewMQTTProbe creates a protocol-level probe
func NewMQTTProbe() *MQTTProbe {
	return &MQTTProbe{clientPrefix: "detection-probe"}
}

// Name implements Probe
func (p *MQTTProbe) Name() string { return "mqtt" }

// Probe implements Probe
func (p *MQTTProbe) Probe(ctx context.Context, addr string) error {
	timeout := time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return context.DeadlineExceeded
		}
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", addr))
	opts.SetClientID(fmt.Sprintf("%s-%s", p.clientPrefix, uuid.NewString()[:8]))
	opts.SetConnectTimeout(timeout)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt connect probe timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect probe failed: %w", err)
	}

	client.Disconnect(50)
	return nil
}
