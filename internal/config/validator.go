package config

import (
	"fmt"
	"regexp"
	"strings"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks the configuration and fills defaults
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		cfg.InstanceID = "detection-service"
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	switch cfg.Transport {
	case "":
		cfg.Transport = "mqtt"
	case "mqtt", "nats":
	default:
		return fmt.Errorf("transport must be 'mqtt' or 'nats', got '%s'", cfg.Transport)
	}

	if err := validateBroker(cfg); err != nil {
		return err
	}

	if cfg.Queues.InboundCapacity < 0 {
		return fmt.Errorf("queues.inbound_capacity must be >= 0")
	}
	if cfg.Queues.OutboundCapacity == 0 {
		cfg.Queues.OutboundCapacity = 100
	}
	if cfg.Queues.OutboundCapacity < 0 {
		return fmt.Errorf("queues.outbound_capacity must be > 0")
	}

	if cfg.Batch.Window <= 0 {
		cfg.Batch.Window = 5
	}

	if cfg.Publisher.ReconnectPollMS <= 0 {
		cfg.Publisher.ReconnectPollMS = 1000
	}
	if cfg.Publisher.MaxRateHz < 0 {
		return fmt.Errorf("publisher.max_rate_hz must be >= 0")
	}

	if cfg.Images.Root == "" {
		cfg.Images.Root = "/"
	}

	if err := validateDetector(&cfg.Detector); err != nil {
		return fmt.Errorf("detector validation failed: %w", err)
	}

	if strings.ContainsAny(cfg.Control.Topic, "#+") {
		return fmt.Errorf("control.topic must not contain wildcards")
	}

	if cfg.Health.Port == 0 {
		cfg.Health.Port = 8080
	}

	return nil
}

func validateBroker(cfg *Config) error {
	if cfg.Broker.Port == 0 {
		cfg.Broker.Port = 1883
	}
	if cfg.Broker.ProbeTimeoutMS <= 0 {
		cfg.Broker.ProbeTimeoutMS = 1000
	}
	if cfg.Broker.Retries == nil {
		retries := 1
		cfg.Broker.Retries = &retries
	}
	if *cfg.Broker.Retries < 0 {
		return fmt.Errorf("broker.retries must be >= 0")
	}

	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = cfg.InstanceID
	}
	if cfg.MQTT.ConnectTimeoutMS <= 0 {
		cfg.MQTT.ConnectTimeoutMS = 5000
	}
	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{"detection": 1}
	}
	for name, qos := range cfg.MQTT.QoS {
		if qos > 2 {
			return fmt.Errorf("mqtt.qos.%s must be 0, 1 or 2, got %d", name, qos)
		}
	}

	if cfg.Transport == "nats" {
		if cfg.NATS.URL == "" {
			cfg.NATS.URL = "nats://localhost:4222"
		}
		if cfg.NATS.MaxReconnects == 0 {
			cfg.NATS.MaxReconnects = -1 // unlimited
		}
		if cfg.NATS.ReconnectWaitMS <= 0 {
			cfg.NATS.ReconnectWaitMS = 2000
		}
	}

	return nil
}

func validateDetector(d *DetectorConfig) error {
	if d.Backend == "" {
		d.Backend = "worker"
	}
	if d.Threshold == nil {
		threshold := 0.7
		d.Threshold = &threshold
	}
	if *d.Threshold < 0 || *d.Threshold > 1 {
		return fmt.Errorf("threshold must be within [0,1], got %v", *d.Threshold)
	}
	if d.TimeoutS <= 0 {
		d.TimeoutS = 30
	}

	switch d.Backend {
	case "worker":
		if d.Worker.Command == "" {
			d.Worker.Command = "models/run_detector.sh"
		}
		if d.Worker.WriteTimeoutMS <= 0 {
			d.Worker.WriteTimeoutMS = 2000
		}
	case "dnn":
		if d.DNN.Model == "" {
			return fmt.Errorf("dnn.model is required for the dnn backend")
		}
		if d.DNN.InputSize <= 0 {
			d.DNN.InputSize = 300
		}
		if d.DNN.Scale == 0 {
			d.DNN.Scale = 1.0 / 127.5
		}
		if d.DNN.Mean == 0 {
			d.DNN.Mean = 127.5
		}
		if d.DNN.SwapRB == nil {
			swap := true
			d.DNN.SwapRB = &swap
		}
	default:
		return fmt.Errorf("unknown backend '%s' (must be 'worker' or 'dnn')", d.Backend)
	}

	return nil
}
