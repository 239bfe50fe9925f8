package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file settings
const (
	EnvMQTTHost  = "MQTT_HOST"
	EnvTransport = "DETECTIOND_TRANSPORT"
	EnvStorePath = "DETECTIOND_STORE_PATH"
)

// Config represents the complete detection service configuration
type Config struct {
	InstanceID       string          `yaml:"instance_id"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Transport        string          `yaml:"transport"`          // mqtt, nats
	Broker           BrokerConfig    `yaml:"broker"`
	MQTT             MQTTConfig      `yaml:"mqtt"`
	NATS             NATSConfig      `yaml:"nats"`
	Queues           QueuesConfig    `yaml:"queues"`
	Batch            BatchConfig     `yaml:"batch"`
	Publisher        PublisherConfig `yaml:"publisher"`
	Images           ImagesConfig    `yaml:"images"`
	Detector         DetectorConfig  `yaml:"detector"`
	Artifacts        ArtifactsConfig `yaml:"artifacts"`
	Store            StoreConfig     `yaml:"store"`
	Health           HealthConfig    `yaml:"health"`
	Feed             FeedConfig      `yaml:"feed"`
	Control          ControlConfig   `yaml:"control"`
}

// BrokerConfig contains broker discovery settings
type BrokerConfig struct {
	Candidates     []string `yaml:"candidates"`
	Port           int      `yaml:"port"`
	ProbeTimeoutMS int      `yaml:"probe_timeout_ms"`
	Retries        *int     `yaml:"retries"` // full rescans after the first pass
}

// MQTTConfig contains MQTT client settings
type MQTTConfig struct {
	ClientID         string          `yaml:"client_id"`
	ConnectTimeoutMS int             `yaml:"connect_timeout_ms"`
	QoS              map[string]byte `yaml:"qos"`
}

// NATSConfig contains settings for the NATS transport
type NATSConfig struct {
	URL             string `yaml:"url"`
	MaxReconnects   int    `yaml:"max_reconnects"`
	ReconnectWaitMS int    `yaml:"reconnect_wait_ms"`
}

// QueuesConfig contains in-memory queue sizes
type QueuesConfig struct {
	InboundCapacity  int `yaml:"inbound_capacity"` // 0 = unbounded
	OutboundCapacity int `yaml:"outbound_capacity"`
}

// BatchConfig contains batcher settings
type BatchConfig struct {
	Window int `yaml:"window"` // max messages drained per cycle
}

// PublisherConfig contains publish loop settings
type PublisherConfig struct {
	ReconnectPollMS int     `yaml:"reconnect_poll_ms"`
	MaxRateHz       float64 `yaml:"max_rate_hz"` // 0 = unlimited
}

// ImagesConfig controls how file references are resolved
type ImagesConfig struct {
	Root string `yaml:"root"`
}

// DetectorConfig selects and configures the detector backend
type DetectorConfig struct {
	Backend   string       `yaml:"backend"` // worker, dnn
	Threshold *float64     `yaml:"threshold"`
	TimeoutS  int          `yaml:"timeout_s"`
	Labels    []string     `yaml:"labels,omitempty"`
	Worker    WorkerConfig `yaml:"worker"`
	DNN       DNNConfig    `yaml:"dnn"`
}

// WorkerConfig configures the subprocess detector
type WorkerConfig struct {
	Command        string   `yaml:"command"`
	Args           []string `yaml:"args"`
	WriteTimeoutMS int      `yaml:"write_timeout_ms"`
}

// DNNConfig configures the OpenCV DNN detector
type DNNConfig struct {
	Model     string  `yaml:"model"`
	Config    string  `yaml:"config"`
	InputSize int     `yaml:"input_size"`
	Scale     float64 `yaml:"scale"`
	Mean      float64 `yaml:"mean"`
	SwapRB    *bool   `yaml:"swap_rb,omitempty"`
}

// ArtifactsConfig controls where annotated images and meta files go
type ArtifactsConfig struct {
	OutputDir string `yaml:"output_dir"` // empty = next to the input image
}

// StoreConfig configures the detection store
type StoreConfig struct {
	Path string `yaml:"path"` // empty = disabled
}

// HealthConfig configures the health/metrics HTTP server
type HealthConfig struct {
	Port int `yaml:"port"`
}

// FeedConfig configures the live WebSocket feed
type FeedConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ControlConfig configures the command topic. An empty topic disables it.
type ControlConfig struct {
	Topic string `yaml:"topic"`
}

// ResponseTopic is where command responses are published
func (c ControlConfig) ResponseTopic() string {
	return c.Topic + "/response"
}

// Load reads and parses a YAML configuration file.
// A .env file next to the working directory is loaded first if present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML bytes, applies environment overrides and validates
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyEnv(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ApplyEnv applies environment variable overrides
func ApplyEnv(cfg *Config) {
	if v := os.Getenv(EnvTransport); v != "" {
		cfg.Transport = v
	}
	if v := os.Getenv(EnvStorePath); v != "" {
		cfg.Store.Path = v
	}
	cfg.Broker.Candidates = DefaultCandidates(os.Getenv(EnvMQTTHost), cfg.Broker.Candidates)
}

// DefaultCandidates builds the ordered broker candidate list.
// The env host always goes first; configured candidates replace the built-in list.
func DefaultCandidates(envHost string, configured []string) []string {
	base := configured
	if len(base) == 0 {
		base = []string{"mosquitto", "host.docker.internal", "localhost", "0.0.0.0"}
	}

	out := make([]string, 0, len(base)+1)
	if envHost != "" {
		out = append(out, envHost)
	}
	for _, h := range base {
		if h == envHost && envHost != "" {
			continue
		}
		out = append(out, h)
	}
	return out
}

// ShutdownTimeout returns the graceful shutdown timeout
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// DetectorTimeout returns the per-group detector call timeout
func (c *Config) DetectorTimeout() time.Duration {
	return time.Duration(c.Detector.TimeoutS) * time.Second
}

// ProbeTimeout returns the per-candidate broker probe timeout
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Broker.ProbeTimeoutMS) * time.Millisecond
}

// DetectionQoS returns the QoS level for detection messages
func (c *Config) DetectionQoS() byte {
	if qos, ok := c.MQTT.QoS["detection"]; ok {
		return qos
	}
	return 1
}
