// Package metrics holds the Prometheus collectors of the detection service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "detectiond"

// Drop reasons used as label values of MessagesDropped
const (
	DropInboundOverflow  = "inbound_overflow"
	DropOutboundOverflow = "outbound_overflow"
	DropNotImage         = "not_image"
	DropParseError       = "parse_error"
	DropDetectorError    = "detector_error"
	DropNoDetections     = "no_detections"
	DropArtifactError    = "artifact_error"
)

// Metrics contains all service collectors
type Metrics struct {
	MessagesReceived *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec
	Detections       prometheus.Counter
	Published        prometheus.Counter
	PublishErrors    prometheus.Counter

	InboundQueueLength  prometheus.Gauge
	OutboundQueueLength prometheus.Gauge
	BrokerConnected     prometheus.Gauge

	DetectorBatchDuration prometheus.Histogram

	registry *prometheus.Registry
}

// New creates the collectors and registers them, together with the Go
// runtime and process collectors, on a private registry
func New() *Metrics {
	m := &Metrics{
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "received_total",
				Help:      "Total number of messages received from the bus",
			},
			[]string{"kind"},
		),
		MessagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "dropped_total",
				Help:      "Total number of messages or results dropped",
			},
			[]string{"reason"},
		),
		Detections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Total number of detection results emitted",
		}),
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "published_total",
			Help:      "Total number of messages published",
		}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "errors_total",
			Help:      "Total number of failed publishes",
		}),
		InboundQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "inbound_length",
			Help:      "Messages waiting in the inbound queue",
		}),
		OutboundQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "outbound_length",
			Help:      "Messages waiting in the outbound queue",
		}),
		BrokerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "connected",
			Help:      "Broker connection status (0=disconnected, 1=connected)",
		}),
		DetectorBatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "batch_duration_seconds",
			Help:      "Duration of detector batch calls",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.MessagesReceived,
		m.MessagesDropped,
		m.Detections,
		m.Published,
		m.PublishErrors,
		m.InboundQueueLength,
		m.OutboundQueueLength,
		m.BrokerConnected,
		m.DetectorBatchDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the underlying Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the /metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Dropped increments the drop counter for a reason
func (m *Metrics) Dropped(reason string) {
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

// SetConnected records the broker connection state
func (m *Metrics) SetConnected(connected bool) {
	if connected {
		m.BrokerConnected.Set(1)
		return
	}
	m.BrokerConnected.Set(0)
}
