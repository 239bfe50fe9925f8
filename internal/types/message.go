package types

import (
	"fmt"
	"strings"
	"time"
)

// Topic namespaces used on the bus
const (
	ImageTopicPrefix     = "image/"
	EndStreamTopicPrefix = "end-stream/"
	DetectionTopicPrefix = "detection/"

	ImageTopicFilter     = "image/#"
	EndStreamTopicFilter = "end-stream/#"
)

// DefaultQoS is the delivery level of outbound detection messages (at-least-once)
const DefaultQoS byte = 1

// InboundMessage is a raw message received from the bus subscription.
// It is immutable once enqueued.
type InboundMessage struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// IsImage reports whether the message belongs to the image namespace
func (m InboundMessage) IsImage() bool {
	return strings.HasPrefix(m.Topic, ImageTopicPrefix)
}

// IsEndStream reports whether the message belongs to the end-stream namespace
func (m InboundMessage) IsEndStream() bool {
	return strings.HasPrefix(m.Topic, EndStreamTopicPrefix)
}

// TopicDevice returns the topic segment after the namespace prefix
// (image/cam-01 -> cam-01). Returns "" when the topic has no suffix.
func (m InboundMessage) TopicDevice() string {
	i := strings.IndexByte(m.Topic, '/')
	if i < 0 || i == len(m.Topic)-1 {
		return ""
	}
	return m.Topic[i+1:]
}

// ImageJob is a parsed image message ready for detection
type ImageJob struct {
	DeviceID        string
	Path            string
	TimestampMillis int64
}

// OutboundMessage is a detection result waiting to be published
type OutboundMessage struct {
	Topic string
	Data  []byte
	QoS   byte
}

// DetectionTopic builds the per-device publication topic
func DetectionTopic(deviceID string) string {
	return fmt.Sprintf("%s%s", DetectionTopicPrefix, deviceID)
}

// NewOutboundMessage wraps a payload for the device's detection topic.
// A qos above 2 falls back to DefaultQoS.
func NewOutboundMessage(deviceID string, data []byte, qos byte) OutboundMessage {
	if qos > 2 {
		qos = DefaultQoS
	}
	return OutboundMessage{
		Topic: DetectionTopic(deviceID),
		Data:  data,
		QoS:   qos,
	}
}
