package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/care/detectiond/internal/types"
)

// Parse errors
var (
	ErrNotImageTopic   = errors.New("pipeline: not an image topic")
	ErrMissingFileName = errors.New("pipeline: payload has no file_name")
	ErrMissingDevice   = errors.New("pipeline: no device id in payload or topic")
	ErrInvalidDevice   = errors.New("pipeline: device id contains a wildcard or NUL")
)

// envelope is the JSON payload of an image message
type envelope struct {
	FileName  string   `json:"file_name"`
	Timestamp *float64 `json:"timestamp,omitempty"` // epoch millis
	DeviceID  string   `json:"device_id,omitempty"`
}

// ParseJob turns an image message into an ImageJob.
// The payload device_id wins over the topic suffix; a missing timestamp
// falls back to the arrival time. Relative file names resolve against root.
func ParseJob(msg types.InboundMessage, root string) (types.ImageJob, error) {
	if !msg.IsImage() {
		return types.ImageJob{}, fmt.Errorf("%w: %s", ErrNotImageTopic, msg.Topic)
	}

	var env envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return types.ImageJob{}, fmt.Errorf("invalid payload on %s: %w", msg.Topic, err)
	}
	if env.FileName == "" {
		return types.ImageJob{}, ErrMissingFileName
	}

	deviceID := env.DeviceID
	if deviceID == "" {
		deviceID = msg.TopicDevice()
	}
	if deviceID == "" {
		return types.ImageJob{}, ErrMissingDevice
	}
	// the id becomes part of a publish topic
	if strings.ContainsAny(deviceID, "+#\x00") {
		return types.ImageJob{}, fmt.Errorf("%w: %q", ErrInvalidDevice, deviceID)
	}

	path := env.FileName
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}

	var ts int64
	switch {
	case env.Timestamp != nil:
		ts = int64(*env.Timestamp)
	case !msg.ReceivedAt.IsZero():
		ts = msg.ReceivedAt.UnixMilli()
	default:
		ts = time.Now().UnixMilli()
	}

	return types.ImageJob{
		DeviceID:        deviceID,
		Path:            path,
		TimestampMillis: ts,
	}, nil
}

// Group is the jobs of one device, in arrival order
type Group struct {
	DeviceID string
	Jobs     []types.ImageJob
}

// Paths returns the image paths of the group in order
func (g Group) Paths() []string {
	paths := make([]string, len(g.Jobs))
	for i, j := range g.Jobs {
		paths[i] = j.Path
	}
	return paths
}

// GroupByDevice groups jobs by device. Groups are ordered by the first
// appearance of their device; jobs keep their input order.
func GroupByDevice(jobs []types.ImageJob) []Group {
	index := make(map[string]int)
	var groups []Group
	for _, j := range jobs {
		i, ok := index[j.DeviceID]
		if !ok {
			i = len(groups)
			index[j.DeviceID] = i
			groups = append(groups, Group{DeviceID: j.DeviceID})
		}
		groups[i].Jobs = append(groups[i].Jobs, j)
	}
	return groups
}
