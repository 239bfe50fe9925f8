package worker

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// maxFrameSize bounds a single response read from the worker
const maxFrameSize = 64 << 20

// Request asks the worker to score a batch of image files
type Request struct {
	ID        string   `msgpack:"id"`
	Type      string   `msgpack:"type"` // detect_batch
	Paths     []string `msgpack:"paths"`
	Threshold float64  `msgpack:"threshold"`
}

// Response carries one item per requested path, in request order
type Response struct {
	ID     string         `msgpack:"id"`
	Items  []ResponseItem `msgpack:"items"`
	Timing Timing         `msgpack:"timing"`
	Error  string         `msgpack:"error,omitempty"`
}

// ResponseItem is the raw model output for one image
type ResponseItem struct {
	Path       string         `msgpack:"path"`
	Error      string         `msgpack:"error,omitempty"`
	Detections []RawDetection `msgpack:"detections"`
}

// RawDetection is an unfiltered model detection
type RawDetection struct {
	ClassID int        `msgpack:"class_id"`
	Label   string     `msgpack:"label,omitempty"`
	Score   float64    `msgpack:"score"`
	Box     [4]float64 `msgpack:"box"`
}

// Timing reports worker-side latency
type Timing struct {
	TotalMS     float64 `msgpack:"total_ms"`
	InferenceMS float64 `msgpack:"inference_ms"`
}

// writeFrame writes a length-prefixed msgpack message (4 bytes big-endian + payload)
func writeFrame(w io.Writer, v interface{}) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack request: %w", err)
	}

	lengthPrefix := make([]byte, 4)
	binary.BigEndian.PutUint32(lengthPrefix, uint32(len(data)))

	if _, err := w.Write(lengthPrefix); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write msgpack data: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed msgpack message into v
func readFrame(r io.Reader, v interface{}) error {
	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lengthBuf); err != nil {
		return err
	}

	msgLength := binary.BigEndian.Uint32(lengthBuf)
	if msgLength > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", msgLength)
	}

	data := make([]byte, msgLength)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("failed to read msgpack data (expected %d bytes): %w", msgLength, err)
	}

	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal msgpack response: %w", err)
	}
	return nil
}
