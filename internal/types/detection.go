package types

import (
	"encoding/json"
	"image"
	"math"
)

// BBox is a pixel-space bounding box (top-left, bottom-right)
type BBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Rect converts the box to an image.Rectangle
func (b BBox) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

// DetectionRecord is a single labeled detection
type DetectionRecord struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
}

// RoundConfidence rounds a score to 3 decimal places
func RoundConfidence(score float64) float64 {
	return math.Round(score*1000) / 1000
}

// DetectionResult is the detector output for one input image.
// A failed item carries a nil Image and no detections.
type DetectionResult struct {
	InPath     string
	Image      image.Image
	Detections []DetectionRecord
}

// Empty reports whether the result has no image or no detections
func (r DetectionResult) Empty() bool {
	return r.Image == nil || len(r.Detections) == 0
}

// DetectionMeta is the published (and persisted) description of a detection pass
type DetectionMeta struct {
	DeviceID   string            `json:"device_id"`
	Timestamp  int64             `json:"timestamp"`
	ImagePath  string            `json:"image_path"`
	MetaPath   string            `json:"meta_path"`
	Detections []DetectionRecord `json:"detections"`
	Labels     []string          `json:"labels"`
}

// NewDetectionMeta builds a meta record, deriving labels from detections in order
func NewDetectionMeta(deviceID string, ts int64, imagePath, metaPath string, dets []DetectionRecord) DetectionMeta {
	labels := make([]string, 0, len(dets))
	for _, d := range dets {
		labels = append(labels, d.Label)
	}
	if dets == nil {
		dets = []DetectionRecord{}
	}
	return DetectionMeta{
		DeviceID:   deviceID,
		Timestamp:  ts,
		ImagePath:  imagePath,
		MetaPath:   metaPath,
		Detections: dets,
		Labels:     labels,
	}
}

// ToJSON implements the wire encoding used for publication
func (m DetectionMeta) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}
