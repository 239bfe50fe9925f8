//go:build !gocv

package dnn

import (
	"context"

	"github.com/care/detectiond/internal/types"
)

// Detector is unavailable without the gocv build tag
type Detector struct{}

// New always fails without OpenCV
func New(Config) (*Detector, error) {
	return nil, ErrUnavailable
}

func (*Detector) Detect(_ context.Context, path string) (types.DetectionResult, error) {
	return types.DetectionResult{InPath: path}, ErrUnavailable
}

func (*Detector) DetectBatch(_ context.Context, paths []string) []types.DetectionResult {
	out := make([]types.DetectionResult, len(paths))
	for i, p := range paths {
		out[i].InPath = p
	}
	return out
}

func (*Detector) SetThreshold(float64) error { return ErrUnavailable }

func (*Detector) Threshold() float64 { return 0 }

func (*Detector) Close() error { return nil }
