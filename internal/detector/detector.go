// Package detector defines the object detector collaborator and the pieces
// shared by its backends: threshold handling, label filtering, batch
// alignment, image loading and annotation.
package detector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/care/detectiond/internal/types"
)

// DefaultThreshold is the minimum confidence a detection must exceed
const DefaultThreshold = 0.7

// ErrInvalidThreshold is returned when a threshold outside [0,1] is set
var ErrInvalidThreshold = errors.New("detector: threshold must be within [0,1]")

// Detector maps images to labeled bounding boxes
type Detector interface {
	// Detect runs detection on a single image file
	Detect(ctx context.Context, path string) (types.DetectionResult, error)
	// DetectBatch runs detection on several images. The result is aligned by
	// index with paths; a failed item yields an empty result.
	DetectBatch(ctx context.Context, paths []string) []types.DetectionResult
	// SetThreshold changes the confidence threshold, rejecting values outside [0,1]
	SetThreshold(threshold float64) error
	// Threshold returns the current confidence threshold
	Threshold() float64
	// Close releases backend resources
	Close() error
}

// Threshold is a concurrency-safe confidence threshold
type Threshold struct {
	mu    sync.RWMutex
	value float64
}

// NewThreshold creates a threshold; invalid initial values fall back to the default
func NewThreshold(v float64) *Threshold {
	t := &Threshold{value: DefaultThreshold}
	_ = t.Set(v)
	return t
}

// Set updates the value. Values outside [0,1] are rejected and the prior value is kept.
func (t *Threshold) Set(v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidThreshold, v)
	}
	t.mu.Lock()
	t.value = v
	t.mu.Unlock()
	return nil
}

// Get returns the value
func (t *Threshold) Get() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.value
}

// Candidate is an unfiltered detection produced by a backend
type Candidate struct {
	ClassID int
	Label   string // optional, resolved from ClassID when empty
	Score   float64
	Box     [4]float64 // x1, y1, x2, y2 in pixels
}

// Filter keeps candidates scoring above threshold with a real class label,
// in input order. Confidence is rounded to 3 decimals; box coordinates are
// truncated to integers.
func Filter(cands []Candidate, threshold float64, labels Labels) []types.DetectionRecord {
	out := make([]types.DetectionRecord, 0, len(cands))
	for _, c := range cands {
		if !(c.Score > threshold) {
			continue
		}
		label := c.Label
		if label == "" {
			label = labels.Name(c.ClassID)
		}
		if IsIgnoredLabel(label) {
			continue
		}
		out = append(out, types.DetectionRecord{
			Label:      label,
			Confidence: types.RoundConfidence(c.Score),
			BBox: types.BBox{
				X1: int(c.Box[0]),
				Y1: int(c.Box[1]),
				X2: int(c.Box[2]),
				Y2: int(c.Box[3]),
			},
		})
	}
	return out
}

// Align returns a slice with exactly len(paths) results. Results are matched
// to paths by index; missing or mismatched slots become empty placeholders.
func Align(paths []string, results []types.DetectionResult) []types.DetectionResult {
	out := make([]types.DetectionResult, len(paths))
	for i, p := range paths {
		if i < len(results) && (results[i].InPath == "" || results[i].InPath == p) {
			out[i] = results[i]
			out[i].InPath = p
			continue
		}
		out[i] = types.DetectionResult{InPath: p}
	}
	return out
}

// Func adapts a single-image detection function into a Detector.
// DetectBatch calls fn once per path.
type Func struct {
	fn        func(ctx context.Context, path string, threshold float64) (types.DetectionResult, error)
	threshold *Threshold
	onError   func(path string, err error)
}

// NewFunc creates a Detector from fn; onError may be nil
func NewFunc(fn func(ctx context.Context, path string, threshold float64) (types.DetectionResult, error), threshold float64, onError func(string, error)) *Func {
	return &Func{fn: fn, threshold: NewThreshold(threshold), onError: onError}
}

// Detect implements Detector
func (f *Func) Detect(ctx context.Context, path string) (types.DetectionResult, error) {
	return f.fn(ctx, path, f.threshold.Get())
}

// DetectBatch implements Detector
func (f *Func) DetectBatch(ctx context.Context, paths []string) []types.DetectionResult {
	return DetectEach(ctx, paths, f.Detect, f.onError)
}

// SetThreshold implements Detector
func (f *Func) SetThreshold(v float64) error { return f.threshold.Set(v) }

// Threshold implements Detector
func (f *Func) Threshold() float64 { return f.threshold.Get() }

// Close implements Detector
func (f *Func) Close() error { return nil }

// DetectEach runs detect per path, replacing failures with empty placeholders.
// It stops calling detect once ctx is done.
func DetectEach(ctx context.Context, paths []string, detect func(context.Context, string) (types.DetectionResult, error), onError func(string, error)) []types.DetectionResult {
	out := make([]types.DetectionResult, len(paths))
	for i, p := range paths {
		out[i] = types.DetectionResult{InPath: p}
		if ctx.Err() != nil {
			continue
		}
		res, err := detect(ctx, p)
		if err != nil {
			if onError != nil {
				onError(p, err)
			}
			continue
		}
		res.InPath = p
		out[i] = res
	}
	return out
}
