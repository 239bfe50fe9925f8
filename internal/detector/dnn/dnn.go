//go:build gocv

package dnn

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"sync"

	"gocv.io/x/gocv"

	"github.com/care/detectiond/internal/detector"
	"github.com/care/detectiond/internal/types"
)

// Detector implements detector.Detector with an OpenCV DNN network
type Detector struct {
	cfg       Config
	threshold *detector.Threshold
	logger    *slog.Logger

	mu  sync.Mutex // gocv.Net is not safe for concurrent use
	net gocv.Net
}

// New loads the network
func New(cfg Config) (*Detector, error) {
	if _, err := os.Stat(cfg.Model); err != nil {
		return nil, fmt.Errorf("model file not found: %s", cfg.Model)
	}
	if cfg.Config != "" {
		if _, err := os.Stat(cfg.Config); err != nil {
			return nil, fmt.Errorf("config file not found: %s", cfg.Config)
		}
	}
	if len(cfg.Labels) == 0 {
		cfg.Labels = detector.COCOLabels
	}
	if cfg.InputSize <= 0 {
		cfg.InputSize = 300
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	th := detector.NewThreshold(detector.DefaultThreshold)
	if err := th.Set(cfg.Threshold); err != nil {
		return nil, err
	}

	net := gocv.ReadNet(cfg.Model, cfg.Config)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load network from %s", cfg.Model)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close()
		return nil, fmt.Errorf("failed to set preferable backend: %w", err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close()
		return nil, fmt.Errorf("failed to set preferable target: %w", err)
	}

	d := &Detector{
		cfg:       cfg,
		threshold: th,
		logger:    cfg.Logger.With("component", "detector", "backend", "dnn"),
		net:       net,
	}
	d.logger.Info("detection network initialized", "model", cfg.Model, "input_size", cfg.InputSize)
	return d, nil
}

// Detect implements detector.Detector
func (d *Detector) Detect(ctx context.Context, path string) (types.DetectionResult, error) {
	if err := ctx.Err(); err != nil {
		return types.DetectionResult{InPath: path}, err
	}

	mat := gocv.IMRead(path, gocv.IMReadColor)
	defer mat.Close()
	if mat.Empty() {
		return types.DetectionResult{InPath: path}, fmt.Errorf("failed to read image %s", path)
	}

	mean := d.cfg.Mean
	blob := gocv.BlobFromImage(mat, d.cfg.Scale,
		image.Pt(d.cfg.InputSize, d.cfg.InputSize),
		gocv.NewScalar(mean, mean, mean, 0),
		d.cfg.SwapRB, false)
	defer blob.Close()

	d.mu.Lock()
	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	d.mu.Unlock()
	defer output.Close()

	flat, err := output.DataPtrFloat32()
	if err != nil {
		return types.DetectionResult{InPath: path}, fmt.Errorf("failed to read network output: %w", err)
	}

	cands := parseSSD(flat, mat.Cols(), mat.Rows())
	dets := detector.Filter(cands, d.threshold.Get(), d.cfg.Labels)

	img, err := mat.ToImage()
	if err != nil {
		return types.DetectionResult{InPath: path}, fmt.Errorf("failed to convert image: %w", err)
	}

	return types.DetectionResult{
		InPath:     path,
		Image:      detector.Annotate(img, dets),
		Detections: dets,
	}, nil
}

// DetectBatch implements detector.Detector. Images are scored one by one
// against the shared network.
func (d *Detector) DetectBatch(ctx context.Context, paths []string) []types.DetectionResult {
	return detector.DetectEach(ctx, paths, d.Detect, func(path string, err error) {
		d.logger.Error("error processing image", "path", path, "error", err)
	})
}

// SetThreshold implements detector.Detector
func (d *Detector) SetThreshold(v float64) error {
	if err := d.threshold.Set(v); err != nil {
		return err
	}
	d.logger.Info("updated score threshold", "threshold", v)
	return nil
}

// Threshold implements detector.Detector
func (d *Detector) Threshold() float64 {
	return d.threshold.Get()
}

// Close releases the network
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}
