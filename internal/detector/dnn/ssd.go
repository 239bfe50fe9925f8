// Package dnn runs SSD-style detection models in-process through OpenCV's DNN
// module (gocv). The OpenCV binding is only compiled with the "gocv" build
// tag; without it New returns ErrUnavailable.
package dnn

import (
	"errors"
	"log/slog"

	"github.com/care/detectiond/internal/detector"
)

// ErrUnavailable is returned by New when the binary was built without OpenCV
var ErrUnavailable = errors.New("dnn: built without gocv support (rebuild with -tags gocv)")

// Config configures the DNN detector
type Config struct {
	Model     string
	Config    string
	InputSize int
	Scale     float64
	Mean      float64
	SwapRB    bool
	Threshold float64
	Labels    detector.Labels
	Logger    *slog.Logger
}

// Each SSD output row is [batch, class, score, x1, y1, x2, y2] with
// coordinates normalised to [0,1].
const ssdRowSize = 7

// parseSSD converts flat SSD output rows into pixel-space candidates
func parseSSD(out []float32, width, height int) []detector.Candidate {
	n := len(out) / ssdRowSize
	cands := make([]detector.Candidate, 0, n)
	for i := 0; i < n; i++ {
		row := out[i*ssdRowSize : (i+1)*ssdRowSize]
		cands = append(cands, detector.Candidate{
			ClassID: int(row[1]),
			Score:   float64(row[2]),
			Box: [4]float64{
				clamp(float64(row[3])) * float64(width),
				clamp(float64(row[4])) * float64(height),
				clamp(float64(row[5])) * float64(width),
				clamp(float64(row[6])) * float64(height),
			},
		})
	}
	return cands
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
