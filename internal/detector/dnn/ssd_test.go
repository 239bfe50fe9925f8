package dnn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/care/detectiond/internal/detector"
)

func TestParseSSDScalesAndClamps(t *testing.T) {
	out := []float32{
		0, 1, 0.9, 0.1, 0.2, 0.5, 0.6,
		0, 18, 0.4, -0.1, 0, 1.2, 1,
		0, 3, // truncated trailing row is ignored
	}

	cands := parseSSD(out, 200, 100)
	require.Len(t, cands, 2)

	assert.Equal(t, 1, cands[0].ClassID)
	assert.InDelta(t, 0.9, cands[0].Score, 1e-6)
	assert.InDelta(t, 20, cands[0].Box[0], 1e-3)
	assert.InDelta(t, 20, cands[0].Box[1], 1e-3)
	assert.InDelta(t, 100, cands[0].Box[2], 1e-3)
	assert.InDelta(t, 60, cands[0].Box[3], 1e-3)

	assert.Equal(t, [4]float64{0, 0, 200, 100}, cands[1].Box)
}

// TestParseSSDThroughFilter verifies SSD rows feed the shared label filter
func TestParseSSDThroughFilter(t *testing.T) {
	out := []float32{
		0, 1, 0.95, 0, 0, 0.5, 0.5,
		0, 0, 0.99, 0, 0, 1, 1,
		0, 18, 0.3, 0, 0, 1, 1,
	}

	dets := detector.Filter(parseSSD(out, 100, 100), 0.7, detector.COCOLabels)
	require.Len(t, dets, 1)
	assert.Equal(t, "person", dets[0].Label)
	assert.Equal(t, 50, dets[0].BBox.X2)
}
