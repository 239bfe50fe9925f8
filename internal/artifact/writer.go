// Package artifact writes the annotated image and the metadata JSON produced
// for every detection result.
package artifact

import (
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"

	"github.com/care/detectiond/internal/types"
)

// File name suffixes, appended to the input file stem
const (
	ImageSuffix = "_detection.jpeg"
	MetaSuffix  = "_meta.json"
)

const jpegQuality = 90

// Writer stores artifacts next to the input image, or in a per-device
// directory under OutputDir when set
type Writer struct {
	OutputDir string
}

// NewWriter creates a writer; outputDir may be empty
func NewWriter(outputDir string) *Writer {
	return &Writer{OutputDir: outputDir}
}

// Paths returns the annotated image and meta file paths for an input image
func (w *Writer) Paths(deviceID, inPath string) (imagePath, metaPath string) {
	dir := filepath.Dir(inPath)
	if w.OutputDir != "" {
		dir = filepath.Join(w.OutputDir, deviceDir(deviceID))
	}
	base := filepath.Base(inPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))

	return filepath.Join(dir, stem+ImageSuffix), filepath.Join(dir, stem+MetaSuffix)
}

// Write stores the annotated image and the meta JSON for a detection result
// and returns the meta it wrote
func (w *Writer) Write(deviceID string, timestampMillis int64, res types.DetectionResult) (types.DetectionMeta, error) {
	if res.Image == nil {
		return types.DetectionMeta{}, fmt.Errorf("result for %s has no image", res.InPath)
	}

	imagePath, metaPath := w.Paths(deviceID, res.InPath)

	if err := os.MkdirAll(filepath.Dir(imagePath), 0o755); err != nil {
		return types.DetectionMeta{}, fmt.Errorf("failed to create output dir: %w", err)
	}

	if err := writeJPEG(imagePath, res.Image); err != nil {
		return types.DetectionMeta{}, err
	}

	meta := types.NewDetectionMeta(deviceID, timestampMillis, imagePath, metaPath, res.Detections)
	if err := writeJSON(metaPath, meta); err != nil {
		return types.DetectionMeta{}, err
	}

	return meta, nil
}

// deviceDir flattens a device id into a single path element
func deviceDir(deviceID string) string {
	name := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' {
			return '_'
		}
		return r
	}, deviceID)
	if name == "" || name == "." || name == ".." {
		return "_"
	}
	return name
}

func writeJPEG(path string, img image.Image) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create image file: %w", err)
	}

	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to encode jpeg: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close image file: %w", err)
	}
	return os.Rename(tmp, path)
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal meta: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write meta file: %w", err)
	}
	return os.Rename(tmp, path)
}
