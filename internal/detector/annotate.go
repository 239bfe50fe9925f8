package detector

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"os"

	// decoders for LoadImage
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/care/detectiond/internal/types"
)

var boxColor = color.RGBA{R: 0, G: 200, B: 0, A: 255}

const boxStroke = 2

// LoadImage decodes a JPEG or PNG file
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image %s: %w", path, err)
	}
	return img, nil
}

// Annotate returns a copy of src with a green box and a "label: score"
// caption drawn for every detection
func Annotate(src image.Image, dets []types.DetectionRecord) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, src, b.Min, draw.Src)

	for _, d := range dets {
		r := d.BBox.Rect().Canon().Intersect(b)
		if r.Empty() {
			continue
		}
		drawRect(dst, r, boxStroke)
		addLabel(dst, r.Min.X, r.Min.Y-3, fmt.Sprintf("%s: %.2f", d.Label, d.Confidence))
	}
	return dst
}

func drawRect(img *image.RGBA, r image.Rectangle, stroke int) {
	fill := image.NewUniform(boxColor)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+stroke),
		image.Rect(r.Min.X, r.Max.Y-stroke, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+stroke, r.Max.Y),
		image.Rect(r.Max.X-stroke, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(img, e.Intersect(r), fill, image.Point{}, draw.Src)
	}
}

func addLabel(img *image.RGBA, x, y int, label string) {
	// keep the caption inside the frame when the box touches the top edge
	if y < img.Bounds().Min.Y+basicfont.Face7x13.Ascent {
		y = img.Bounds().Min.Y + basicfont.Face7x13.Ascent
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(boxColor),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(label)
}
