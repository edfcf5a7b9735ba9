package geometry

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"

	pigo "github.com/esimov/pigo/core"
)

// DefaultGlareThreshold is the mean 8-bit luminance above which a frame is
// considered washed out.
const DefaultGlareThreshold = 210.0

// Decode parses an encoded raster (JPEG or PNG).
func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return img, nil
}

// Grayscale converts img into a row-major 8-bit luminance plane.
func Grayscale(img image.Image) (pixels []uint8, cols, rows int) {
	b := img.Bounds()
	nrgba := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(nrgba, nrgba.Bounds(), img, b.Min, draw.Src)
	return pigo.RgbToGrayscale(nrgba), b.Dx(), b.Dy()
}

// MeanLuminance averages an 8-bit luminance plane. An empty plane is 0.
func MeanLuminance(pixels []uint8) float64 {
	if len(pixels) == 0 {
		return 0
	}
	var sum uint64
	for _, p := range pixels {
		sum += uint64(p)
	}
	return float64(sum) / float64(len(pixels))
}

// GlareMeter flags frames whose mean luminance exceeds Threshold.
type GlareMeter struct {
	Threshold float64
}

// NewGlareMeter returns a meter with the given threshold, or the default when
// threshold is not positive.
func NewGlareMeter(threshold float64) GlareMeter {
	if threshold <= 0 {
		threshold = DefaultGlareThreshold
	}
	return GlareMeter{Threshold: threshold}
}

// Luminance returns the mean luminance of img on the 0-255 scale.
func (m GlareMeter) Luminance(img image.Image) float64 {
	pixels, _, _ := Grayscale(img)
	return MeanLuminance(pixels)
}

// IsGlare reports whether img is over the threshold.
func (m GlareMeter) IsGlare(img image.Image) bool {
	return m.Luminance(img) > m.Threshold
}
