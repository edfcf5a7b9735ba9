// Package geometry holds the pure math behind liveness scoring: eye aspect
// ratios over landmark contours and mean-luminance glare detection.
package geometry

import (
	"errors"
	"math"
)

// Point is a landmark coordinate in pixel space.
type Point struct {
	X, Y float64
}

// Dist returns the Euclidean distance between a and b.
func Dist(a, b Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// Eye is a six point contour ordered p1..p6: p1 and p4 are the corners,
// p2/p3 the upper lid and p6/p5 the lower lid.
type Eye [6]Point

// ErrDegenerateEye is returned when both eye corners coincide.
var ErrDegenerateEye = errors.New("degenerate eye contour: corners coincide")

// EyeAspectRatio computes (|p2-p6| + |p3-p5|) / (2|p1-p4|).
func EyeAspectRatio(e Eye) (float64, error) {
	horizontal := Dist(e[0], e[3])
	if horizontal == 0 {
		return 0, ErrDegenerateEye
	}
	vertical := Dist(e[1], e[5]) + Dist(e[2], e[4])
	return vertical / (2 * horizontal), nil
}
