// Package landmarks defines the pluggable facial landmark backend consumed
// by the liveness scorer.
package landmarks

import (
	"context"
	"fmt"
	"image"
	"sort"

	"github.com/andresmejia3/livekyc/internal/geometry"
)

// Face is one detected face. Points is the backend's full landmark set;
// Embedding is filled only by backends that also produce identity vectors.
type Face struct {
	Box       image.Rectangle
	Points    []geometry.Point
	Embedding []float64
}

// Extractor finds faces and their landmarks in one encoded frame.
// Implementations are not required to be safe for concurrent use; share
// them through a Pool.
type Extractor interface {
	Detect(ctx context.Context, frame []byte) ([]Face, error)
	Close() error
}

// Breakable is implemented by extractors whose transport can fall out of
// step with the backend, e.g. after a timed-out read. A broken extractor
// must not serve another frame; the Pool replaces it on Release.
type Breakable interface {
	Broken() bool
}

// EyeIndexMap picks the two six-point eye contours out of a backend's
// landmark set. Indices are ordered p1..p6 (corner, upper lid, upper lid,
// corner, lower lid, lower lid).
type EyeIndexMap struct {
	Name  string
	Size  int
	Left  [6]int
	Right [6]int
}

// Eyes extracts both contours from points.
func (m EyeIndexMap) Eyes(points []geometry.Point) (left, right geometry.Eye, err error) {
	if len(points) < m.Size {
		return left, right, fmt.Errorf("landmark set has %d points, %s needs %d", len(points), m.Name, m.Size)
	}
	for i := 0; i < 6; i++ {
		left[i] = points[m.Left[i]]
		right[i] = points[m.Right[i]]
	}
	return left, right, nil
}

var indexMaps = map[string]EyeIndexMap{
	"dlib68": {
		Name:  "dlib68",
		Size:  68,
		Left:  [6]int{36, 37, 38, 39, 40, 41},
		Right: [6]int{42, 43, 44, 45, 46, 47},
	},
	"mediapipe468": {
		Name:  "mediapipe468",
		Size:  468,
		Left:  [6]int{33, 160, 158, 133, 153, 144},
		Right: [6]int{362, 385, 387, 263, 373, 380},
	},
	// Layout produced by the pigo backend: pupils first, then the
	// left/right pair of every eye cascade in PigoEyeCascades order.
	"pigo": {
		Name:  "pigo",
		Size:  2 + 2*len(PigoEyeCascades),
		Left:  [6]int{2, 4, 6, 8, 10, 0},
		Right: [6]int{3, 5, 7, 9, 11, 1},
	},
}

// PigoEyeCascades lists the flp cascades the pigo backend runs around each
// pupil, in output order.
var PigoEyeCascades = []string{"lp46", "lp44", "lp42", "lp38", "lp312"}

// LookupIndexMap returns a preset by name.
func LookupIndexMap(name string) (EyeIndexMap, error) {
	m, ok := indexMaps[name]
	if !ok {
		return EyeIndexMap{}, fmt.Errorf("unknown landmark index map %q (known: %v)", name, IndexMapNames())
	}
	return m, nil
}

// IndexMapNames lists the available presets.
func IndexMapNames() []string {
	names := make([]string, 0, len(indexMaps))
	for n := range indexMaps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
