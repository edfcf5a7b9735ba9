// Package cascade is an in-process landmark backend built on pigo's face
// cascade, pupil localizer and facial landmark point cascades.
package cascade

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"

	pigo "github.com/esimov/pigo/core"

	"github.com/andresmejia3/livekyc/internal/geometry"
	"github.com/andresmejia3/livekyc/internal/landmarks"
)

// Params mirrors pigo.CascadeParams without the image.
type Params struct {
	MinSize          int
	MaxSize          int
	ShiftFactor      float64
	ScaleFactor      float64
	QualityThreshold float32
	Perturbs         int
}

// DefaultParams suits selfie clips where the face fills a good part of the frame.
func DefaultParams() Params {
	return Params{
		MinSize:          80,
		MaxSize:          1000,
		ShiftFactor:      0.1,
		ScaleFactor:      1.1,
		QualityThreshold: 5.0,
		Perturbs:         63,
	}
}

type Option func(*Detector)

// WithParams overrides the cascade parameters.
func WithParams(p Params) Option {
	return func(d *Detector) {
		d.params = p
	}
}

// Detector implements landmarks.Extractor. Each instance owns its unpacked
// cascades; the landmark pool gives every worker its own Detector.
type Detector struct {
	classifier *pigo.Pigo
	puploc     *pigo.PuplocCascade
	flpcs      map[string][]*pigo.FlpCascade
	params     Params
}

var _ landmarks.Extractor = (*Detector)(nil)

// New loads the cascades from dir, which must contain facefinder, puploc
// and an lps/ directory with the flp cascades.
func New(dir string, opts ...Option) (*Detector, error) {
	d := &Detector{params: DefaultParams()}
	for _, opt := range opts {
		opt(d)
	}

	faceCascade, err := os.ReadFile(filepath.Join(dir, "facefinder"))
	if err != nil {
		return nil, fmt.Errorf("failed to read face cascade: %w", err)
	}
	d.classifier, err = pigo.NewPigo().Unpack(faceCascade)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack face cascade: %w", err)
	}

	puplocCascade, err := os.ReadFile(filepath.Join(dir, "puploc"))
	if err != nil {
		return nil, fmt.Errorf("failed to read pupil cascade: %w", err)
	}
	d.puploc, err = pigo.NewPuplocCascade().UnpackCascade(puplocCascade)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack pupil cascade: %w", err)
	}

	d.flpcs, err = d.puploc.ReadCascadeDir(filepath.Join(dir, "lps"))
	if err != nil {
		return nil, fmt.Errorf("failed to read landmark cascades: %w", err)
	}
	for _, name := range landmarks.PigoEyeCascades {
		if len(d.flpcs[name]) == 0 {
			return nil, fmt.Errorf("landmark cascade %s missing from %s", name, dir)
		}
	}
	return d, nil
}

// Factory adapts New to landmarks.Factory.
func Factory(dir string, opts ...Option) landmarks.Factory {
	return func(int) (landmarks.Extractor, error) {
		return New(dir, opts...)
	}
}

// Detect returns faces whose pupils were both localized. Points follow the
// "pigo" index map layout: left pupil, right pupil, then a left/right pair
// per eye cascade.
func (d *Detector) Detect(ctx context.Context, frame []byte) ([]landmarks.Face, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := geometry.Decode(frame)
	if err != nil {
		return nil, err
	}
	pixels, cols, rows := geometry.Grayscale(img)

	imgParams := pigo.ImageParams{
		Pixels: pixels,
		Rows:   rows,
		Cols:   cols,
		Dim:    cols,
	}
	cParams := pigo.CascadeParams{
		MinSize:     d.params.MinSize,
		MaxSize:     d.params.MaxSize,
		ShiftFactor: d.params.ShiftFactor,
		ScaleFactor: d.params.ScaleFactor,
		ImageParams: imgParams,
	}

	dets := d.classifier.RunCascade(cParams, 0.0)
	dets = d.classifier.ClusterDetections(dets, 0.2)

	var faces []landmarks.Face
	for _, det := range dets {
		if det.Q < d.params.QualityThreshold {
			continue
		}
		points, ok := d.eyePoints(det, imgParams)
		if !ok {
			continue
		}
		x := det.Col - det.Scale/2
		y := det.Row - det.Scale/2
		faces = append(faces, landmarks.Face{
			Box:    image.Rect(x, y, x+det.Scale, y+det.Scale),
			Points: points,
		})
	}
	return faces, nil
}

func (d *Detector) eyePoints(det pigo.Detection, imgParams pigo.ImageParams) ([]geometry.Point, bool) {
	scale := float32(det.Scale)

	left := d.puploc.RunDetector(pigo.Puploc{
		Row:      det.Row - int(0.075*scale),
		Col:      det.Col - int(0.175*scale),
		Scale:    scale * 0.25,
		Perturbs: d.params.Perturbs,
	}, imgParams, 0.0, false)
	right := d.puploc.RunDetector(pigo.Puploc{
		Row:      det.Row - int(0.075*scale),
		Col:      det.Col + int(0.185*scale),
		Scale:    scale * 0.25,
		Perturbs: d.params.Perturbs,
	}, imgParams, 0.0, false)
	if left == nil || right == nil || left.Row <= 0 || left.Col <= 0 || right.Row <= 0 || right.Col <= 0 {
		return nil, false
	}

	points := []geometry.Point{pt(left), pt(right)}
	for _, name := range landmarks.PigoEyeCascades {
		flpc := d.flpcs[name][0]
		l := flpc.GetLandmarkPoint(left, right, imgParams, d.params.Perturbs, false)
		r := flpc.GetLandmarkPoint(left, right, imgParams, d.params.Perturbs, true)
		if l == nil || r == nil {
			return nil, false
		}
		points = append(points, pt(l), pt(r))
	}
	return points, true
}

func pt(p *pigo.Puploc) geometry.Point {
	return geometry.Point{X: float64(p.Col), Y: float64(p.Row)}
}

// Close is a no-op; cascades are plain memory.
func (d *Detector) Close() error { return nil }
