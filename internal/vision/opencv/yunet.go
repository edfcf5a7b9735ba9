// Package opencv is a local face detector built on the YuNet ONNX model. It
// scores brightness and sharpness on the face region so the quality ranker
// can run without a cloud backend.
package opencv

import (
	"context"
	"fmt"
	"image"
	"math"
	"os"
	"sync"

	"gocv.io/x/gocv"

	"github.com/andresmejia3/livekyc/internal/logger"
	"github.com/andresmejia3/livekyc/internal/vision"
)

// Config holds the YuNet model settings.
type Config struct {
	ModelPath           string
	InputSize           image.Point
	ConfidenceThreshold float32
	NMSThreshold        float32
	TopK                int
}

func DefaultConfig(modelPath string) Config {
	return Config{
		ModelPath:           modelPath,
		InputSize:           image.Pt(320, 320),
		ConfidenceThreshold: 0.6,
		NMSThreshold:        0.3,
		TopK:                5000,
	}
}

// Detector implements vision.FaceDetector. The underlying YuNet instance
// is not safe for concurrent use, so calls are serialized.
type Detector struct {
	mu       sync.Mutex
	detector gocv.FaceDetectorYN
}

var _ vision.FaceDetector = (*Detector)(nil)

func New(cfg Config) (*Detector, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("model file not found: %s", cfg.ModelPath)
	}
	d := gocv.NewFaceDetectorYN(cfg.ModelPath, "", cfg.InputSize)
	d.SetScoreThreshold(cfg.ConfidenceThreshold)
	d.SetNMSThreshold(cfg.NMSThreshold)
	d.SetTopK(cfg.TopK)

	logger.Info("YuNet model loaded", logger.LoggerOptions{
		Key:  "model_path",
		Data: cfg.ModelPath,
	})
	return &Detector{detector: d}, nil
}

// DetectFaces decodes the image and returns every face YuNet reports, in
// its output order. Rows: [x, y, w, h, 5 landmark pairs, score].
func (d *Detector) DetectFaces(ctx context.Context, data []byte) ([]vision.FaceDetail, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	defer img.Close()
	if img.Empty() {
		return nil, fmt.Errorf("decode image: empty matrix")
	}

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)

	faces := gocv.NewMat()
	defer faces.Close()

	d.mu.Lock()
	d.detector.SetInputSize(image.Pt(img.Cols(), img.Rows()))
	d.detector.Detect(img, &faces)
	d.mu.Unlock()

	cols, rows := float64(img.Cols()), float64(img.Rows())
	bounds := image.Rect(0, 0, img.Cols(), img.Rows())

	var out []vision.FaceDetail
	for i := 0; i < faces.Rows(); i++ {
		x := int(faces.GetFloatAt(i, 0))
		y := int(faces.GetFloatAt(i, 1))
		w := int(faces.GetFloatAt(i, 2))
		h := int(faces.GetFloatAt(i, 3))
		rect := image.Rect(x, y, x+w, y+h).Intersect(bounds)
		if rect.Empty() {
			continue
		}

		out = append(out, vision.FaceDetail{
			Box: vision.BoundingBox{
				Left:   float64(rect.Min.X) / cols,
				Top:    float64(rect.Min.Y) / rows,
				Width:  float64(rect.Dx()) / cols,
				Height: float64(rect.Dy()) / rows,
			},
			Confidence: float64(faces.GetFloatAt(i, 14)) * 100,
			Quality:    regionQuality(gray, rect),
		})
	}
	return out, nil
}

// regionQuality maps mean luminance and Laplacian variance onto 0-100.
func regionQuality(gray gocv.Mat, rect image.Rectangle) *vision.Quality {
	region := gray.Region(rect)
	defer region.Close()

	brightness := region.Mean().Val1 / 255 * 100

	lap := gocv.NewMat()
	defer lap.Close()
	gocv.Laplacian(region, &lap, gocv.MatTypeCV64F, 3, 1, 0, gocv.BorderDefault)

	mean, stddev := gocv.NewMat(), gocv.NewMat()
	defer mean.Close()
	defer stddev.Close()
	gocv.MeanStdDev(lap, &mean, &stddev)
	sd := stddev.GetDoubleAt(0, 0)

	return &vision.Quality{
		Brightness: brightness,
		Sharpness:  math.Min(100, sd*sd/10),
	}
}

func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.detector.Close()
	return nil
}
