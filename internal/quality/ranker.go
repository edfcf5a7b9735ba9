// Package quality picks the most usable frame out of a set of candidates.
package quality

import (
	"context"
	"fmt"

	"github.com/andresmejia3/livekyc/internal/video"
	"github.com/andresmejia3/livekyc/internal/vision"
)

// Ranker scores frames by the brightness plus sharpness the detector
// reports for the first face it finds.
type Ranker struct {
	detector vision.FaceDetector
}

func NewRanker(detector vision.FaceDetector) *Ranker {
	return &Ranker{detector: detector}
}

// Score returns the quality score of frame and whether a face was found.
func (r *Ranker) Score(ctx context.Context, frame video.Frame) (float64, bool, error) {
	faces, err := r.detector.DetectFaces(ctx, frame.Data)
	if err != nil {
		return 0, false, fmt.Errorf("detect faces in frame %d: %w", frame.Index, err)
	}
	if len(faces) == 0 {
		return 0, false, nil
	}
	q := faces[0].Quality
	if q == nil {
		return 0, true, nil
	}
	return q.Brightness + q.Sharpness, true, nil
}

// SelectBest returns the highest scoring frame. Frames without a face are
// skipped, ties keep the earlier frame, and an empty or faceless set
// yields nil.
func (r *Ranker) SelectBest(ctx context.Context, frames []video.Frame) (*video.Frame, error) {
	var best *video.Frame
	bestScore := 0.0

	for i := range frames {
		score, ok, err := r.Score(ctx, frames[i])
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if best == nil || score > bestScore {
			f := frames[i]
			best = &f
			bestScore = score
		}
	}
	return best, nil
}
