// Package liveness decides whether a clip shows a live subject and keeps the
// frames worth enrolling.
package liveness

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/andresmejia3/livekyc/internal/geometry"
	"github.com/andresmejia3/livekyc/internal/kycerr"
	"github.com/andresmejia3/livekyc/internal/landmarks"
	"github.com/andresmejia3/livekyc/internal/logger"
	"github.com/andresmejia3/livekyc/internal/video"
)

// Config holds the scoring thresholds.
type Config struct {
	// Both eyes above OpenThreshold count as open.
	OpenThreshold float64
	// Both eyes below CloseThreshold count as closed.
	CloseThreshold float64
	MinBlinks      int
	GlareThreshold float64
	// MaxCandidates bounds how many open-eye frames are kept for ranking.
	MaxCandidates int
	// StopWhenSatisfied ends reading as soon as the verdict is positive.
	StopWhenSatisfied bool
	// MinConfidence applies to managed sessions only, as a percentage.
	MinConfidence float64
}

func DefaultConfig() Config {
	return Config{
		OpenThreshold:  0.25,
		CloseThreshold: 0.2,
		MinBlinks:      1,
		GlareThreshold: geometry.DefaultGlareThreshold,
		MaxCandidates:  3,
		MinConfidence:  90,
	}
}

// Verdict is the immutable outcome of scoring one clip.
type Verdict struct {
	IsLive        bool
	Confidence    *float64
	GlareDetected bool
	BestFrame     *video.Frame
	Blinks        int
	// Candidates holds the kept open-eye frames in clip order; the first
	// one is BestFrame.
	Candidates []video.Frame
	FramesRead int
}

// Checker is implemented by both the local scorer and the managed session
// scorer.
type Checker interface {
	Score(ctx context.Context, stream video.Stream) (*Verdict, error)
}

// Scorer is the local, landmark based liveness check.
type Scorer struct {
	cfg       Config
	extractor landmarks.Extractor
	eyes      landmarks.EyeIndexMap
	glare     geometry.GlareMeter
	onFrame   func(video.Frame)
}

var _ Checker = (*Scorer)(nil)

type Option func(*Scorer)

// WithFrameObserver is called for every frame read, e.g. to drive a progress bar.
func WithFrameObserver(fn func(video.Frame)) Option {
	return func(s *Scorer) {
		s.onFrame = fn
	}
}

func NewScorer(extractor landmarks.Extractor, eyes landmarks.EyeIndexMap, cfg Config, opts ...Option) *Scorer {
	if cfg.MaxCandidates < 1 {
		cfg.MaxCandidates = 1
	}
	s := &Scorer{
		cfg:       cfg,
		extractor: extractor,
		eyes:      eyes,
		glare:     geometry.NewGlareMeter(cfg.GlareThreshold),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// state is the running state of one Score call.
type state struct {
	blinks     int
	closed     bool
	glare      bool
	candidates []video.Frame
	read       int
	decoded    int
}

// Score reads stream to the end (or until satisfied) and returns the verdict.
// A clip without a single decodable frame is a VideoUnreadable error.
func (s *Scorer) Score(ctx context.Context, stream video.Stream) (*Verdict, error) {
	var st state

	for {
		f, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if st.decoded == 0 {
				return nil, kycerr.New(kycerr.VideoUnreadable, "score", err)
			}
			logger.Warning("decoder stopped early, scoring the frames read so far",
				logger.LoggerOptions{Key: "frames", Data: st.read},
				logger.LoggerOptions{Key: "error", Data: err},
			)
			break
		}

		st.read++
		if s.onFrame != nil {
			s.onFrame(f)
		}

		if err := s.scoreFrame(ctx, &st, f); err != nil {
			return nil, err
		}

		if s.cfg.StopWhenSatisfied && st.blinks >= s.cfg.MinBlinks && len(st.candidates) > 0 {
			break
		}
	}

	if st.decoded == 0 {
		return nil, kycerr.New(kycerr.VideoUnreadable, "score", errors.New("no decodable frames"))
	}

	v := &Verdict{
		GlareDetected: st.glare,
		Blinks:        st.blinks,
		Candidates:    st.candidates,
		FramesRead:    st.read,
	}
	if len(st.candidates) > 0 {
		best := st.candidates[0]
		v.BestFrame = &best
	}
	v.IsLive = v.Blinks >= s.cfg.MinBlinks && v.BestFrame != nil

	logger.Debug("liveness scored",
		logger.LoggerOptions{Key: "frames", Data: st.read},
		logger.LoggerOptions{Key: "blinks", Data: v.Blinks},
		logger.LoggerOptions{Key: "glare", Data: v.GlareDetected},
		logger.LoggerOptions{Key: "live", Data: v.IsLive},
	)
	return v, nil
}

func (s *Scorer) scoreFrame(ctx context.Context, st *state, f video.Frame) error {
	img, err := geometry.Decode(f.Data)
	if err != nil {
		logger.Debug("skipping undecodable frame", logger.LoggerOptions{Key: "index", Data: f.Index})
		return nil
	}
	st.decoded++

	// Glare is judged on the whole frame, face or not, and never clears.
	glare := s.glare.IsGlare(img)
	if glare {
		st.glare = true
	}

	faces, err := s.extractor.Detect(ctx, f.Data)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return kycerr.New(kycerr.LandmarkUnavailable, fmt.Sprintf("landmarks of frame %d", f.Index), err)
	}
	// Zero faces or an ambiguous subject.
	if len(faces) != 1 {
		return nil
	}

	left, right, err := s.eyes.Eyes(faces[0].Points)
	if err != nil {
		return err
	}
	leftEAR, err := geometry.EyeAspectRatio(left)
	if err != nil {
		return nil
	}
	rightEAR, err := geometry.EyeAspectRatio(right)
	if err != nil {
		return nil
	}

	switch {
	case leftEAR < s.cfg.CloseThreshold && rightEAR < s.cfg.CloseThreshold:
		// One blink per closure: consecutive closed frames are the same blink.
		if !st.closed {
			st.blinks++
			st.closed = true
		}
	case leftEAR > s.cfg.OpenThreshold && rightEAR > s.cfg.OpenThreshold:
		st.closed = false
		if !glare && len(st.candidates) < s.cfg.MaxCandidates {
			st.candidates = append(st.candidates, f)
		}
	}
	return nil
}
