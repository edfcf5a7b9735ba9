package liveness

import (
	"context"
	"errors"

	"github.com/andresmejia3/livekyc/internal/geometry"
	"github.com/andresmejia3/livekyc/internal/kycerr"
	"github.com/andresmejia3/livekyc/internal/logger"
	"github.com/andresmejia3/livekyc/internal/quality"
	"github.com/andresmejia3/livekyc/internal/video"
	"github.com/andresmejia3/livekyc/internal/vision"
)

// SessionScorer delegates the live/not-live decision to a managed liveness
// backend while keeping glare detection and best frame selection local.
type SessionScorer struct {
	sessions vision.LivenessSessions
	ranker   *quality.Ranker
	glare    geometry.GlareMeter
	cfg      Config
}

var _ Checker = (*SessionScorer)(nil)

func NewSessionScorer(sessions vision.LivenessSessions, ranker *quality.Ranker, cfg Config) *SessionScorer {
	return &SessionScorer{
		sessions: sessions,
		ranker:   ranker,
		glare:    geometry.NewGlareMeter(cfg.GlareThreshold),
		cfg:      cfg,
	}
}

// CreateSession opens a new managed session.
func (s *SessionScorer) CreateSession(ctx context.Context) (string, error) {
	id, err := s.sessions.CreateSession(ctx)
	if err != nil {
		return "", kycerr.New(kycerr.RegistryUnavailable, "create liveness session", err)
	}
	return id, nil
}

// ScoreSession pushes frames to the backend when it accepts them, then
// builds a verdict from the session result.
func (s *SessionScorer) ScoreSession(ctx context.Context, sessionID string, frames []video.Frame) (*Verdict, error) {
	if submitter, ok := s.sessions.(vision.FrameSubmitter); ok {
		for _, f := range frames {
			if err := submitter.SubmitFrame(ctx, sessionID, f.Data); err != nil {
				return nil, kycerr.New(kycerr.RegistryUnavailable, "submit liveness frame", err)
			}
		}
	}

	res, err := s.sessions.SessionResult(ctx, sessionID)
	if err != nil {
		return nil, kycerr.New(kycerr.RegistryUnavailable, "liveness session result", err)
	}

	v := &Verdict{FramesRead: len(frames)}
	decoded := 0
	for _, f := range frames {
		img, err := geometry.Decode(f.Data)
		if err != nil {
			continue
		}
		decoded++
		if s.glare.IsGlare(img) {
			v.GlareDetected = true
			continue
		}
		v.Candidates = append(v.Candidates, f)
	}
	if decoded == 0 && len(res.ReferenceImage) == 0 {
		return nil, kycerr.New(kycerr.VideoUnreadable, "score session", errors.New("no decodable frames"))
	}

	best, err := s.ranker.SelectBest(ctx, v.Candidates)
	if err != nil {
		return nil, kycerr.New(kycerr.RegistryUnavailable, "rank session frames", err)
	}
	if best == nil && len(res.ReferenceImage) > 0 {
		best = &video.Frame{Index: -1, Data: res.ReferenceImage}
	}
	v.BestFrame = best

	confidence := res.Confidence
	v.Confidence = &confidence
	v.IsLive = res.Status == vision.SessionSucceeded && confidence >= s.cfg.MinConfidence && v.BestFrame != nil

	logger.Info("liveness session scored",
		logger.LoggerOptions{Key: "session", Data: sessionID},
		logger.LoggerOptions{Key: "status", Data: res.Status},
		logger.LoggerOptions{Key: "confidence", Data: confidence},
		logger.LoggerOptions{Key: "live", Data: v.IsLive},
	)
	return v, nil
}

// Score runs a whole clip through a fresh session.
func (s *SessionScorer) Score(ctx context.Context, stream video.Stream) (*Verdict, error) {
	frames, err := video.Drain(ctx, stream)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if len(frames) == 0 {
			return nil, kycerr.New(kycerr.VideoUnreadable, "score", err)
		}
	}
	id, err := s.CreateSession(ctx)
	if err != nil {
		return nil, err
	}
	return s.ScoreSession(ctx, id, frames)
}
