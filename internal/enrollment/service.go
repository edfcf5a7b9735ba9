package enrollment

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/andresmejia3/livekyc/internal/kycerr"
	"github.com/andresmejia3/livekyc/internal/liveness"
	"github.com/andresmejia3/livekyc/internal/logger"
	"github.com/andresmejia3/livekyc/internal/objectstore"
	"github.com/andresmejia3/livekyc/internal/quality"
	"github.com/andresmejia3/livekyc/internal/records"
	"github.com/andresmejia3/livekyc/internal/video"
)

// ErrSessionsDisabled is returned by the session calls when no managed
// liveness backend is configured.
var ErrSessionsDisabled = errors.New("managed liveness sessions are not configured")

// Submission carries exactly one of a still image, an uploaded clip or a
// sequence of encoded frames.
type Submission struct {
	Image  []byte
	Video  io.Reader
	Frames [][]byte
}

func (s Submission) count() int {
	n := 0
	if len(s.Image) > 0 {
		n++
	}
	if s.Video != nil {
		n++
	}
	if len(s.Frames) > 0 {
		n++
	}
	return n
}

// Status is what a client sees when polling its own verification.
type Status struct {
	Verified bool   `json:"verified"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// ServiceDeps wires the service. Sessions is optional.
type ServiceDeps struct {
	Pipeline *Pipeline
	Source   video.Source
	Checker  liveness.Checker
	Ranker   *quality.Ranker
	Sessions *liveness.SessionScorer
	Records  records.Repository
}

// Service is the produced interface of the engine: the operations the HTTP
// server, the queue worker and the CLI call.
type Service struct {
	deps ServiceDeps
}

func NewService(deps ServiceDeps) *Service {
	return &Service{deps: deps}
}

// SubmitEnrollment verifies and enrolls one submission. Images are enrolled
// directly under the selfies namespace; clips and frame sequences must pass
// the liveness check first and enroll their best frame under liveness.
func (s *Service) SubmitEnrollment(ctx context.Context, ownerID string, sub Submission) (*Result, error) {
	if ownerID == "" || sub.count() != 1 {
		return nil, kycerr.New(kycerr.InvalidSubmission, "submit enrollment", nil)
	}

	switch {
	case len(sub.Image) > 0:
		return s.deps.Pipeline.Enroll(ctx, ownerID, sub.Image, objectstore.NamespaceSelfies)
	case sub.Video != nil:
		return s.enrollVideo(ctx, ownerID, sub.Video)
	default:
		return s.enrollStream(ctx, ownerID, video.NewSliceStream(sub.Frames))
	}
}

func (s *Service) enrollVideo(ctx context.Context, ownerID string, r io.Reader) (*Result, error) {
	path, cleanup, err := video.SpoolTemp(r, "livekyc-*.mp4")
	defer cleanup()
	if err != nil {
		return nil, kycerr.New(kycerr.VideoUnreadable, "spool video", err)
	}

	stream, err := s.deps.Source.Open(ctx, path)
	if err != nil {
		return nil, kycerr.New(kycerr.VideoUnreadable, "open video", err)
	}
	return s.enrollStream(ctx, ownerID, stream)
}

func (s *Service) enrollStream(ctx context.Context, ownerID string, stream video.Stream) (*Result, error) {
	defer stream.Close()

	verdict, err := s.deps.Checker.Score(ctx, stream)
	if err != nil {
		if kycerr.KindOf(err) != "" {
			return nil, err
		}
		return nil, fmt.Errorf("score liveness: %w", err)
	}
	return s.enrollVerdict(ctx, ownerID, verdict)
}

// enrollVerdict checks glare before liveness, then enrolls the best ranked
// candidate.
func (s *Service) enrollVerdict(ctx context.Context, ownerID string, v *liveness.Verdict) (*Result, error) {
	if v.GlareDetected {
		return nil, kycerr.New(kycerr.GlareDetected, "check liveness", nil)
	}
	if !v.IsLive {
		logger.Info("liveness check failed",
			logger.LoggerOptions{Key: "owner", Data: ownerID},
			logger.LoggerOptions{Key: "blinks", Data: v.Blinks},
			logger.LoggerOptions{Key: "frames", Data: v.FramesRead},
		)
		return nil, kycerr.New(kycerr.LivenessFailed, "check liveness", nil)
	}

	best := v.BestFrame
	if s.deps.Ranker != nil && len(v.Candidates) > 1 {
		ranked, err := s.deps.Ranker.SelectBest(ctx, v.Candidates)
		if err != nil {
			return nil, kycerr.New(kycerr.RegistryUnavailable, "rank frames", err)
		}
		if ranked != nil {
			best = ranked
		}
	}
	logger.Debug("best frame selected",
		logger.LoggerOptions{Key: "owner", Data: ownerID},
		logger.LoggerOptions{Key: "index", Data: best.Index},
	)
	return s.deps.Pipeline.Enroll(ctx, ownerID, best.Data, objectstore.NamespaceLiveness)
}

// StartLivenessSession opens a managed session the client records into.
func (s *Service) StartLivenessSession(ctx context.Context) (string, error) {
	if s.deps.Sessions == nil {
		return "", ErrSessionsDisabled
	}
	return s.deps.Sessions.CreateSession(ctx)
}

// ProcessLivenessSession scores the session, using the frames the client
// sent for glare and frame selection, and enrolls the subject when live.
func (s *Service) ProcessLivenessSession(ctx context.Context, ownerID, sessionID string, frames [][]byte) (*Result, error) {
	if s.deps.Sessions == nil {
		return nil, ErrSessionsDisabled
	}
	if ownerID == "" || sessionID == "" {
		return nil, kycerr.New(kycerr.InvalidSubmission, "process liveness session", nil)
	}

	fs := make([]video.Frame, len(frames))
	for i, data := range frames {
		fs[i] = video.Frame{Index: i, Data: data}
	}
	verdict, err := s.deps.Sessions.ScoreSession(ctx, sessionID, fs)
	if err != nil {
		return nil, err
	}
	return s.enrollVerdict(ctx, ownerID, verdict)
}

// CheckLivenessStatus reports whether the owner has a verified record.
func (s *Service) CheckLivenessStatus(ctx context.Context, ownerID string) (*Status, error) {
	rec, err := s.deps.Records.Get(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load record: %w", err)
	}
	if rec == nil {
		return &Status{}, nil
	}
	return &Status{Verified: rec.Verified, ImageURL: rec.ImageURL}, nil
}
