package cmd

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/andresmejia3/livekyc/internal/config"
	"github.com/andresmejia3/livekyc/internal/enrollment"
	"github.com/andresmejia3/livekyc/internal/landmarks"
	"github.com/andresmejia3/livekyc/internal/landmarks/cascade"
	"github.com/andresmejia3/livekyc/internal/landmarks/worker"
	"github.com/andresmejia3/livekyc/internal/liveness"
	"github.com/andresmejia3/livekyc/internal/logger"
	"github.com/andresmejia3/livekyc/internal/mongostore"
	"github.com/andresmejia3/livekyc/internal/objectstore"
	"github.com/andresmejia3/livekyc/internal/objectstore/azure"
	s3store "github.com/andresmejia3/livekyc/internal/objectstore/s3"
	"github.com/andresmejia3/livekyc/internal/quality"
	"github.com/andresmejia3/livekyc/internal/records"
	"github.com/andresmejia3/livekyc/internal/store"
	"github.com/andresmejia3/livekyc/internal/video"
	vcv "github.com/andresmejia3/livekyc/internal/video/opencv"
	"github.com/andresmejia3/livekyc/internal/vision"
	"github.com/andresmejia3/livekyc/internal/vision/opencv"
	"github.com/andresmejia3/livekyc/internal/vision/pgvector"
	"github.com/andresmejia3/livekyc/internal/vision/rekognition"
)

// recordStore is what the commands need from either record backend.
type recordStore interface {
	records.Repository
	records.AccountVerifier
	Reset(ctx context.Context) error
}

var (
	_ recordStore = (*store.Store)(nil)
	_ recordStore = (*mongostore.Store)(nil)
)

// visionStack is the detector and registry pair plus the optional managed
// liveness sessions, which only Rekognition provides.
type visionStack struct {
	detector vision.FaceDetector
	registry vision.Registry
	sessions vision.LivenessSessions
}

// app wires collaborators lazily so each command only connects to what it
// uses. Everything opened is released by Close in reverse order.
type app struct {
	cfg     *config.Config
	closers []func()

	pg      *store.Store
	records recordStore
	aws     *aws.Config
	objects objectstore.Store
	vision  *visionStack
	pool    *landmarks.Pool
	service *enrollment.Service
}

func newApp(cfg *config.Config) *app {
	return &app{cfg: cfg}
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close releases everything in reverse order of acquisition. It uses a
// fresh context because the command context may already be cancelled.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) postgres(ctx context.Context) (*store.Store, error) {
	if a.pg != nil {
		return a.pg, nil
	}
	pg, err := store.New(ctx, a.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.onClose(func() { pg.Close(context.Background()) })
	a.pg = pg
	return pg, nil
}

// Records returns the configured identity record backend.
func (a *app) Records(ctx context.Context) (recordStore, error) {
	if a.records != nil {
		return a.records, nil
	}
	if err := a.cfg.ValidateFields(config.RecordFields...); err != nil {
		return nil, err
	}
	switch a.cfg.RecordStore {
	case "mongo":
		m, err := mongostore.Connect(ctx, a.cfg.MongoURI, a.cfg.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mongo: %w", err)
		}
		a.onClose(func() {
			if err := m.Close(context.Background()); err != nil {
				logger.Warning("mongo disconnect failed", logger.LoggerOptions{Key: "error", Data: err.Error()})
			}
		})
		a.records = m
	default:
		pg, err := a.postgres(ctx)
		if err != nil {
			return nil, err
		}
		a.records = pg
	}
	return a.records, nil
}

func (a *app) awsConfig(ctx context.Context) (aws.Config, error) {
	if a.aws != nil {
		return *a.aws, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load aws config: %w", err)
	}
	a.aws = &cfg
	return cfg, nil
}

// Objects returns the configured durable store.
func (a *app) Objects(ctx context.Context) (objectstore.Store, error) {
	if a.objects != nil {
		return a.objects, nil
	}
	if err := a.cfg.ValidateFields(config.StorageFields...); err != nil {
		return nil, err
	}
	switch a.cfg.ObjectStore {
	case "azure":
		st, err := azure.New(a.cfg.AzureAccount, a.cfg.AzureKey, a.cfg.AzureContainer)
		if err != nil {
			return nil, err
		}
		a.objects = st
	default:
		awsCfg, err := a.awsConfig(ctx)
		if err != nil {
			return nil, err
		}
		a.objects = s3store.New(s3.NewFromConfig(awsCfg), a.cfg.Bucket)
	}
	return a.objects, nil
}

// Extractors starts the landmark pool with one extractor per engine.
func (a *app) Extractors() (*landmarks.Pool, landmarks.EyeIndexMap, error) {
	mapName := a.cfg.LandmarkIndexMap
	if a.cfg.LandmarkBackend == "pigo" {
		mapName = "pigo"
	}
	eyes, err := landmarks.LookupIndexMap(mapName)
	if err != nil {
		return nil, landmarks.EyeIndexMap{}, err
	}
	if a.pool != nil {
		return a.pool, eyes, nil
	}

	var factory landmarks.Factory
	switch a.cfg.LandmarkBackend {
	case "pigo":
		factory = cascade.Factory(a.cfg.PigoCascadeDir)
	default:
		factory = worker.Factory(worker.Config{
			Command:     a.cfg.WorkerCommand,
			Args:        a.cfg.WorkerArgs,
			ReadTimeout: a.cfg.WorkerTimeout,
		})
	}
	pool, err := landmarks.NewPool(a.cfg.Engines, factory)
	if err != nil {
		return nil, landmarks.EyeIndexMap{}, fmt.Errorf("failed to start landmark engines: %w", err)
	}
	a.onClose(func() {
		if err := pool.Close(); err != nil {
			logger.Warning("landmark pool shutdown failed", logger.LoggerOptions{Key: "error", Data: err.Error()})
		}
	})
	a.pool = pool
	return pool, eyes, nil
}

// Vision returns the detector and registry for the configured backend.
func (a *app) Vision(ctx context.Context) (*visionStack, error) {
	if a.vision != nil {
		return a.vision, nil
	}
	if err := a.cfg.ValidateFields(config.VisionFields...); err != nil {
		return nil, err
	}

	switch a.cfg.VisionBackend {
	case "local":
		pg, err := a.postgres(ctx)
		if err != nil {
			return nil, err
		}
		pool, _, err := a.Extractors()
		if err != nil {
			return nil, err
		}
		det, err := opencv.New(opencv.DefaultConfig(a.cfg.FaceModelPath))
		if err != nil {
			return nil, err
		}
		a.onClose(func() { det.Close() })
		a.vision = &visionStack{detector: det, registry: pgvector.New(pg, pool)}
	default:
		awsCfg, err := a.awsConfig(ctx)
		if err != nil {
			return nil, err
		}
		client := rekognition.NewFromConfig(awsCfg, a.cfg.CollectionID)
		if err := client.EnsureCollection(ctx); err != nil {
			return nil, fmt.Errorf("failed to ensure face collection: %w", err)
		}
		a.vision = &visionStack{detector: client, registry: client, sessions: client}
	}
	return a.vision, nil
}

// LivenessConfig maps the configured thresholds onto the scorer.
func (a *app) LivenessConfig() liveness.Config {
	return liveness.Config{
		OpenThreshold:     a.cfg.OpenThreshold,
		CloseThreshold:    a.cfg.CloseThreshold,
		MinBlinks:         a.cfg.MinBlinks,
		GlareThreshold:    a.cfg.GlareThreshold,
		MaxCandidates:     a.cfg.MaxCandidates,
		StopWhenSatisfied: a.cfg.StopWhenSatisfied,
		MinConfidence:     a.cfg.MinLivenessConfidence,
	}
}

// Source returns the configured frame decoder.
func (a *app) Source() video.Source {
	if a.cfg.Decoder == "opencv" {
		return vcv.Source{}
	}
	return video.FFmpegSource{}
}

// Scorer builds a local liveness scorer over the landmark pool.
func (a *app) Scorer(opts ...liveness.Option) (*liveness.Scorer, error) {
	if err := a.cfg.ValidateFields(config.ScoringFields...); err != nil {
		return nil, err
	}
	pool, eyes, err := a.Extractors()
	if err != nil {
		return nil, err
	}
	return liveness.NewScorer(pool, eyes, a.LivenessConfig(), opts...), nil
}

// Service wires the full enrollment stack.
func (a *app) Service(ctx context.Context) (*enrollment.Service, error) {
	if a.service != nil {
		return a.service, nil
	}
	recs, err := a.Records(ctx)
	if err != nil {
		return nil, err
	}
	objects, err := a.Objects(ctx)
	if err != nil {
		return nil, err
	}
	vis, err := a.Vision(ctx)
	if err != nil {
		return nil, err
	}
	scorer, err := a.Scorer()
	if err != nil {
		return nil, err
	}

	pipeline := enrollment.NewPipeline(enrollment.Deps{
		Detector: vis.detector,
		Registry: vis.registry,
		Objects:  objects,
		Records:  recs,
		Verifier: recs,
		Namer:    objectstore.NewNamer(),
	}, enrollment.Config{
		MatchThreshold:      a.cfg.MatchThreshold,
		CompensationTimeout: a.cfg.CompensationTimeout,
	})

	ranker := quality.NewRanker(vis.detector)
	deps := enrollment.ServiceDeps{
		Pipeline: pipeline,
		Source:   a.Source(),
		Checker:  scorer,
		Ranker:   ranker,
		Records:  recs,
	}
	if vis.sessions != nil {
		deps.Sessions = liveness.NewSessionScorer(vis.sessions, ranker, a.LivenessConfig())
	}
	a.service = enrollment.NewService(deps)
	return a.service, nil
}
