// Package enrollment turns a verified selfie into a registered identity: it
// rejects duplicates, stores the image, indexes the face and records the
// result, undoing earlier side effects when a later step fails.
package enrollment

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/andresmejia3/livekyc/internal/kycerr"
	"github.com/andresmejia3/livekyc/internal/logger"
	"github.com/andresmejia3/livekyc/internal/objectstore"
	"github.com/andresmejia3/livekyc/internal/records"
	"github.com/andresmejia3/livekyc/internal/vision"
)

// DefaultMatchThreshold is the similarity percentage at which an existing
// registry face counts as the same person.
const DefaultMatchThreshold = 95.0

// Config tunes the pipeline.
type Config struct {
	MatchThreshold float64
	// CompensationTimeout bounds rollback calls, which run on a context
	// detached from the caller's cancellation.
	CompensationTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MatchThreshold:      DefaultMatchThreshold,
		CompensationTimeout: 15 * time.Second,
	}
}

// Deps are the collaborators the pipeline drives. Verifier may be nil.
type Deps struct {
	Detector vision.FaceDetector
	Registry vision.Registry
	Objects  objectstore.Store
	Records  records.Repository
	Verifier records.AccountVerifier
	Namer    objectstore.Namer
}

// Pipeline enrolls one face per call. It holds no per-call state and is
// safe for concurrent use when its collaborators are.
type Pipeline struct {
	deps Deps
	cfg  Config
}

// Result describes a completed enrollment.
type Result struct {
	AttemptID string
	Key       string
	Record    *records.Record
}

func NewPipeline(deps Deps, cfg Config) *Pipeline {
	if deps.Namer.Now == nil {
		deps.Namer = objectstore.NewNamer()
	}
	if cfg.MatchThreshold <= 0 {
		cfg.MatchThreshold = DefaultMatchThreshold
	}
	if cfg.CompensationTimeout <= 0 {
		cfg.CompensationTimeout = DefaultConfig().CompensationTimeout
	}
	return &Pipeline{deps: deps, cfg: cfg}
}

// attempt carries the identifiers of one Enroll call for logging and rollback.
type attempt struct {
	id    string
	owner string
	key   string
	face  string
}

func (a *attempt) log(step string, extra ...logger.LoggerOptions) {
	opts := append([]logger.LoggerOptions{
		{Key: "attempt", Data: a.id},
		{Key: "owner", Data: a.owner},
		{Key: "step", Data: step},
	}, extra...)
	logger.Info("enrollment step", opts...)
}

// Enroll runs the steps in order and stops at the first failure. Every
// returned error carries a kycerr.Kind. If ctx is cancelled after the image
// was stored, the stored image (and indexed face) are removed before
// returning.
func (p *Pipeline) Enroll(ctx context.Context, ownerID string, image []byte, namespace string) (*Result, error) {
	a := &attempt{id: uuid.NewString(), owner: ownerID}
	a.log("received", logger.LoggerOptions{Key: "namespace", Data: namespace})

	faces, err := p.deps.Detector.DetectFaces(ctx, image)
	if err != nil {
		return nil, p.fail(a, kycerr.RegistryUnavailable, "detect faces", err)
	}
	if len(faces) != 1 {
		return nil, p.fail(a, kycerr.NoFaceOrMultipleFaces, "detect faces", nil,
			logger.LoggerOptions{Key: "faces", Data: len(faces)})
	}
	a.log("face_checked")

	matches, err := p.deps.Registry.SearchFaceMatches(ctx, image, 1, p.cfg.MatchThreshold)
	if err != nil {
		return nil, p.fail(a, kycerr.RegistryUnavailable, "search registry", err)
	}
	if len(matches) > 0 {
		rec, resumed, err := p.resumeVerification(ctx, a, matches[0].FaceID)
		if err != nil {
			return nil, p.fail(a, kycerr.RecordWriteFailed, "mark account verified", err)
		}
		if resumed {
			a.log("recorded", logger.LoggerOptions{Key: "resumed", Data: true})
			return &Result{AttemptID: a.id, Record: rec}, nil
		}
		return nil, p.fail(a, kycerr.DuplicateFace, "search registry", nil,
			logger.LoggerOptions{Key: "similarity", Data: matches[0].Similarity})
	}
	a.log("duplicate_checked")

	if err := ctx.Err(); err != nil {
		return nil, p.fail(a, kycerr.StorageWriteFailed, "store image", err)
	}
	a.key = p.deps.Namer.Key(namespace, image)
	url, err := p.deps.Objects.Put(ctx, a.key, image)
	if err != nil {
		return nil, p.fail(a, kycerr.StorageWriteFailed, "store image", err)
	}
	a.log("uploaded", logger.LoggerOptions{Key: "key", Data: a.key})

	if err := ctx.Err(); err != nil {
		p.compensate(ctx, a)
		return nil, p.fail(a, kycerr.IndexingFailed, "index face", err)
	}
	faceID, err := p.deps.Registry.IndexFace(ctx, image)
	if err != nil {
		p.compensate(ctx, a)
		return nil, p.fail(a, kycerr.IndexingFailed, "index face", err)
	}
	a.face = faceID
	a.log("indexed", logger.LoggerOptions{Key: "faceId", Data: faceID})

	if err := ctx.Err(); err != nil {
		p.compensate(ctx, a)
		return nil, p.fail(a, kycerr.RecordWriteFailed, "write record", err)
	}
	rec, err := p.deps.Records.Upsert(ctx, records.Record{
		OwnerID:  ownerID,
		ImageURL: url,
		FaceID:   faceID,
		Verified: true,
	})
	if err != nil {
		p.compensate(ctx, a)
		return nil, p.fail(a, kycerr.RecordWriteFailed, "write record", err)
	}

	// The record already points at the image and face from here on.
	if p.deps.Verifier != nil {
		if err := p.deps.Verifier.MarkVerified(ctx, ownerID); err != nil {
			return nil, p.fail(a, kycerr.RecordWriteFailed, "mark account verified", err)
		}
	}
	a.log("recorded")

	return &Result{AttemptID: a.id, Key: a.key, Record: rec}, nil
}

// resumeVerification finishes an earlier attempt that wrote the record but
// failed to flag the account. It only applies when the match is the owner's
// own recorded face and the account is still unverified; any other match
// is a duplicate.
func (p *Pipeline) resumeVerification(ctx context.Context, a *attempt, faceID string) (*records.Record, bool, error) {
	if p.deps.Verifier == nil {
		return nil, false, nil
	}
	rec, err := p.deps.Records.Get(ctx, a.owner)
	if err != nil {
		return nil, false, err
	}
	if rec == nil || rec.FaceID != faceID {
		return nil, false, nil
	}
	verified, err := p.deps.Verifier.IsVerified(ctx, a.owner)
	if err != nil {
		return nil, false, err
	}
	if verified {
		return nil, false, nil
	}
	if err := p.deps.Verifier.MarkVerified(ctx, a.owner); err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (p *Pipeline) fail(a *attempt, kind kycerr.Kind, op string, err error, extra ...logger.LoggerOptions) error {
	opts := append([]logger.LoggerOptions{
		{Key: "attempt", Data: a.id},
		{Key: "owner", Data: a.owner},
		{Key: "kind", Data: string(kind)},
		{Key: "op", Data: op},
	}, extra...)
	if err != nil {
		opts = append(opts, logger.LoggerOptions{Key: "error", Data: err.Error()})
	}
	logger.Warning("enrollment failed", opts...)
	return kycerr.New(kind, op, err)
}

// compensate removes the indexed face (if any) and then the stored image.
// Each call is attempted once; failures are logged, never returned.
func (p *Pipeline) compensate(ctx context.Context, a *attempt) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.CompensationTimeout)
	defer cancel()

	if a.face != "" {
		if err := p.deps.Registry.DeleteFace(ctx, a.face); err != nil {
			logger.Error("compensation: delete face failed",
				logger.LoggerOptions{Key: "attempt", Data: a.id},
				logger.LoggerOptions{Key: "faceId", Data: a.face},
				logger.LoggerOptions{Key: "error", Data: err.Error()},
			)
		}
	}
	if a.key != "" {
		if err := p.deps.Objects.Delete(ctx, a.key); err != nil {
			logger.Error("compensation: delete image failed",
				logger.LoggerOptions{Key: "attempt", Data: a.id},
				logger.LoggerOptions{Key: "key", Data: a.key},
				logger.LoggerOptions{Key: "error", Data: err.Error()},
			)
		}
	}
	a.log("compensated")
}
