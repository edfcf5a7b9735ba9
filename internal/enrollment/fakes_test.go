package enrollment

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/livekyc/internal/objectstore"
	"github.com/andresmejia3/livekyc/internal/records"
	"github.com/andresmejia3/livekyc/internal/vision"
)

// fakeDetector reports one face unless the image is listed in faces.
type fakeDetector struct {
	faces map[string]int
	err   error
	calls int
}

func (d *fakeDetector) DetectFaces(ctx context.Context, image []byte) ([]vision.FaceDetail, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	n, ok := d.faces[string(image)]
	if !ok {
		n = 1
	}
	out := make([]vision.FaceDetail, n)
	for i := range out {
		out[i] = vision.FaceDetail{Confidence: 99, Quality: &vision.Quality{Brightness: 50, Sharpness: 50}}
	}
	return out, nil
}

// fakeRegistry matches an image against the images it indexed.
type fakeRegistry struct {
	mu       sync.Mutex
	indexed  map[string]string // faceID -> image
	searches int
	indexes  int
	deleted  []string

	searchErr error
	indexErr  error
	nextID    int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{indexed: map[string]string{}}
}

func (r *fakeRegistry) SearchFaceMatches(ctx context.Context, image []byte, maxFaces int, threshold float64) ([]vision.Match, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.searches++
	if r.searchErr != nil {
		return nil, r.searchErr
	}
	for id, img := range r.indexed {
		if img == string(image) && len(image) > 0 {
			return []vision.Match{{FaceID: id, Similarity: 99.9}}, nil
		}
	}
	return nil, nil
}

func (r *fakeRegistry) IndexFace(ctx context.Context, image []byte) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexes++
	if r.indexErr != nil {
		return "", r.indexErr
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.nextID++
	id := "face-" + strings.Repeat("x", r.nextID)
	r.indexed[id] = string(image)
	return id, nil
}

func (r *fakeRegistry) DeleteFace(ctx context.Context, faceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, faceID)
	delete(r.indexed, faceID)
	return nil
}

// fakeObjects records puts and deletes. onPut runs inside Put.
type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    []string
	deletes []string
	// deleteCtxErr holds ctx.Err() observed by each Delete.
	deleteCtxErr []error

	putErr error
	onPut  func()
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: map[string][]byte{}}
}

func (o *fakeObjects) Put(ctx context.Context, key string, data []byte) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.puts = append(o.puts, key)
	if o.putErr != nil {
		return "", o.putErr
	}
	o.objects[key] = data
	if o.onPut != nil {
		o.onPut()
	}
	return "https://bucket.example/" + key, nil
}

func (o *fakeObjects) Delete(ctx context.Context, key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deletes = append(o.deletes, key)
	o.deleteCtxErr = append(o.deleteCtxErr, ctx.Err())
	delete(o.objects, key)
	return nil
}

type fakeRecords struct {
	mu        sync.Mutex
	byOwner   map[string]records.Record
	upserts   int
	upsertErr error
	verified  map[string]int
	verifyErr error
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{byOwner: map[string]records.Record{}, verified: map[string]int{}}
}

func (r *fakeRecords) Upsert(ctx context.Context, rec records.Record) (*records.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts++
	if r.upsertErr != nil {
		return nil, r.upsertErr
	}
	now := time.Now()
	if existing, ok := r.byOwner[rec.OwnerID]; ok {
		rec.CreatedAt = existing.CreatedAt
	} else {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	r.byOwner[rec.OwnerID] = rec
	return &rec, nil
}

func (r *fakeRecords) Get(ctx context.Context, ownerID string) (*records.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byOwner[ownerID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (r *fakeRecords) List(ctx context.Context) ([]records.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []records.Record
	for _, rec := range r.byOwner {
		out = append(out, rec)
	}
	return out, nil
}

func (r *fakeRecords) MarkVerified(ctx context.Context, ownerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.verifyErr != nil {
		return r.verifyErr
	}
	r.verified[ownerID]++
	return nil
}

func (r *fakeRecords) IsVerified(ctx context.Context, ownerID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.verified[ownerID] > 0, nil
}

type fixture struct {
	detector *fakeDetector
	registry *fakeRegistry
	objects  *fakeObjects
	records  *fakeRecords
	pipeline *Pipeline
}

func newFixture() *fixture {
	f := &fixture{
		detector: &fakeDetector{},
		registry: newFakeRegistry(),
		objects:  newFakeObjects(),
		records:  newFakeRecords(),
	}
	f.pipeline = NewPipeline(Deps{
		Detector: f.detector,
		Registry: f.registry,
		Objects:  f.objects,
		Records:  f.records,
		Verifier: f.records,
		Namer:    objectstore.NewNamer(),
	}, Config{MatchThreshold: 95, CompensationTimeout: time.Second})
	return f
}

var errBoom = errors.New("boom")
