// Package pgvector is a self-hosted identity registry: face embeddings from
// the landmark worker stored in Postgres and matched by cosine distance.
package pgvector

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/andresmejia3/livekyc/internal/landmarks"
	"github.com/andresmejia3/livekyc/internal/store"
	"github.com/andresmejia3/livekyc/internal/vision"
)

// FaceIndex is the vector storage, implemented by *store.Store.
type FaceIndex interface {
	FindClosestFaces(ctx context.Context, vec []float64, maxDistance float64, limit int) ([]store.FaceDistance, error)
	InsertFace(ctx context.Context, faceID string, vec []float64) error
	DeleteFace(ctx context.Context, faceID string) error
}

var _ FaceIndex = (*store.Store)(nil)

// ErrNoEmbedding is returned when the image does not contain exactly one
// face with an identity vector.
var ErrNoEmbedding = errors.New("image must contain exactly one face with an embedding")

// Registry implements vision.Registry on top of a FaceIndex.
type Registry struct {
	index     FaceIndex
	extractor landmarks.Extractor
}

var _ vision.Registry = (*Registry)(nil)

// New pairs the vector index with an extractor that returns embeddings,
// usually a landmarks.Pool of worker processes.
func New(index FaceIndex, extractor landmarks.Extractor) *Registry {
	return &Registry{index: index, extractor: extractor}
}

func (r *Registry) embed(ctx context.Context, image []byte) ([]float64, error) {
	faces, err := r.extractor.Detect(ctx, image)
	if err != nil {
		return nil, err
	}
	if len(faces) != 1 || len(faces[0].Embedding) == 0 {
		return nil, ErrNoEmbedding
	}
	return faces[0].Embedding, nil
}

// SearchFaceMatches converts the percentage threshold into a cosine
// distance bound: similarity = (1 - distance) * 100.
func (r *Registry) SearchFaceMatches(ctx context.Context, image []byte, maxFaces int, threshold float64) ([]vision.Match, error) {
	vec, err := r.embed(ctx, image)
	if err != nil {
		return nil, err
	}
	// Inclusive threshold over a strict SQL bound.
	maxDistance := 1 - threshold/100 + 1e-9
	hits, err := r.index.FindClosestFaces(ctx, vec, maxDistance, maxFaces)
	if err != nil {
		return nil, fmt.Errorf("search registry: %w", err)
	}
	matches := make([]vision.Match, len(hits))
	for i, h := range hits {
		matches[i] = vision.Match{FaceID: h.FaceID, Similarity: (1 - h.Distance) * 100}
	}
	return matches, nil
}

func (r *Registry) IndexFace(ctx context.Context, image []byte) (string, error) {
	vec, err := r.embed(ctx, image)
	if err != nil {
		return "", err
	}
	faceID := uuid.NewString()
	if err := r.index.InsertFace(ctx, faceID, vec); err != nil {
		return "", fmt.Errorf("index face: %w", err)
	}
	return faceID, nil
}

func (r *Registry) DeleteFace(ctx context.Context, faceID string) error {
	return r.index.DeleteFace(ctx, faceID)
}
