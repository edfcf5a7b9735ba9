package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/andresmejia3/livekyc/internal/records"
)

// EmbeddingDim is the width of the registry's face vectors.
const EmbeddingDim = 512

// Store manages the PostgreSQL pool: identity records, account verification
// flags and the pgvector face registry.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ records.Repository      = (*Store)(nil)
	_ records.AccountVerifier = (*Store)(nil)
)

// New establishes a connection pool and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the necessary tables and vector extension if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS identity_records (
			owner_id TEXT PRIMARY KEY,
			image_url TEXT NOT NULL,
			face_id TEXT NOT NULL,
			verified BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS account_verifications (
			owner_id TEXT PRIMARY KEY,
			verified_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS registry_faces (
			face_id TEXT PRIMARY KEY,
			embedding VECTOR(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`, EmbeddingDim)
	_, err := pool.Exec(ctx, query)
	return err
}

// Close terminates the pool.
func (s *Store) Close(ctx context.Context) {
	s.pool.Close()
}

const recordColumns = "owner_id, image_url, face_id, verified, created_at, updated_at"

func scanRecord(row pgx.Row) (*records.Record, error) {
	var r records.Record
	if err := row.Scan(&r.OwnerID, &r.ImageURL, &r.FaceID, &r.Verified, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// Upsert creates the owner's record, or overwrites the image, face and
// verification flag of the existing one.
func (s *Store) Upsert(ctx context.Context, rec records.Record) (*records.Record, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO identity_records (owner_id, image_url, face_id, verified, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (owner_id) DO UPDATE SET
			image_url = EXCLUDED.image_url,
			face_id = EXCLUDED.face_id,
			verified = EXCLUDED.verified,
			updated_at = NOW()
		RETURNING `+recordColumns,
		rec.OwnerID, rec.ImageURL, rec.FaceID, rec.Verified)
	return scanRecord(row)
}

// Get returns nil, nil when the owner has no record.
func (s *Store) Get(ctx context.Context, ownerID string) (*records.Record, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+recordColumns+" FROM identity_records WHERE owner_id = $1", ownerID)
	r, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// List returns all records, most recently updated first.
func (s *Store) List(ctx context.Context) ([]records.Record, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+recordColumns+" FROM identity_records ORDER BY updated_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []records.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// MarkVerified flags the owner's account. Repeating it keeps the first timestamp.
func (s *Store) MarkVerified(ctx context.Context, ownerID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO account_verifications (owner_id, verified_at)
		VALUES ($1, NOW())
		ON CONFLICT (owner_id) DO NOTHING
	`, ownerID)
	return err
}

// IsVerified reports whether MarkVerified was called for the owner.
func (s *Store) IsVerified(ctx context.Context, ownerID string) (bool, error) {
	var verified bool
	err := s.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM account_verifications WHERE owner_id = $1)", ownerID).Scan(&verified)
	return verified, err
}

// vecToString formats a float slice into a PostgreSQL vector string format "[1.0,2.0,...]"
func vecToString(vec []float64) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%f", v)
	}
	b.WriteByte(']')
	return b.String()
}

// FaceDistance is a registry hit with its cosine distance.
type FaceDistance struct {
	FaceID   string
	Distance float64
}

// FindClosestFaces searches for the nearest neighbours using cosine distance.
// Only faces strictly closer than maxDistance are returned, nearest first.
func (s *Store) FindClosestFaces(ctx context.Context, vec []float64, maxDistance float64, limit int) ([]FaceDistance, error) {
	if len(vec) != EmbeddingDim {
		return nil, fmt.Errorf("embedding has %d dimensions, registry expects %d", len(vec), EmbeddingDim)
	}
	vecStr := vecToString(vec)
	// <=> is the cosine distance operator in pgvector
	rows, err := s.pool.Query(ctx, `
		SELECT face_id, embedding <=> $1::vector AS distance
		FROM registry_faces
		WHERE embedding <=> $1::vector < $2
		ORDER BY distance ASC
		LIMIT $3
	`, vecStr, maxDistance, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FaceDistance
	for rows.Next() {
		var fd FaceDistance
		if err := rows.Scan(&fd.FaceID, &fd.Distance); err != nil {
			return nil, err
		}
		out = append(out, fd)
	}
	return out, rows.Err()
}

// InsertFace adds a face vector to the registry.
func (s *Store) InsertFace(ctx context.Context, faceID string, vec []float64) error {
	if len(vec) != EmbeddingDim {
		return fmt.Errorf("embedding has %d dimensions, registry expects %d", len(vec), EmbeddingDim)
	}
	_, err := s.pool.Exec(ctx, "INSERT INTO registry_faces (face_id, embedding) VALUES ($1, $2::vector)", faceID, vecToString(vec))
	return err
}

// DeleteFace removes a face from the registry; a missing face is not an error.
func (s *Store) DeleteFace(ctx context.Context, faceID string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM registry_faces WHERE face_id = $1", faceID)
	return err
}

// CountFaces returns the registry size.
func (s *Store) CountFaces(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM registry_faces").Scan(&n)
	return n, err
}

// Reset drops the identity record and account verification tables. The
// face registry is left alone; see ResetRegistry.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS identity_records CASCADE;
		DROP TABLE IF EXISTS account_verifications CASCADE;
	`)
	return err
}

// ResetRegistry drops the pgvector face registry.
func (s *Store) ResetRegistry(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "DROP TABLE IF EXISTS registry_faces CASCADE")
	return err
}
