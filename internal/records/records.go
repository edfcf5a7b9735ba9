// Package records defines the persisted identity record and the
// repositories that hold it.
package records

import (
	"context"
	"time"
)

// Record is the single identity record kept per owner.
type Record struct {
	OwnerID   string    `json:"ownerId" bson:"ownerID"`
	ImageURL  string    `json:"imageUrl" bson:"imageURL"`
	FaceID    string    `json:"faceId" bson:"faceID"`
	Verified  bool      `json:"verified" bson:"verified"`
	CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updatedAt"`
}

// Repository stores at most one Record per owner.
type Repository interface {
	// Upsert creates the owner's record or overwrites ImageURL, FaceID and
	// Verified on the existing one. CreatedAt is kept on update.
	Upsert(ctx context.Context, rec Record) (*Record, error)
	// Get returns nil, nil when the owner has no record.
	Get(ctx context.Context, ownerID string) (*Record, error)
	List(ctx context.Context) ([]Record, error)
}

// AccountVerifier flags the owning account as verified once enrollment
// completes.
type AccountVerifier interface {
	MarkVerified(ctx context.Context, ownerID string) error
	IsVerified(ctx context.Context, ownerID string) (bool, error)
}
