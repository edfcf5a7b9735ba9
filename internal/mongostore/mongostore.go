// Package mongostore keeps identity records and account verification flags
// in MongoDB.
package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/andresmejia3/livekyc/internal/logger"
	"github.com/andresmejia3/livekyc/internal/records"
)

const (
	identityCollection     = "IdentityRecords"
	verificationCollection = "AccountVerifications"
)

// Store implements records.Repository and records.AccountVerifier.
type Store struct {
	client        *mongo.Client
	identities    *mongo.Collection
	verifications *mongo.Collection
}

var (
	_ records.Repository      = (*Store)(nil)
	_ records.AccountVerifier = (*Store)(nil)
)

// Connect dials uri, selects the database and sets up the indexes.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	clientOpts := options.Client().ApplyURI(uri)
	clientOpts.SetMinPoolSize(5)
	clientOpts.SetMaxPoolSize(10)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	s := &Store{
		client:        client,
		identities:    client.Database(database).Collection(identityCollection),
		verifications: client.Database(database).Collection(verificationCollection),
	}
	if err := s.setUpIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	logger.Info("connected to mongodb successfully", logger.LoggerOptions{Key: "database", Data: database})
	return s, nil
}

func (s *Store) setUpIndexes(ctx context.Context) error {
	unique := []mongo.IndexModel{{
		Keys:    bson.D{{Key: "ownerID", Value: 1}},
		Options: options.Index().SetUnique(true),
	}}
	if _, err := s.identities.Indexes().CreateMany(ctx, unique); err != nil {
		return err
	}
	_, err := s.verifications.Indexes().CreateMany(ctx, unique)
	return err
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Upsert writes the owner's single record. createdAt is only set on insert.
func (s *Store) Upsert(ctx context.Context, rec records.Record) (*records.Record, error) {
	now := time.Now().UTC()
	update := bson.M{
		"$set": bson.M{
			"imageURL":  rec.ImageURL,
			"faceID":    rec.FaceID,
			"verified":  rec.Verified,
			"updatedAt": now,
		},
		"$setOnInsert": bson.M{
			"ownerID":   rec.OwnerID,
			"createdAt": now,
		},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var out records.Record
	err := s.identities.FindOneAndUpdate(ctx, bson.M{"ownerID": rec.OwnerID}, update, opts).Decode(&out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) Get(ctx context.Context, ownerID string) (*records.Record, error) {
	var out records.Record
	err := s.identities.FindOne(ctx, bson.M{"ownerID": ownerID}).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) List(ctx context.Context) ([]records.Record, error) {
	cur, err := s.identities.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}}))
	if err != nil {
		return nil, err
	}
	var out []records.Record
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkVerified is idempotent; the first verification time is kept.
func (s *Store) MarkVerified(ctx context.Context, ownerID string) error {
	_, err := s.verifications.UpdateOne(ctx,
		bson.M{"ownerID": ownerID},
		bson.M{"$setOnInsert": bson.M{"ownerID": ownerID, "verifiedAt": time.Now().UTC()}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *Store) IsVerified(ctx context.Context, ownerID string) (bool, error) {
	n, err := s.verifications.CountDocuments(ctx, bson.M{"ownerID": ownerID})
	return n > 0, err
}

// Reset drops both collections.
func (s *Store) Reset(ctx context.Context) error {
	if err := s.identities.Drop(ctx); err != nil {
		return err
	}
	return s.verifications.Drop(ctx)
}
