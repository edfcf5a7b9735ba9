// Package rekognition backs the face detector, the identity registry and the
// managed liveness sessions with Amazon Rekognition.
package rekognition

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"

	"github.com/andresmejia3/livekyc/internal/logger"
	"github.com/andresmejia3/livekyc/internal/vision"
)

// API is the subset of *rekognition.Client used here.
type API interface {
	DetectFaces(ctx context.Context, in *rekognition.DetectFacesInput, optFns ...func(*rekognition.Options)) (*rekognition.DetectFacesOutput, error)
	SearchFacesByImage(ctx context.Context, in *rekognition.SearchFacesByImageInput, optFns ...func(*rekognition.Options)) (*rekognition.SearchFacesByImageOutput, error)
	IndexFaces(ctx context.Context, in *rekognition.IndexFacesInput, optFns ...func(*rekognition.Options)) (*rekognition.IndexFacesOutput, error)
	DeleteFaces(ctx context.Context, in *rekognition.DeleteFacesInput, optFns ...func(*rekognition.Options)) (*rekognition.DeleteFacesOutput, error)
	CreateCollection(ctx context.Context, in *rekognition.CreateCollectionInput, optFns ...func(*rekognition.Options)) (*rekognition.CreateCollectionOutput, error)
	CreateFaceLivenessSession(ctx context.Context, in *rekognition.CreateFaceLivenessSessionInput, optFns ...func(*rekognition.Options)) (*rekognition.CreateFaceLivenessSessionOutput, error)
	GetFaceLivenessSessionResults(ctx context.Context, in *rekognition.GetFaceLivenessSessionResultsInput, optFns ...func(*rekognition.Options)) (*rekognition.GetFaceLivenessSessionResultsOutput, error)
}

var _ API = (*rekognition.Client)(nil)

// ErrNoFaceIndexed is returned when IndexFaces filters out every face.
var ErrNoFaceIndexed = errors.New("rekognition indexed no face")

// Client adapts the Rekognition API to the vision contracts. All registry
// calls target a single collection.
type Client struct {
	api          API
	collectionID string
}

var (
	_ vision.FaceDetector     = (*Client)(nil)
	_ vision.Registry         = (*Client)(nil)
	_ vision.LivenessSessions = (*Client)(nil)
)

func New(api API, collectionID string) *Client {
	return &Client{api: api, collectionID: collectionID}
}

// NewFromConfig builds the client from an aws.Config, typically loaded with
// config.LoadDefaultConfig.
func NewFromConfig(cfg aws.Config, collectionID string) *Client {
	return New(rekognition.NewFromConfig(cfg), collectionID)
}

// EnsureCollection creates the collection. An existing collection is not an error.
func (c *Client) EnsureCollection(ctx context.Context) error {
	_, err := c.api.CreateCollection(ctx, &rekognition.CreateCollectionInput{
		CollectionId: aws.String(c.collectionID),
	})
	var exists *types.ResourceAlreadyExistsException
	if errors.As(err, &exists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create collection %s: %w", c.collectionID, err)
	}
	logger.Info("Created face collection", logger.LoggerOptions{Key: "collection", Data: c.collectionID})
	return nil
}

func f64(p *float32) float64 {
	if p == nil {
		return 0
	}
	return float64(*p)
}

func (c *Client) DetectFaces(ctx context.Context, image []byte) ([]vision.FaceDetail, error) {
	out, err := c.api.DetectFaces(ctx, &rekognition.DetectFacesInput{
		Image:      &types.Image{Bytes: image},
		Attributes: []types.Attribute{types.AttributeAll},
	})
	if err != nil {
		return nil, err
	}

	faces := make([]vision.FaceDetail, 0, len(out.FaceDetails))
	for _, fd := range out.FaceDetails {
		face := vision.FaceDetail{Confidence: f64(fd.Confidence)}
		if bb := fd.BoundingBox; bb != nil {
			face.Box = vision.BoundingBox{Left: f64(bb.Left), Top: f64(bb.Top), Width: f64(bb.Width), Height: f64(bb.Height)}
		}
		if q := fd.Quality; q != nil {
			face.Quality = &vision.Quality{Brightness: f64(q.Brightness), Sharpness: f64(q.Sharpness)}
		}
		faces = append(faces, face)
	}
	return faces, nil
}

func (c *Client) SearchFaceMatches(ctx context.Context, image []byte, maxFaces int, threshold float64) ([]vision.Match, error) {
	out, err := c.api.SearchFacesByImage(ctx, &rekognition.SearchFacesByImageInput{
		CollectionId:       aws.String(c.collectionID),
		Image:              &types.Image{Bytes: image},
		MaxFaces:           aws.Int32(int32(maxFaces)),
		FaceMatchThreshold: aws.Float32(float32(threshold)),
	})
	if err != nil {
		return nil, err
	}

	matches := make([]vision.Match, 0, len(out.FaceMatches))
	for _, m := range out.FaceMatches {
		if m.Face == nil {
			continue
		}
		matches = append(matches, vision.Match{FaceID: aws.ToString(m.Face.FaceId), Similarity: f64(m.Similarity)})
	}
	return matches, nil
}

func (c *Client) IndexFace(ctx context.Context, image []byte) (string, error) {
	out, err := c.api.IndexFaces(ctx, &rekognition.IndexFacesInput{
		CollectionId:        aws.String(c.collectionID),
		Image:               &types.Image{Bytes: image},
		MaxFaces:            aws.Int32(1),
		QualityFilter:       types.QualityFilterAuto,
		DetectionAttributes: []types.Attribute{types.AttributeAll},
	})
	if err != nil {
		return "", err
	}
	if len(out.FaceRecords) == 0 || out.FaceRecords[0].Face == nil {
		return "", ErrNoFaceIndexed
	}
	return aws.ToString(out.FaceRecords[0].Face.FaceId), nil
}

func (c *Client) DeleteFace(ctx context.Context, faceID string) error {
	_, err := c.api.DeleteFaces(ctx, &rekognition.DeleteFacesInput{
		CollectionId: aws.String(c.collectionID),
		FaceIds:      []string{faceID},
	})
	return err
}

func (c *Client) CreateSession(ctx context.Context) (string, error) {
	out, err := c.api.CreateFaceLivenessSession(ctx, &rekognition.CreateFaceLivenessSessionInput{})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.SessionId), nil
}

func (c *Client) SessionResult(ctx context.Context, sessionID string) (*vision.SessionResult, error) {
	out, err := c.api.GetFaceLivenessSessionResults(ctx, &rekognition.GetFaceLivenessSessionResultsInput{
		SessionId: aws.String(sessionID),
	})
	if err != nil {
		return nil, err
	}
	res := &vision.SessionResult{
		Confidence: f64(out.Confidence),
		Status:     string(out.Status),
	}
	if out.ReferenceImage != nil {
		res.ReferenceImage = out.ReferenceImage.Bytes
	}
	return res, nil
}
