// Package vision declares the face detection, identity registry and managed
// liveness contracts the pipeline depends on.
package vision

import "context"

// BoundingBox is expressed as ratios of the image size.
type BoundingBox struct {
	Left, Top, Width, Height float64
}

// Quality attributes reported for a detected face, each on a 0-100 scale.
type Quality struct {
	Brightness float64
	Sharpness  float64
}

// FaceDetail is one face found by a FaceDetector.
type FaceDetail struct {
	Box        BoundingBox
	Confidence float64
	Quality    *Quality
}

// Match is a registry hit. Similarity is a percentage.
type Match struct {
	FaceID     string
	Similarity float64
}

// FaceDetector reports the faces in an encoded image.
type FaceDetector interface {
	DetectFaces(ctx context.Context, image []byte) ([]FaceDetail, error)
}

// Registry is the identity registry of enrolled faces.
type Registry interface {
	// SearchFaceMatches returns up to maxFaces enrolled faces whose
	// similarity is at least threshold percent.
	SearchFaceMatches(ctx context.Context, image []byte, maxFaces int, threshold float64) ([]Match, error)
	// IndexFace enrolls the single face in image and returns its FaceID.
	IndexFace(ctx context.Context, image []byte) (string, error)
	DeleteFace(ctx context.Context, faceID string) error
}

// Session states reported by a managed liveness backend.
const (
	SessionCreated    = "CREATED"
	SessionInProgress = "IN_PROGRESS"
	SessionSucceeded  = "SUCCEEDED"
	SessionFailed     = "FAILED"
	SessionExpired    = "EXPIRED"
)

// SessionResult is the outcome of a managed liveness session. Confidence is
// a percentage. ReferenceImage is set when the backend returns its own
// best frame.
type SessionResult struct {
	Confidence     float64
	Status         string
	ReferenceImage []byte
}

// LivenessSessions is a managed liveness backend.
type LivenessSessions interface {
	CreateSession(ctx context.Context) (string, error)
	SessionResult(ctx context.Context, sessionID string) (*SessionResult, error)
}

// FrameSubmitter is implemented by backends that accept frames pushed from
// the server side.
type FrameSubmitter interface {
	SubmitFrame(ctx context.Context, sessionID string, frame []byte) error
}
