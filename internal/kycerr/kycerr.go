// Package kycerr defines the failure taxonomy shared by the liveness scorer,
// the enrollment pipeline and the transports that surface them.
package kycerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of enrollment failure. Kinds are comparable and
// can be used directly as errors.Is targets.
type Kind string

const (
	VideoUnreadable       Kind = "VIDEO_UNREADABLE"
	NoFaceOrMultipleFaces Kind = "INVALID_FACE_IMAGE"
	DuplicateFace         Kind = "DUPLICATE_FACE"
	StorageWriteFailed    Kind = "STORAGE_WRITE_FAILED"
	IndexingFailed        Kind = "INDEXING_FAILED"
	RegistryUnavailable   Kind = "REGISTRY_UNAVAILABLE"
	GlareDetected         Kind = "GLARE_DETECTED"
	LivenessFailed        Kind = "LIVENESS_FAILED"
	RecordWriteFailed     Kind = "RECORD_WRITE_FAILED"
	InvalidSubmission     Kind = "INVALID_SUBMISSION"
	LandmarkUnavailable   Kind = "LANDMARK_UNAVAILABLE"
)

// retry policy of a kind
type policy int

const (
	final    policy = iota
	retry           // same request, no user action
	resubmit        // the user has to capture again
)

type details struct {
	message string
	policy  policy
	status  int
}

var kinds = map[Kind]details{
	VideoUnreadable:       {"We could not read your video. Please record it again.", resubmit, http.StatusUnprocessableEntity},
	NoFaceOrMultipleFaces: {"Exactly one face must be visible in the picture.", resubmit, http.StatusBadRequest},
	DuplicateFace:         {"This face is already registered.", final, http.StatusConflict},
	StorageWriteFailed:    {"We could not save your picture. Please try again shortly.", retry, http.StatusServiceUnavailable},
	IndexingFailed:        {"We could not register your face. Please try again shortly.", retry, http.StatusServiceUnavailable},
	RegistryUnavailable:   {"Face verification is temporarily unavailable. Please try again shortly.", retry, http.StatusServiceUnavailable},
	GlareDetected:         {"Too much glare. Move away from bright light and try again.", resubmit, http.StatusUnprocessableEntity},
	LivenessFailed:        {"We could not confirm you are live. Blink naturally and try again.", resubmit, http.StatusUnprocessableEntity},
	RecordWriteFailed:     {"We could not save your verification. Please try again shortly.", retry, http.StatusServiceUnavailable},
	InvalidSubmission:     {"Provide exactly one selfie image or video.", final, http.StatusBadRequest},
	LandmarkUnavailable:   {"Liveness scoring is temporarily unavailable. Please try again shortly.", retry, http.StatusServiceUnavailable},
}

// Error implements error so a Kind can be returned or matched on its own.
func (k Kind) Error() string { return string(k) }

// Message is the stable, user-facing text for the kind.
func (k Kind) Message() string {
	if d, ok := kinds[k]; ok {
		return d.message
	}
	return "Something went wrong. Please try again later."
}

// Retryable reports whether repeating the same request can succeed without
// any user action, i.e. the failure was a backend outage.
func (k Kind) Retryable() bool { return kinds[k].policy == retry }

// NeedsResubmission reports whether the user has to capture a new selfie or
// clip. Repeating the same payload gives the same result.
func (k Kind) NeedsResubmission() bool { return kinds[k].policy == resubmit }

// HTTPStatus maps the kind onto a response status.
func (k Kind) HTTPStatus() int {
	if d, ok := kinds[k]; ok {
		return d.status
	}
	return http.StatusInternalServerError
}

// Kinds lists every known kind.
func Kinds() []Kind {
	return []Kind{
		VideoUnreadable, NoFaceOrMultipleFaces, DuplicateFace, StorageWriteFailed, IndexingFailed,
		RegistryUnavailable, GlareDetected, LivenessFailed, RecordWriteFailed, InvalidSubmission,
		LandmarkUnavailable,
	}
}

// Error is a failure of one pipeline step.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New builds an *Error. err may be nil.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches both another *Error of the same kind and a bare Kind.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t
	case *Error:
		return e.Kind == t.Kind
	}
	return false
}

// KindOf extracts the kind from err, or "" if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return ""
}
