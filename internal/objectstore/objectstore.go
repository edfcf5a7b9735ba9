// Package objectstore persists enrolled face images.
package objectstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"path"
	"strconv"
	"time"
)

// Namespaces used by the enrollment flows.
const (
	NamespaceSelfies  = "selfies"
	NamespaceLiveness = "liveness"
)

// Store is a durable blob store.
type Store interface {
	// Put writes data under key and returns its retrievable URL.
	Put(ctx context.Context, key string, data []byte) (string, error)
	Delete(ctx context.Context, key string) error
}

// Namer derives object keys. The salt makes every upload unique, even for
// identical bytes.
type Namer struct {
	Now func() time.Time
}

// NewNamer returns a Namer using the wall clock.
func NewNamer() Namer {
	return Namer{Now: time.Now}
}

// Digest is the hex MD5 of data followed by the nanosecond timestamp salt.
func (n Namer) Digest(data []byte) string {
	now := time.Now
	if n.Now != nil {
		now = n.Now
	}
	h := md5.New()
	h.Write(data)
	h.Write([]byte(strconv.FormatInt(now().UnixNano(), 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// Key returns "<namespace>/<digest>.jpg".
func (n Namer) Key(namespace string, data []byte) string {
	return path.Join(namespace, n.Digest(data)+".jpg")
}
