// Package video turns an uploaded clip into an ordered sequence of encoded
// frames.
package video

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// Frame is one encoded raster (JPEG unless the source says otherwise) plus
// its position in the clip. Frames are owned by the invocation that read them.
type Frame struct {
	Index int
	Data  []byte
}

// Stream yields frames in order. Next returns io.EOF once the clip is
// exhausted. Close must be called on every exit path.
type Stream interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// Source opens a clip on disk.
type Source interface {
	Open(ctx context.Context, path string) (Stream, error)
}

// ErrUnopenable marks a clip the decoder refused outright.
var ErrUnopenable = errors.New("video cannot be opened")

// SliceStream replays frames already held in memory, such as the frames a
// client submitted for a liveness session.
type SliceStream struct {
	frames []Frame
	pos    int
}

// NewSliceStream wraps encoded rasters, numbering them from 0.
func NewSliceStream(data [][]byte) *SliceStream {
	frames := make([]Frame, len(data))
	for i, d := range data {
		frames[i] = Frame{Index: i, Data: d}
	}
	return &SliceStream{frames: frames}
}

func (s *SliceStream) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if s.pos >= len(s.frames) {
		return Frame{}, io.EOF
	}
	f := s.frames[s.pos]
	s.pos++
	return f, nil
}

func (s *SliceStream) Close() error { return nil }

// Drain reads the remaining frames of s.
func Drain(ctx context.Context, s Stream) ([]Frame, error) {
	var frames []Frame
	for {
		f, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
	}
}

// SpoolTemp copies r into a uniquely named temporary file and returns its
// path together with a cleanup func that removes it. Cleanup is safe to call
// more than once.
func SpoolTemp(r io.Reader, pattern string) (string, func(), error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", func() {}, fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() { os.Remove(f.Name()) }

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		cleanup()
		return "", func() {}, fmt.Errorf("spool upload: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("spool upload: %w", err)
	}
	return f.Name(), cleanup, nil
}
