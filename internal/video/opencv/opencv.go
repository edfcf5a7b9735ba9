// Package opencv reads clips in-process through OpenCV's VideoCapture.
package opencv

import (
	"context"
	"fmt"
	"io"

	"github.com/andresmejia3/livekyc/internal/video"
	"gocv.io/x/gocv"
)

// Source opens clips with gocv.VideoCaptureFile and re-encodes each decoded
// frame as JPEG so downstream consumers see the same Frame format as the
// ffmpeg source.
type Source struct{}

var _ video.Source = Source{}

func (Source) Open(ctx context.Context, path string) (video.Stream, error) {
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", video.ErrUnopenable, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("%w: %s", video.ErrUnopenable, path)
	}
	return &stream{vc: vc, mat: gocv.NewMat()}, nil
}

type stream struct {
	vc    *gocv.VideoCapture
	mat   gocv.Mat
	index int
}

func (s *stream) Next(ctx context.Context) (video.Frame, error) {
	if err := ctx.Err(); err != nil {
		return video.Frame{}, err
	}
	if ok := s.vc.Read(&s.mat); !ok || s.mat.Empty() {
		return video.Frame{}, io.EOF
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, s.mat)
	if err != nil {
		return video.Frame{}, fmt.Errorf("encode frame %d: %w", s.index, err)
	}
	defer buf.Close()

	data := make([]byte, buf.Len())
	copy(data, buf.GetBytes())

	f := video.Frame{Index: s.index, Data: data}
	s.index++
	return f, nil
}

func (s *stream) Close() error {
	s.mat.Close()
	return s.vc.Close()
}
