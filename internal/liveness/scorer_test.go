package liveness

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"testing"

	"github.com/andresmejia3/livekyc/internal/geometry"
	"github.com/andresmejia3/livekyc/internal/kycerr"
	"github.com/andresmejia3/livekyc/internal/landmarks"
	"github.com/andresmejia3/livekyc/internal/video"
)

const (
	open   = 0.35
	closed = 0.1
	bright = 250
	normal = 110
)

func jpegOf(t *testing.T, level uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{level, level, level, 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// eye builds a contour whose EAR is exactly ear.
func eye(dx, ear float64) []geometry.Point {
	h := 2 * ear
	return []geometry.Point{
		{X: dx, Y: 0}, {X: dx + 1, Y: -h}, {X: dx + 3, Y: -h},
		{X: dx + 4, Y: 0}, {X: dx + 3, Y: h}, {X: dx + 1, Y: h},
	}
}

// dlibFace places both eyes of a 68 point set at the given aspect ratios.
func dlibFace(leftEAR, rightEAR float64) landmarks.Face {
	points := make([]geometry.Point, 68)
	copy(points[36:42], eye(0, leftEAR))
	copy(points[42:48], eye(10, rightEAR))
	return landmarks.Face{Box: image.Rect(0, 0, 20, 20), Points: points}
}

// scriptedExtractor answers Detect calls in order.
type scriptedExtractor struct {
	answers [][]landmarks.Face
	calls   int
	err     error
}

func (e *scriptedExtractor) Detect(ctx context.Context, frame []byte) ([]landmarks.Face, error) {
	if e.err != nil {
		return nil, e.err
	}
	if e.calls >= len(e.answers) {
		return nil, nil
	}
	a := e.answers[e.calls]
	e.calls++
	return a, nil
}

func (e *scriptedExtractor) Close() error { return nil }

type step struct {
	level uint8
	faces []landmarks.Face
}

func eyes(ear float64) []landmarks.Face { return []landmarks.Face{dlibFace(ear, ear)} }

func run(t *testing.T, cfg Config, steps ...step) (*Verdict, error) {
	t.Helper()
	data := make([][]byte, len(steps))
	ex := &scriptedExtractor{}
	for i, s := range steps {
		data[i] = jpegOf(t, s.level)
		ex.answers = append(ex.answers, s.faces)
	}
	m, _ := landmarks.LookupIndexMap("dlib68")
	return NewScorer(ex, m, cfg).Score(context.Background(), video.NewSliceStream(data))
}

func TestScore(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name      string
		steps     []step
		live      bool
		glare     bool
		blinks    int
		bestIndex int // -1 for none
	}{
		{
			name:      "no faces at all",
			steps:     []step{{normal, nil}, {normal, nil}, {normal, nil}},
			live:      false,
			bestIndex: -1,
		},
		{
			name:      "blink then open",
			steps:     []step{{normal, eyes(closed)}, {normal, eyes(open)}},
			live:      true,
			blinks:    1,
			bestIndex: 1,
		},
		{
			name:      "open blink open keeps the first open frame",
			steps:     []step{{normal, eyes(open)}, {normal, eyes(closed)}, {normal, eyes(open)}},
			live:      true,
			blinks:    1,
			bestIndex: 0,
		},
		{
			name:      "consecutive closed frames are one blink",
			steps:     []step{{normal, eyes(closed)}, {normal, eyes(closed)}, {normal, eyes(closed)}, {normal, eyes(open)}},
			live:      true,
			blinks:    1,
			bestIndex: 3,
		},
		{
			name:      "two separate closures",
			steps:     []step{{normal, eyes(closed)}, {normal, eyes(open)}, {normal, eyes(closed)}, {normal, eyes(open)}},
			live:      true,
			blinks:    2,
			bestIndex: 1,
		},
		{
			name:      "open without a blink",
			steps:     []step{{normal, eyes(open)}},
			live:      false,
			blinks:    0,
			bestIndex: 0,
		},
		{
			name:      "blink without an open frame",
			steps:     []step{{normal, eyes(closed)}, {normal, eyes(0.22)}},
			live:      false,
			blinks:    1,
			bestIndex: -1,
		},
		{
			name:      "one eye closed is not a blink",
			steps:     []step{{normal, []landmarks.Face{dlibFace(closed, open)}}, {normal, eyes(open)}},
			live:      false,
			blinks:    0,
			bestIndex: 1,
		},
		{
			name:      "glare frame is never the candidate",
			steps:     []step{{bright, eyes(open)}, {normal, eyes(closed)}, {normal, eyes(open)}},
			live:      true,
			glare:     true,
			blinks:    1,
			bestIndex: 2,
		},
		{
			name:      "glare sticks after the light goes away",
			steps:     []step{{normal, eyes(closed)}, {bright, nil}, {normal, eyes(open)}},
			live:      true,
			glare:     true,
			blinks:    1,
			bestIndex: 2,
		},
		{
			name: "two faces are skipped",
			steps: []step{
				{normal, []landmarks.Face{dlibFace(closed, closed), dlibFace(closed, closed)}},
				{normal, eyes(open)},
			},
			live:      false,
			blinks:    0,
			bestIndex: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := run(t, cfg, tt.steps...)
			if err != nil {
				t.Fatalf("Score failed: %v", err)
			}
			if v.IsLive != tt.live {
				t.Errorf("IsLive = %v, want %v", v.IsLive, tt.live)
			}
			if v.GlareDetected != tt.glare {
				t.Errorf("GlareDetected = %v, want %v", v.GlareDetected, tt.glare)
			}
			if v.Blinks != tt.blinks {
				t.Errorf("Blinks = %d, want %d", v.Blinks, tt.blinks)
			}
			switch {
			case tt.bestIndex < 0 && v.BestFrame != nil:
				t.Errorf("expected no best frame, got %d", v.BestFrame.Index)
			case tt.bestIndex >= 0 && (v.BestFrame == nil || v.BestFrame.Index != tt.bestIndex):
				t.Errorf("BestFrame = %v, want index %d", v.BestFrame, tt.bestIndex)
			}
			if v.IsLive != (v.Blinks >= cfg.MinBlinks && v.BestFrame != nil) {
				t.Errorf("IsLive disagrees with blinks/best frame: %+v", v)
			}
		})
	}
}

func TestScoreZeroBlinksOneOpenFrame(t *testing.T) {
	v, err := run(t, DefaultConfig(), step{normal, eyes(open)})
	if err != nil {
		t.Fatal(err)
	}
	if v.IsLive || v.GlareDetected || v.BestFrame == nil || v.BestFrame.Index != 0 {
		t.Errorf("expected {IsLive:false Glare:false BestFrame:0}, got %+v", v)
	}
}

func TestGlareIsMonotonic(t *testing.T) {
	steps := []step{
		{normal, eyes(open)}, {bright, eyes(open)}, {normal, eyes(closed)}, {normal, nil}, {normal, eyes(open)},
	}
	seen := false
	for n := 1; n <= len(steps); n++ {
		v, err := run(t, DefaultConfig(), steps[:n]...)
		if err != nil {
			t.Fatal(err)
		}
		if seen && !v.GlareDetected {
			t.Fatalf("glare cleared after %d frames", n)
		}
		seen = seen || v.GlareDetected
	}
	if !seen {
		t.Fatal("expected glare to be detected")
	}
}

func TestScoreCandidates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCandidates = 2
	v, err := run(t, cfg,
		step{normal, eyes(open)}, step{normal, eyes(closed)}, step{normal, eyes(open)}, step{normal, eyes(open)},
	)
	if err != nil {
		t.Fatal(err)
	}
	if len(v.Candidates) != 2 || v.Candidates[0].Index != 0 || v.Candidates[1].Index != 2 {
		t.Errorf("unexpected candidates %+v", v.Candidates)
	}
}

func TestScoreStopWhenSatisfied(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StopWhenSatisfied = true
	v, err := run(t, cfg,
		step{normal, eyes(closed)}, step{normal, eyes(open)}, step{normal, eyes(open)}, step{normal, eyes(open)},
	)
	if err != nil {
		t.Fatal(err)
	}
	if !v.IsLive || v.FramesRead != 2 {
		t.Errorf("expected to stop after 2 frames with a live verdict, got %+v", v)
	}
}

func TestScoreUnreadable(t *testing.T) {
	m, _ := landmarks.LookupIndexMap("dlib68")
	s := NewScorer(&scriptedExtractor{}, m, DefaultConfig())

	t.Run("no frames", func(t *testing.T) {
		_, err := s.Score(context.Background(), video.NewSliceStream(nil))
		if !errors.Is(err, kycerr.VideoUnreadable) {
			t.Errorf("expected VideoUnreadable, got %v", err)
		}
	})

	t.Run("garbage frames", func(t *testing.T) {
		_, err := s.Score(context.Background(), video.NewSliceStream([][]byte{[]byte("junk"), []byte("junk")}))
		if !errors.Is(err, kycerr.VideoUnreadable) {
			t.Errorf("expected VideoUnreadable, got %v", err)
		}
	})

	t.Run("decoder error", func(t *testing.T) {
		_, err := s.Score(context.Background(), &failingStream{err: errors.New("invalid data found when processing input")})
		if !errors.Is(err, kycerr.VideoUnreadable) {
			t.Errorf("expected VideoUnreadable, got %v", err)
		}
	})
}

func TestScoreExtractorError(t *testing.T) {
	m, _ := landmarks.LookupIndexMap("dlib68")
	crash := errors.New("worker crashed")
	s := NewScorer(&scriptedExtractor{err: crash}, m, DefaultConfig())

	_, err := s.Score(context.Background(), video.NewSliceStream([][]byte{jpegOf(t, normal)}))
	if !errors.Is(err, crash) {
		t.Errorf("expected the extractor error, got %v", err)
	}
	if !errors.Is(err, kycerr.LandmarkUnavailable) {
		t.Errorf("expected a LandmarkUnavailable kind, got %v", err)
	}
	if !kycerr.KindOf(err).Retryable() {
		t.Error("a landmark backend outage should be retryable")
	}
}

func TestScoreObserver(t *testing.T) {
	m, _ := landmarks.LookupIndexMap("dlib68")
	var seen []int
	s := NewScorer(&scriptedExtractor{}, m, DefaultConfig(), WithFrameObserver(func(f video.Frame) {
		seen = append(seen, f.Index)
	}))
	if _, err := s.Score(context.Background(), video.NewSliceStream([][]byte{jpegOf(t, normal), jpegOf(t, normal)})); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 2 || seen[1] != 1 {
		t.Errorf("observer saw %v", seen)
	}
}

type failingStream struct {
	err error
}

func (f *failingStream) Next(ctx context.Context) (video.Frame, error) {
	if f.err != nil {
		return video.Frame{}, f.err
	}
	return video.Frame{}, io.EOF
}

func (f *failingStream) Close() error { return nil }
