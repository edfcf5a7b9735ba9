// Package worker runs an external landmark detector process and talks to it
// over a length-prefixed binary protocol.
package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"time"

	"github.com/andresmejia3/livekyc/internal/geometry"
	"github.com/andresmejia3/livekyc/internal/landmarks"
	"github.com/andresmejia3/livekyc/internal/logger"
	"github.com/andresmejia3/livekyc/internal/utils"
)

// Protocol limits guard against a corrupted stream allocating unbounded memory.
const (
	maxFaces     = 64
	maxPoints    = 1024
	maxEmbedding = 4096
	maxMessage   = 64 * 1024
	maxResponse  = 4 << 20
)

// ErrBroken is returned once a request failed mid-exchange. The detector
// may still answer it, so the pipe can no longer be trusted.
var ErrBroken = errors.New("landmark worker out of sync")

// Config describes how to launch the detector process.
type Config struct {
	Command     string
	Args        []string
	ReadTimeout time.Duration
}

// Worker is one detector process. It is not safe for concurrent use;
// landmarks.Pool hands each instance to a single caller at a time.
type Worker struct {
	ID          int
	Cmd         *utils.SafeCommand
	Stdin       io.WriteCloser
	DataPipe    io.ReadCloser
	ReadTimeout time.Duration

	broken bool
	closed bool
}

var (
	_ landmarks.Extractor = (*Worker)(nil)
	_ landmarks.Breakable = (*Worker)(nil)
)

// New starts the detector process.
func New(id int, cfg Config) (*Worker, error) {
	proc := utils.NewSafeCommand(cfg.Command, cfg.Args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	proc.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := proc.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := proc.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	logger.Debug("landmark worker started", logger.LoggerOptions{Key: "worker", Data: id})
	return &Worker{
		ID:          id,
		Cmd:         proc,
		Stdin:       stdin,
		DataPipe:    r,
		ReadTimeout: cfg.ReadTimeout,
	}, nil
}

// Factory adapts New to landmarks.Factory.
func Factory(cfg Config) landmarks.Factory {
	return func(id int) (landmarks.Extractor, error) {
		return New(id, cfg)
	}
}

// Communicate sends one request and returns the raw response body.
// Protocol: [Length][Data] in both directions. Any transport failure marks
// the worker broken.
func (w *Worker) Communicate(ctx context.Context, data []byte) ([]byte, error) {
	if w.broken {
		return nil, fmt.Errorf("worker %d: %w", w.ID, ErrBroken)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := w.exchange(ctx, data)
	if err != nil {
		w.broken = true
		return nil, err
	}
	return resp, nil
}

func (w *Worker) exchange(ctx context.Context, data []byte) ([]byte, error) {
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, fmt.Errorf("worker %d write failed: %w", w.ID, err)
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, fmt.Errorf("worker %d write failed: %w", w.ID, err)
	}

	w.setDeadline(ctx)

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		// This is where a crashed or stalled detector shows up
		return nil, fmt.Errorf("worker %d read failed: %w", w.ID, err)
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, fmt.Errorf("worker %d sent a %d byte response, limit is %d", w.ID, respLen, maxResponse)
	}
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, respBody); err != nil {
		return nil, fmt.Errorf("worker %d read failed: %w", w.ID, err)
	}
	return respBody, nil
}

// Broken reports whether an exchange failed and the worker must be replaced.
func (w *Worker) Broken() bool { return w.broken }

// setDeadline bounds the next read by ReadTimeout and the ctx deadline,
// when the pipe supports deadlines.
func (w *Worker) setDeadline(ctx context.Context) {
	dl, ok := w.DataPipe.(interface{ SetReadDeadline(time.Time) error })
	if !ok {
		return
	}
	var deadline time.Time
	if w.ReadTimeout > 0 {
		deadline = time.Now().Add(w.ReadTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = dl.SetReadDeadline(deadline)
}

// Detect sends one encoded frame and decodes the faces found in it.
func (w *Worker) Detect(ctx context.Context, frame []byte) ([]landmarks.Face, error) {
	resp, err := w.Communicate(ctx, frame)
	if err != nil {
		return nil, err
	}
	return parseResponse(resp)
}

// parseResponse decodes
//
//	[Status:1]
//	  0 -> [NumFaces:u32] { [Box:4*i32] [NumPoints:u32] [Points:N*2*f32] [EmbLen:u32] [Emb:E*f32] }
//	  1 -> [MsgLen:u32] [Msg]
func parseResponse(resp []byte) ([]landmarks.Face, error) {
	r := bytes.NewReader(resp)

	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty worker response: %w", err)
	}
	if status != 0 {
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil || msgLen > maxMessage {
			return nil, errors.New("worker error: malformed error message")
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, errors.New("worker error: truncated error message")
		}
		return nil, fmt.Errorf("worker error: %s", msg)
	}

	var numFaces uint32
	if err := binary.Read(r, binary.BigEndian, &numFaces); err != nil {
		return nil, fmt.Errorf("read face count: %w", err)
	}
	if numFaces > maxFaces {
		return nil, fmt.Errorf("worker reported %d faces, limit is %d", numFaces, maxFaces)
	}

	faces := make([]landmarks.Face, 0, numFaces)
	for i := uint32(0); i < numFaces; i++ {
		var box [4]int32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("read box of face %d: %w", i, err)
		}

		var numPoints uint32
		if err := binary.Read(r, binary.BigEndian, &numPoints); err != nil {
			return nil, fmt.Errorf("read point count of face %d: %w", i, err)
		}
		if numPoints > maxPoints {
			return nil, fmt.Errorf("face %d has %d points, limit is %d", i, numPoints, maxPoints)
		}
		raw := make([]float32, 2*numPoints)
		if err := binary.Read(r, binary.BigEndian, raw); err != nil {
			return nil, fmt.Errorf("read points of face %d: %w", i, err)
		}
		points := make([]geometry.Point, numPoints)
		for j := range points {
			points[j] = geometry.Point{X: float64(raw[2*j]), Y: float64(raw[2*j+1])}
		}

		var embLen uint32
		if err := binary.Read(r, binary.BigEndian, &embLen); err != nil {
			return nil, fmt.Errorf("read embedding length of face %d: %w", i, err)
		}
		if embLen > maxEmbedding {
			return nil, fmt.Errorf("face %d has a %d-d embedding, limit is %d", i, embLen, maxEmbedding)
		}
		var embedding []float64
		if embLen > 0 {
			rawEmb := make([]float32, embLen)
			if err := binary.Read(r, binary.BigEndian, rawEmb); err != nil {
				return nil, fmt.Errorf("read embedding of face %d: %w", i, err)
			}
			embedding = make([]float64, embLen)
			for j, v := range rawEmb {
				embedding[j] = float64(v)
			}
		}

		faces = append(faces, landmarks.Face{
			Box:       image.Rect(int(box[0]), int(box[1]), int(box[2]), int(box[3])),
			Points:    points,
			Embedding: embedding,
		})
	}
	return faces, nil
}

// Close stops the process. Closing stdin tells a well-behaved detector to exit.
func (w *Worker) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.Stdin != nil {
		w.Stdin.Close()
	}
	if w.DataPipe != nil {
		w.DataPipe.Close()
	}
	if w.Cmd == nil {
		return nil
	}
	if w.broken && w.Cmd.Process != nil {
		// A stalled detector may never notice stdin closing
		_ = w.Cmd.Process.Kill()
		_ = w.Cmd.Wait()
		return nil
	}
	if err := w.Cmd.Wait(); err != nil {
		logger.Warning("landmark worker exited with error",
			logger.LoggerOptions{Key: "worker", Data: w.ID},
			logger.LoggerOptions{Key: "stderr", Data: w.Cmd.Logs()},
		)
		return fmt.Errorf("worker %d exit: %w", w.ID, err)
	}
	return nil
}
