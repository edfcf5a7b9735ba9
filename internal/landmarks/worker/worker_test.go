package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"strings"
	"testing"
	"time"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

func respond(pipe *MockCloser, payload []byte) {
	binary.Write(pipe, binary.BigEndian, uint32(len(payload)))
	pipe.Write(payload)
}

func TestDetect(t *testing.T) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	// Protocol: [Status:0] [NumFaces:1] [Box] [NumPoints] [Points] [EmbLen] [Emb]
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(1))
	binary.Write(payload, binary.BigEndian, [4]int32{10, 10, 60, 70})
	binary.Write(payload, binary.BigEndian, uint32(3))
	binary.Write(payload, binary.BigEndian, []float32{1, 2, 3, 4, 5.5, 6})

	emb := make([]float32, 512)
	emb[0] = 0.5
	binary.Write(payload, binary.BigEndian, uint32(len(emb)))
	binary.Write(payload, binary.BigEndian, emb)
	respond(dataPipeMock, payload.Bytes())

	// Cmd is nil because we aren't testing process management, just the protocol
	w := &Worker{ID: 1, Stdin: stdinMock, DataPipe: dataPipeMock}

	inputFrame := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	faces, err := w.Detect(context.Background(), inputFrame)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	// Verify Go sent the correct data TO the detector
	sentData := stdinMock.Bytes()
	if len(sentData) != 4+len(inputFrame) {
		t.Errorf("Expected %d bytes sent, got %d", 4+len(inputFrame), len(sentData))
	}
	if !bytes.Equal(sentData[4:], inputFrame) {
		t.Errorf("Expected frame bytes %X after the header, got %X", inputFrame, sentData[4:])
	}

	if len(faces) != 1 {
		t.Fatalf("Expected 1 face, got %d", len(faces))
	}
	f := faces[0]
	if f.Box.Min.X != 10 || f.Box.Max.Y != 70 {
		t.Errorf("unexpected box %v", f.Box)
	}
	if len(f.Points) != 3 || f.Points[2].X != 5.5 || f.Points[2].Y != 6 {
		t.Errorf("unexpected points %v", f.Points)
	}
	if len(f.Embedding) != 512 || math.Abs(f.Embedding[0]-0.5) > 1e-9 {
		t.Errorf("Expected embedding[0] approx 0.5, got %v", f.Embedding[:1])
	}
}

func TestDetect_NoFacesNoEmbedding(t *testing.T) {
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(0))
	respond(dataPipeMock, payload.Bytes())

	w := &Worker{ID: 1, Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: dataPipeMock}
	faces, err := w.Detect(context.Background(), []byte("frame"))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(faces) != 0 {
		t.Errorf("expected no faces, got %d", len(faces))
	}
}

func TestDetect_Error(t *testing.T) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	// Protocol: [Status:1] [MsgLen] [Msg]
	payload := new(bytes.Buffer)
	payload.WriteByte(1)
	errMsg := "Exception: Import Error"
	binary.Write(payload, binary.BigEndian, uint32(len(errMsg)))
	payload.WriteString(errMsg)
	respond(dataPipeMock, payload.Bytes())

	w := &Worker{ID: 1, Stdin: stdinMock, DataPipe: dataPipeMock}

	_, err := w.Detect(context.Background(), []byte("frame"))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "worker error: "+errMsg, err)
	}
}

func TestDetect_Truncated(t *testing.T) {
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(2))
	binary.Write(payload, binary.BigEndian, [4]int32{0, 0, 1, 1})
	respond(dataPipeMock, payload.Bytes())

	w := &Worker{ID: 1, Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: dataPipeMock}
	if _, err := w.Detect(context.Background(), []byte("frame")); err == nil {
		t.Fatal("expected an error for a truncated response")
	}
}

func TestDetect_CrashedWorker(t *testing.T) {
	// Empty data pipe: the process died before answering.
	w := &Worker{ID: 7, Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: &MockCloser{Buffer: new(bytes.Buffer)}}
	_, err := w.Detect(context.Background(), []byte("frame"))
	if err == nil || !strings.Contains(err.Error(), "worker 7") {
		t.Errorf("expected a read failure naming the worker, got %v", err)
	}
}

func TestDetect_CancelledContext(t *testing.T) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	w := &Worker{ID: 1, Stdin: stdinMock, DataPipe: &MockCloser{Buffer: new(bytes.Buffer)}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := w.Detect(ctx, []byte("frame")); err == nil {
		t.Fatal("expected an error for a cancelled context")
	}
	if stdinMock.Len() != 0 {
		t.Error("nothing should be sent once the context is cancelled")
	}
}

// facesPayload is a success response carrying n faces without points.
func facesPayload(n int) []byte {
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(n))
	for i := 0; i < n; i++ {
		binary.Write(payload, binary.BigEndian, [4]int32{0, 0, 1, 1})
		binary.Write(payload, binary.BigEndian, uint32(0))
		binary.Write(payload, binary.BigEndian, uint32(0))
	}
	return payload.Bytes()
}

func TestDetect_LateReplyAfterTimeout(t *testing.T) {
	r, pw, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer pw.Close()

	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	w := &Worker{ID: 3, Stdin: stdinMock, DataPipe: r, ReadTimeout: 50 * time.Millisecond}

	// The detector is too slow for the first frame
	if _, err := w.Detect(context.Background(), []byte("frame-1")); err == nil {
		t.Fatal("expected the first frame to time out")
	}
	if !w.Broken() {
		t.Fatal("expected the worker to be marked broken after a timed-out read")
	}

	// Its answer to frame 1 arrives late and must never be read as frame 2's
	var late bytes.Buffer
	respond(&MockCloser{Buffer: &late}, facesPayload(1))
	if _, err := pw.Write(late.Bytes()); err != nil {
		t.Fatal(err)
	}

	sent := stdinMock.Len()
	faces, err := w.Detect(context.Background(), []byte("frame-2"))
	if !errors.Is(err, ErrBroken) {
		t.Fatalf("expected ErrBroken for the next frame, got faces=%d err=%v", len(faces), err)
	}
	if stdinMock.Len() != sent {
		t.Error("a broken worker must not send further frames")
	}
}

func TestDetect_OversizedResponse(t *testing.T) {
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	binary.Write(dataPipeMock, binary.BigEndian, uint32(maxResponse+1))

	w := &Worker{ID: 1, Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: dataPipeMock}
	_, err := w.Detect(context.Background(), []byte("frame"))
	if err == nil || !strings.Contains(err.Error(), "limit") {
		t.Fatalf("expected a response size error, got %v", err)
	}
	if !w.Broken() {
		t.Error("expected the worker to be broken after an oversized header")
	}
}

func TestDetect_WorkerErrorKeepsSync(t *testing.T) {
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	payload := new(bytes.Buffer)
	payload.WriteByte(1)
	binary.Write(payload, binary.BigEndian, uint32(3))
	payload.WriteString("bad")
	respond(dataPipeMock, payload.Bytes())
	respond(dataPipeMock, facesPayload(2))

	w := &Worker{ID: 1, Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: dataPipeMock}
	if _, err := w.Detect(context.Background(), []byte("frame-1")); err == nil {
		t.Fatal("expected the detector's error to surface")
	}
	if w.Broken() {
		t.Fatal("a complete error reply leaves the pipe in sync")
	}
	faces, err := w.Detect(context.Background(), []byte("frame-2"))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(faces) != 2 {
		t.Errorf("expected 2 faces, got %d", len(faces))
	}
}
