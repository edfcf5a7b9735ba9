package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/andresmejia3/livekyc/internal/enrollment"
	"github.com/andresmejia3/livekyc/internal/kycerr"
	"github.com/andresmejia3/livekyc/internal/queue"
	"github.com/andresmejia3/livekyc/internal/records"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeService struct {
	owner     string
	sub       enrollment.Submission
	video     []byte
	sessionID string
	frames    [][]byte
	err       error
}

func (f *fakeService) result() *enrollment.Result {
	return &enrollment.Result{Record: &records.Record{OwnerID: f.owner, ImageURL: "https://b/selfies/x.jpg", FaceID: "face-1", Verified: true}}
}

func (f *fakeService) SubmitEnrollment(ctx context.Context, ownerID string, sub enrollment.Submission) (*enrollment.Result, error) {
	f.owner, f.sub = ownerID, sub
	if sub.Video != nil {
		f.video, _ = io.ReadAll(sub.Video)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result(), nil
}

func (f *fakeService) StartLivenessSession(ctx context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "session-1", nil
}

func (f *fakeService) ProcessLivenessSession(ctx context.Context, ownerID, sessionID string, frames [][]byte) (*enrollment.Result, error) {
	f.owner, f.sessionID, f.frames = ownerID, sessionID, frames
	if f.err != nil {
		return nil, f.err
	}
	return f.result(), nil
}

func (f *fakeService) CheckLivenessStatus(ctx context.Context, ownerID string) (*enrollment.Status, error) {
	f.owner = ownerID
	return &enrollment.Status{Verified: true, ImageURL: "https://b/selfies/x.jpg"}, nil
}

type fakeQueue struct {
	payload queue.EnrollmentPayload
}

func (q *fakeQueue) EnqueueEnrollment(ctx context.Context, p queue.EnrollmentPayload) (string, error) {
	q.payload = p
	return "task-1", nil
}

func multipartBody(t *testing.T, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for field, content := range files {
		fw, err := w.CreateFormFile(field, field+".bin")
		if err != nil {
			t.Fatal(err)
		}
		fw.Write([]byte(content))
	}
	w.Close()
	return &buf, w.FormDataContentType()
}

type envelope struct {
	Message   string          `json:"message"`
	Code      string          `json:"code"`
	Retryable bool            `json:"retryable"`
	Resubmit  bool            `json:"resubmit"`
	Body      json.RawMessage `json:"body"`
}

func do(t *testing.T, h http.Handler, req *http.Request) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var env envelope
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("response is not JSON: %s", rec.Body.String())
		}
	}
	return rec, env
}

func TestOwnerHeaderRequired(t *testing.T) {
	r := NewRouter(&fakeService{}, Options{})
	rec, _ := do(t, r, httptest.NewRequest(http.MethodGet, "/api/v1/liveness/status", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestSubmitSelfie(t *testing.T) {
	svc := &fakeService{}
	r := NewRouter(svc, Options{})

	body, ct := multipartBody(t, map[string]string{"selfie": "jpeg-bytes"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/kyc", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set(OwnerHeader, "owner-1")

	rec, env := do(t, r, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if svc.owner != "owner-1" || string(svc.sub.Image) != "jpeg-bytes" || svc.sub.Video != nil {
		t.Errorf("unexpected submission owner=%q sub=%+v", svc.owner, svc.sub)
	}
	var got records.Record
	if err := json.Unmarshal(env.Body, &got); err != nil || got.FaceID != "face-1" {
		t.Errorf("unexpected body %s (%v)", env.Body, err)
	}
}

func TestSubmitVideo(t *testing.T) {
	svc := &fakeService{}
	r := NewRouter(svc, Options{})

	body, ct := multipartBody(t, map[string]string{"video": "mp4-bytes"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/kyc", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set(OwnerHeader, "owner-1")

	rec, _ := do(t, r, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}
	if string(svc.video) != "mp4-bytes" {
		t.Errorf("service read %q", svc.video)
	}
}

func TestSubmitRejectsBothFiles(t *testing.T) {
	svc := &fakeService{}
	r := NewRouter(svc, Options{})

	body, ct := multipartBody(t, map[string]string{"selfie": "a", "video": "b"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/kyc", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set(OwnerHeader, "owner-1")

	rec, env := do(t, r, req)
	if rec.Code != http.StatusBadRequest || env.Code != string(kycerr.InvalidSubmission) {
		t.Errorf("got %d %+v", rec.Code, env)
	}
	if svc.owner != "" {
		t.Error("the service must not be called")
	}
}

func TestSubmitRejectsOversizedUpload(t *testing.T) {
	for _, field := range []string{"selfie", "video"} {
		t.Run(field, func(t *testing.T) {
			svc := &fakeService{}
			r := NewRouter(svc, Options{})

			body, ct := multipartBody(t, map[string]string{field: strings.Repeat("a", maxUpload+1)})
			req := httptest.NewRequest(http.MethodPost, "/api/v1/kyc", body)
			req.Header.Set("Content-Type", ct)
			req.Header.Set(OwnerHeader, "owner-1")

			rec, env := do(t, r, req)
			if rec.Code != http.StatusBadRequest || env.Code != string(kycerr.InvalidSubmission) {
				t.Errorf("got %d %+v", rec.Code, env)
			}
			if svc.owner != "" {
				t.Error("a truncated upload must never reach the service")
			}
		})
	}
}

func TestReadFileAcceptsLimit(t *testing.T) {
	svc := &fakeService{}
	r := NewRouter(svc, Options{})

	body, ct := multipartBody(t, map[string]string{"video": strings.Repeat("v", maxUpload)})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/kyc", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set(OwnerHeader, "owner-1")

	rec, _ := do(t, r, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	if len(svc.video) != maxUpload {
		t.Errorf("expected the whole %d byte clip, got %d", maxUpload, len(svc.video))
	}
}

func TestErrorsMapToKinds(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{kycerr.New(kycerr.DuplicateFace, "search registry", nil), http.StatusConflict},
		{kycerr.New(kycerr.GlareDetected, "check liveness", nil), http.StatusUnprocessableEntity},
		{kycerr.New(kycerr.IndexingFailed, "index face", io.EOF), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		kind := kycerr.KindOf(tt.err)
		t.Run(string(kind), func(t *testing.T) {
			r := NewRouter(&fakeService{err: tt.err}, Options{})
			body, ct := multipartBody(t, map[string]string{"selfie": "a"})
			req := httptest.NewRequest(http.MethodPost, "/api/v1/kyc", body)
			req.Header.Set("Content-Type", ct)
			req.Header.Set(OwnerHeader, "owner-1")

			rec, env := do(t, r, req)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			if env.Code != string(kind) || env.Message != kind.Message() || env.Retryable != kind.Retryable() || env.Resubmit != kind.NeedsResubmission() {
				t.Errorf("unexpected envelope %+v", env)
			}
			if strings.Contains(rec.Body.String(), "EOF") {
				t.Error("the underlying cause must not leak into the response")
			}
		})
	}
}

func TestLivenessSessionRoutes(t *testing.T) {
	svc := &fakeService{}
	r := NewRouter(svc, Options{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/liveness/sessions", nil)
	req.Header.Set(OwnerHeader, "owner-1")
	rec, env := do(t, r, req)
	if rec.Code != http.StatusCreated || !strings.Contains(string(env.Body), "session-1") {
		t.Fatalf("start session: %d %s", rec.Code, rec.Body.String())
	}

	payload, _ := json.Marshal(framesRequest{Frames: []string{
		base64.StdEncoding.EncodeToString([]byte("f0")),
		base64.StdEncoding.EncodeToString([]byte("f1")),
	}})
	req = httptest.NewRequest(http.MethodPost, "/api/v1/liveness/sessions/session-1/frames", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(OwnerHeader, "owner-1")
	rec, _ = do(t, r, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("process session: %d %s", rec.Code, rec.Body.String())
	}
	if svc.sessionID != "session-1" || len(svc.frames) != 2 || string(svc.frames[1]) != "f1" {
		t.Errorf("unexpected call session=%q frames=%q", svc.sessionID, svc.frames)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/liveness/sessions/session-1/frames", strings.NewReader(`{"frames":["%%%"]}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(OwnerHeader, "owner-1")
	rec, env = do(t, r, req)
	if rec.Code != http.StatusBadRequest || env.Code != string(kycerr.InvalidSubmission) {
		t.Errorf("bad base64: %d %+v", rec.Code, env)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/liveness/status", nil)
	req.Header.Set(OwnerHeader, "owner-1")
	rec, env = do(t, r, req)
	var st enrollment.Status
	if err := json.Unmarshal(env.Body, &st); err != nil || rec.Code != http.StatusOK || !st.Verified {
		t.Errorf("status: %d %s", rec.Code, rec.Body.String())
	}
}

func TestSessionsDisabled(t *testing.T) {
	r := NewRouter(&fakeService{err: enrollment.ErrSessionsDisabled}, Options{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/liveness/sessions", nil)
	req.Header.Set(OwnerHeader, "owner-1")
	rec, _ := do(t, r, req)
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", rec.Code)
	}
}

func TestAsyncEnrollment(t *testing.T) {
	q := &fakeQueue{}
	r := NewRouter(&fakeService{}, Options{Queue: q})

	body, ct := multipartBody(t, map[string]string{"video": "mp4"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/kyc/async", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set(OwnerHeader, "owner-1")

	rec, env := do(t, r, req)
	if rec.Code != http.StatusAccepted || !strings.Contains(string(env.Body), "task-1") {
		t.Fatalf("got %d %s", rec.Code, rec.Body.String())
	}
	if q.payload.OwnerID != "owner-1" || string(q.payload.Video) != "mp4" {
		t.Errorf("unexpected payload %+v", q.payload)
	}

	noQueue := NewRouter(&fakeService{}, Options{})
	body, ct = multipartBody(t, map[string]string{"video": "mp4"})
	req = httptest.NewRequest(http.MethodPost, "/api/v1/kyc/async", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set(OwnerHeader, "owner-1")
	if rec, _ := do(t, noQueue, req); rec.Code != http.StatusNotImplemented {
		t.Errorf("status without a queue = %d, want 501", rec.Code)
	}
}
