// Package server exposes the enrollment service over HTTP with gin.
package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/andresmejia3/livekyc/internal/enrollment"
	"github.com/andresmejia3/livekyc/internal/kycerr"
	"github.com/andresmejia3/livekyc/internal/logger"
	"github.com/andresmejia3/livekyc/internal/queue"
)

// OwnerHeader carries the authenticated owner, set by the gateway in front
// of this service.
const OwnerHeader = "X-Owner-ID"

const maxUpload = 15 << 20

var errTooLarge = fmt.Errorf("upload exceeds %d bytes", maxUpload)

// Service is implemented by *enrollment.Service.
type Service interface {
	SubmitEnrollment(ctx context.Context, ownerID string, sub enrollment.Submission) (*enrollment.Result, error)
	StartLivenessSession(ctx context.Context) (string, error)
	ProcessLivenessSession(ctx context.Context, ownerID, sessionID string, frames [][]byte) (*enrollment.Result, error)
	CheckLivenessStatus(ctx context.Context, ownerID string) (*enrollment.Status, error)
}

// Enqueuer is implemented by *queue.Producer.
type Enqueuer interface {
	EnqueueEnrollment(ctx context.Context, p queue.EnrollmentPayload) (string, error)
}

// Options configures the router. Queue may be nil, which disables the
// async route.
type Options struct {
	Origins []string
	Queue   Enqueuer
	Release bool
}

type handlers struct {
	svc   Service
	queue Enqueuer
}

// NewRouter builds the gin engine with all routes under /api/v1.
func NewRouter(svc Service, opts Options) *gin.Engine {
	if opts.Release {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	corsConfig := cors.Config{
		AllowMethods:     []string{"GET", "POST"},
		AllowHeaders:     []string{"Origin", "Content-Type", OwnerHeader},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: len(opts.Origins) > 0,
		MaxAge:           12 * time.Hour,
	}
	if len(opts.Origins) > 0 {
		corsConfig.AllowOrigins = opts.Origins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	r.Use(cors.New(corsConfig))
	r.MaxMultipartMemory = maxUpload

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h := &handlers{svc: svc, queue: opts.Queue}
	v1 := r.Group("/api/v1", requireOwner())
	{
		v1.POST("/kyc", h.submitKYC)
		v1.POST("/kyc/async", h.submitKYCAsync)
		v1.POST("/liveness/sessions", h.startSession)
		v1.POST("/liveness/sessions/:id/frames", h.processSession)
		v1.GET("/liveness/status", h.status)
	}
	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			logger.LoggerOptions{Key: "method", Data: c.Request.Method},
			logger.LoggerOptions{Key: "path", Data: c.FullPath()},
			logger.LoggerOptions{Key: "status", Data: c.Writer.Status()},
			logger.LoggerOptions{Key: "duration_ms", Data: time.Since(start).Milliseconds()},
		)
	}
}

func requireOwner() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := c.GetHeader(OwnerHeader)
		if owner == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"message": "missing " + OwnerHeader + " header",
			})
			return
		}
		c.Set("owner", owner)
		c.Next()
	}
}

func respond(c *gin.Context, code int, message string, body any) {
	c.JSON(code, gin.H{"message": message, "body": body})
}

// respondError renders kinded failures with their stable code and message.
// Anything else is an internal error and its detail is only logged.
func respondError(c *gin.Context, err error) {
	kind := kycerr.KindOf(err)
	if kind == "" {
		switch {
		case errors.Is(err, enrollment.ErrSessionsDisabled):
			c.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{"message": err.Error()})
			return
		case errors.Is(err, context.Canceled):
			c.AbortWithStatusJSON(499, gin.H{"message": "request cancelled"})
			return
		}
		logger.Error("request failed", logger.LoggerOptions{Key: "error", Data: err.Error()})
	}
	c.AbortWithStatusJSON(kind.HTTPStatus(), gin.H{
		"message":   kind.Message(),
		"code":      string(kind),
		"retryable": kind.Retryable(),
		"resubmit":  kind.NeedsResubmission(),
	})
}

func readFile(fh *multipart.FileHeader) ([]byte, error) {
	if fh.Size > maxUpload {
		return nil, errTooLarge
	}
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxUpload+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxUpload {
		return nil, errTooLarge
	}
	return data, nil
}

// upload reads exactly one of the "selfie" and "video" form files.
func upload(c *gin.Context) (image, clip []byte, err error) {
	selfie, selfieErr := c.FormFile("selfie")
	video, videoErr := c.FormFile("video")
	if (selfieErr == nil) == (videoErr == nil) {
		return nil, nil, kycerr.New(kycerr.InvalidSubmission, "read upload", nil)
	}
	if selfieErr == nil {
		if image, err = readFile(selfie); err != nil {
			return nil, nil, kycerr.New(kycerr.InvalidSubmission, "read selfie", err)
		}
		return image, nil, nil
	}
	if clip, err = readFile(video); err != nil {
		return nil, nil, kycerr.New(kycerr.InvalidSubmission, "read video", err)
	}
	return nil, clip, nil
}

func (h *handlers) submitKYC(c *gin.Context) {
	image, clip, err := upload(c)
	if err != nil {
		respondError(c, err)
		return
	}
	sub := enrollment.Submission{Image: image}
	if clip != nil {
		sub.Video = bytes.NewReader(clip)
	}

	res, err := h.svc.SubmitEnrollment(c.Request.Context(), c.GetString("owner"), sub)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, "verification complete", res.Record)
}

func (h *handlers) submitKYCAsync(c *gin.Context) {
	if h.queue == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{"message": "async enrollment is not configured"})
		return
	}
	image, clip, err := upload(c)
	if err != nil {
		respondError(c, err)
		return
	}
	id, err := h.queue.EnqueueEnrollment(c.Request.Context(), queue.EnrollmentPayload{
		OwnerID: c.GetString("owner"),
		Image:   image,
		Video:   clip,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusAccepted, "verification queued", gin.H{"taskId": id})
}

func (h *handlers) startSession(c *gin.Context) {
	id, err := h.svc.StartLivenessSession(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, "liveness session created", gin.H{"sessionId": id})
}

type framesRequest struct {
	// Frames are base64 encoded JPEGs in capture order.
	Frames []string `json:"frames"`
}

func (h *handlers) processSession(c *gin.Context) {
	var req framesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, kycerr.New(kycerr.InvalidSubmission, "bind frames", err))
		return
	}
	frames := make([][]byte, 0, len(req.Frames))
	for i, f := range req.Frames {
		data, err := base64.StdEncoding.DecodeString(f)
		if err != nil {
			respondError(c, kycerr.New(kycerr.InvalidSubmission, fmt.Sprintf("decode frame %d", i), err))
			return
		}
		frames = append(frames, data)
	}

	res, err := h.svc.ProcessLivenessSession(c.Request.Context(), c.GetString("owner"), c.Param("id"), frames)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, "verification complete", res.Record)
}

func (h *handlers) status(c *gin.Context) {
	st, err := h.svc.CheckLivenessStatus(c.Request.Context(), c.GetString("owner"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, "liveness status", st)
}

// Serve runs the router on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", logger.LoggerOptions{Key: "addr", Data: addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
