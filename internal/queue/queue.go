// Package queue runs enrollments asynchronously on asynq: the HTTP server
// enqueues submissions and a worker process feeds them to the enrollment
// service with bounded concurrency.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/andresmejia3/livekyc/internal/enrollment"
	"github.com/andresmejia3/livekyc/internal/kycerr"
	"github.com/andresmejia3/livekyc/internal/logger"
)

// TaskEnrollment is the asynq task type for one submission.
const TaskEnrollment = "kyc:enrollment"

// Queue priorities.
const (
	QueueHigh    = "high"
	QueueDefault = "default"
	QueueLow     = "low"
)

// EnrollmentPayload is the serialized submission. Exactly one of Image,
// Video and Frames is set.
type EnrollmentPayload struct {
	OwnerID string   `json:"ownerId"`
	Image   []byte   `json:"image,omitempty"`
	Video   []byte   `json:"video,omitempty"`
	Frames  [][]byte `json:"frames,omitempty"`
}

// Submission rebuilds the service input from the payload.
func (p EnrollmentPayload) Submission() enrollment.Submission {
	sub := enrollment.Submission{Image: p.Image, Frames: p.Frames}
	if len(p.Video) > 0 {
		sub.Video = bytes.NewReader(p.Video)
	}
	return sub
}

// RedisOpt builds the asynq connection settings.
func RedisOpt(addr, password string) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: addr, Password: password}
}

// Enqueuer is the part of *asynq.Client the producer needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

var _ Enqueuer = (*asynq.Client)(nil)

// Producer enqueues enrollment tasks.
type Producer struct {
	client  Enqueuer
	timeout time.Duration
}

func NewProducer(client Enqueuer) *Producer {
	return &Producer{client: client, timeout: 2 * time.Minute}
}

// EnqueueEnrollment schedules p and returns the task ID.
func (pr *Producer) EnqueueEnrollment(ctx context.Context, p EnrollmentPayload) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	info, err := pr.client.EnqueueContext(ctx, asynq.NewTask(TaskEnrollment, body),
		asynq.TaskID(id),
		asynq.MaxRetry(5),
		asynq.Timeout(pr.timeout),
		asynq.Queue(QueueDefault),
	)
	if err != nil {
		return "", fmt.Errorf("enqueue enrollment: %w", err)
	}
	logger.Info("enrollment enqueued",
		logger.LoggerOptions{Key: "task", Data: info.ID},
		logger.LoggerOptions{Key: "owner", Data: p.OwnerID},
	)
	return info.ID, nil
}

// Submitter is implemented by *enrollment.Service.
type Submitter interface {
	SubmitEnrollment(ctx context.Context, ownerID string, sub enrollment.Submission) (*enrollment.Result, error)
}

// Handler processes TaskEnrollment tasks.
type Handler struct {
	svc Submitter
}

var _ asynq.Handler = (*Handler)(nil)

func NewHandler(svc Submitter) *Handler {
	return &Handler{svc: svc}
}

// ProcessTask runs one enrollment. Only backend outages are retried; kinds
// that are final or need a new capture are marked with asynq.SkipRetry.
func (h *Handler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p EnrollmentPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		logger.Error("an error occured while unmarshalling enrollment payload", logger.LoggerOptions{
			Key:  "error",
			Data: err.Error(),
		})
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	res, err := h.svc.SubmitEnrollment(ctx, p.OwnerID, p.Submission())
	if err != nil {
		kind := kycerr.KindOf(err)
		logger.Warning("queued enrollment failed",
			logger.LoggerOptions{Key: "owner", Data: p.OwnerID},
			logger.LoggerOptions{Key: "kind", Data: string(kind)},
			logger.LoggerOptions{Key: "error", Data: err.Error()},
		)
		if kind != "" && !kind.Retryable() {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}

	logger.Info("queued enrollment completed",
		logger.LoggerOptions{Key: "owner", Data: p.OwnerID},
		logger.LoggerOptions{Key: "attempt", Data: res.AttemptID},
	)
	return nil
}

// Worker is the asynq server processing enrollment tasks.
type Worker struct {
	srv *asynq.Server
	mux *asynq.ServeMux
}

func NewWorker(redis asynq.RedisClientOpt, concurrency int, h *Handler) *Worker {
	srv := asynq.NewServer(redis, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			QueueHigh:    6,
			QueueDefault: 3,
			QueueLow:     1,
		},
		IsFailure: func(err error) bool {
			return !errors.Is(err, context.Canceled)
		},
	})
	mux := asynq.NewServeMux()
	mux.Handle(TaskEnrollment, h)
	return &Worker{srv: srv, mux: mux}
}

// Run processes tasks until ctx is cancelled, then drains in-flight tasks.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.srv.Start(w.mux); err != nil {
		return err
	}
	<-ctx.Done()
	w.srv.Shutdown()
	return nil
}
