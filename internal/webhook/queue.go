package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/haasonsaas/nexus-core/internal/errdefs"
	"github.com/haasonsaas/nexus-core/internal/observability"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

const (
	defaultQueueWorkers  = 5
	defaultQueueAttempts = 3
	queueBackoffBase     = 2 * time.Second

	redisQueueKey  = "nexus:webhooks:queue"
	memQueueBuffer = 1024
)

// job is the serialized queue entry. RawBody is carried separately because
// WebhookEvent excludes it from JSON.
type job struct {
	ID      string               `json:"id"`
	Event   *models.WebhookEvent `json:"event"`
	RawBody []byte               `json:"rawBody,omitempty"`
	Attempt int                  `json:"attempt"`
}

// backend is the queue transport. pop blocks briefly and returns ok=false
// when nothing is available.
type backend interface {
	push(ctx context.Context, payload []byte) error
	pop(ctx context.Context) (payload []byte, ok bool, err error)
}

// Queue processes webhook deliveries asynchronously with bounded workers
// and per-job retries.
type Queue struct {
	processor *Processor
	backend   backend
	logger    *observability.Logger
	workers   int
	attempts  int
	backoff   time.Duration

	wg sync.WaitGroup
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithQueueWorkers bounds concurrent consumers.
func WithQueueWorkers(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithQueueAttempts sets the total attempts per job.
func WithQueueAttempts(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.attempts = n
		}
	}
}

// WithQueueBackoff overrides the retry backoff base.
func WithQueueBackoff(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.backoff = d
		}
	}
}

// NewQueue builds an in-memory queue.
func NewQueue(processor *Processor, logger *observability.Logger, opts ...QueueOption) *Queue {
	return newQueue(processor, newMemBackend(), logger, opts...)
}

// NewRedisQueue builds a Redis-backed queue shared across replicas.
func NewRedisQueue(processor *Processor, client *redis.Client, logger *observability.Logger, opts ...QueueOption) *Queue {
	return newQueue(processor, &redisBackend{client: client, key: redisQueueKey}, logger, opts...)
}

func newQueue(processor *Processor, b backend, logger *observability.Logger, opts ...QueueOption) *Queue {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	q := &Queue{
		processor: processor,
		backend:   b,
		logger:    logger.With("component", "webhook-queue"),
		workers:   defaultQueueWorkers,
		attempts:  defaultQueueAttempts,
		backoff:   queueBackoffBase,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue submits a delivery for async processing and returns the job id.
func (q *Queue) Enqueue(ctx context.Context, ev *models.WebhookEvent) (string, error) {
	j := job{ID: uuid.NewString(), Event: ev, RawBody: ev.RawBody}
	payload, err := json.Marshal(j)
	if err != nil {
		return "", err
	}
	if err := q.backend.push(ctx, payload); err != nil {
		return "", err
	}
	return j.ID, nil
}

// Start launches the worker pool; workers exit when ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.consume(ctx)
		}()
	}
}

// Stop waits for workers to drain.
func (q *Queue) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) consume(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		payload, ok, err := q.backend.pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Error(ctx, "queue pop failed", "error", err)
			continue
		}
		if !ok {
			continue
		}

		var j job
		if err := json.Unmarshal(payload, &j); err != nil {
			q.logger.Error(ctx, "malformed queue job dropped", "error", err)
			continue
		}
		if j.Event != nil {
			j.Event.RawBody = j.RawBody
		}
		q.run(ctx, &j)
	}
}

// run executes one job with retries. Rejections (unknown webhook, bad
// signature) never retry; only agent failures do.
func (q *Queue) run(ctx context.Context, j *job) {
	for ; j.Attempt < q.attempts; j.Attempt++ {
		if j.Attempt > 0 {
			delay := q.backoff << (j.Attempt - 1)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}

		res, err := q.processor.Process(ctx, j.Event)
		if err != nil {
			q.logger.Warn(ctx, "webhook delivery rejected",
				"job", j.ID, "webhook", j.Event.WebhookID, "error", err)
			return
		}
		if res.Success {
			q.logger.Info(ctx, "webhook job completed",
				"job", j.ID, "webhook", j.Event.WebhookID, "session", res.SessionID)
			return
		}
		q.logger.Warn(ctx, "webhook job attempt failed",
			"job", j.ID, "attempt", j.Attempt+1, "error", res.Error)
	}
	q.logger.Error(ctx, "webhook job failed permanently",
		"job", j.ID, "webhook", j.Event.WebhookID, "attempts", q.attempts)
}

// memBackend is a process-local channel queue.
type memBackend struct {
	ch chan []byte
}

func newMemBackend() *memBackend {
	return &memBackend{ch: make(chan []byte, memQueueBuffer)}
}

func (b *memBackend) push(_ context.Context, payload []byte) error {
	select {
	case b.ch <- payload:
		return nil
	default:
		return errdefs.New(errdefs.CodeRateLimited, "webhook queue is full")
	}
}

func (b *memBackend) pop(ctx context.Context) ([]byte, bool, error) {
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case payload := <-b.ch:
		return payload, true, nil
	}
}

// redisBackend shares one list across replicas.
type redisBackend struct {
	client *redis.Client
	key    string
}

func (b *redisBackend) push(ctx context.Context, payload []byte) error {
	return b.client.LPush(ctx, b.key, payload).Err()
}

func (b *redisBackend) pop(ctx context.Context) ([]byte, bool, error) {
	res, err := b.client.BRPop(ctx, time.Second, b.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	// BRPop returns [key, value].
	if len(res) != 2 {
		return nil, false, nil
	}
	return []byte(res[1]), true, nil
}
