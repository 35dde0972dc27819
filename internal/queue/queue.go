// Package queue runs background jobs on a fixed worker pool with retries.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/mixelka/unibox/internal/metrics"
	"github.com/mixelka/unibox/internal/provider"
	"github.com/mixelka/unibox/pkg/models"
)

var (
	// ErrClosed is returned when enqueueing after Stop
	ErrClosed = errors.New("queue closed")

	// ErrNoHandler is returned for job types nobody handles
	ErrNoHandler = errors.New("no handler for job type")
)

// Handler processes one job payload
type Handler func(ctx context.Context, payload json.RawMessage) error

// Config tunes the pool
type Config struct {
	Workers     int
	Capacity    int // Channel buffer; further jobs wait in an overflow list
	MaxAttempts int
	BaseBackoff time.Duration
}

type job struct {
	Type    models.JobType
	Key     string // Dedup key, empty for none
	Payload json.RawMessage
	Attempt int
}

// Queue is an in-process job queue
type Queue struct {
	cfg      Config
	schemas  map[models.JobType]*jsonschema.Schema
	handlers map[models.JobType]Handler
	metrics  *metrics.Metrics
	logger   *slog.Logger

	jobs     chan job
	closed   chan struct{}
	mu       sync.Mutex
	pending  map[string]struct{}
	overflow []job // Jobs pushed while the channel was full
	wg      sync.WaitGroup
	stop    sync.Once
}

// New creates a queue. Handlers must be registered before Start.
func New(cfg Config, m *metrics.Metrics, logger *slog.Logger) (*Queue, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1024
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 5 * time.Second
	}

	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}

	return &Queue{
		cfg:      cfg,
		schemas:  schemas,
		handlers: make(map[models.JobType]Handler),
		metrics:  m,
		logger:   logger.With("component", "queue"),
		jobs:     make(chan job, cfg.Capacity),
		closed:   make(chan struct{}),
		pending:  make(map[string]struct{}),
	}, nil
}

// Handle registers the handler for a job type
func (q *Queue) Handle(t models.JobType, h Handler) {
	q.handlers[t] = h
}

// Start launches the workers; they exit when ctx is done or Stop is called
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	q.logger.Info("queue started", "workers", q.cfg.Workers)
}

// Stop refuses new jobs and waits for running ones to finish
func (q *Queue) Stop() {
	q.stop.Do(func() { close(q.closed) })
	q.wg.Wait()
}

// Depth returns the number of queued jobs
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs) + len(q.overflow)
}

// Enqueue adds a job without blocking; jobs beyond Capacity spill into an
// overflow list that workers drain first. A non-empty key suppresses
// duplicates while a job with the same key is queued or running.
func (q *Queue) Enqueue(ctx context.Context, t models.JobType, key string, payload any) error {
	if _, ok := q.handlers[t]; !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, t)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s job: %w", t, err)
	}

	if key != "" {
		q.mu.Lock()
		if _, ok := q.pending[key]; ok {
			q.mu.Unlock()
			return nil
		}
		q.pending[key] = struct{}{}
		q.mu.Unlock()
	}

	if err := q.push(ctx, job{Type: t, Key: key, Payload: raw, Attempt: 1}); err != nil {
		q.release(key)
		return err
	}
	return nil
}

// EnqueuePoll queues a poll unless one is already pending for the account
func (q *Queue) EnqueuePoll(ctx context.Context, j models.PollJob) error {
	return q.Enqueue(ctx, models.JobPoll, fmt.Sprintf("poll:%d", j.AccountID), j)
}

// EnqueueSave queues one message for ingestion
func (q *Queue) EnqueueSave(ctx context.Context, j models.SaveMessageJob) error {
	return q.Enqueue(ctx, models.JobSaveMessage, "", j)
}

// EnqueueReconcile queues a reconciliation pass
func (q *Queue) EnqueueReconcile(ctx context.Context, j models.ReconciliationJob) error {
	return q.Enqueue(ctx, models.JobReconciliation, fmt.Sprintf("reconcile:%d", j.AccountID), j)
}

// EnqueueContactsSync queues a contacts refresh
func (q *Queue) EnqueueContactsSync(ctx context.Context, j models.ContactsSyncJob) error {
	return q.Enqueue(ctx, models.JobContactsSync, fmt.Sprintf("contacts:%d", j.AccountID), j)
}

// push never waits: handlers enqueue from inside workers, so blocking on a
// full channel would stall the pool
func (q *Queue) push(ctx context.Context, j job) error {
	select {
	case <-q.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.overflow) == 0 {
		select {
		case q.jobs <- j:
			return nil
		default:
		}
	}
	q.overflow = append(q.overflow, j)
	return nil
}

// next pops the oldest overflow job
func (q *Queue) next() (job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.overflow) == 0 {
		return job{}, false
	}
	j := q.overflow[0]
	q.overflow[0] = job{}
	q.overflow = q.overflow[1:]
	return j, true
}

func (q *Queue) release(key string) {
	if key == "" {
		return
	}
	q.mu.Lock()
	delete(q.pending, key)
	q.mu.Unlock()
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		if j, ok := q.next(); ok {
			select {
			case <-ctx.Done():
				return
			case <-q.closed:
				return
			default:
			}
			q.process(ctx, j)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-q.closed:
			return
		case j := <-q.jobs:
			q.process(ctx, j)
		}
	}
}

func (q *Queue) process(ctx context.Context, j job) {
	logger := q.logger.With("job_type", j.Type, "attempt", j.Attempt)

	if err := q.validate(j); err != nil {
		logger.Error("dropping invalid job", "error", err)
		q.metrics.JobFailed(string(j.Type), "invalid")
		q.release(j.Key)
		return
	}

	err := q.run(ctx, j)
	if err == nil {
		q.release(j.Key)
		return
	}

	if !provider.IsRetryable(err) || ctx.Err() != nil {
		logger.Warn("job failed", "error", err)
		q.metrics.JobFailed(string(j.Type), "permanent")
		q.release(j.Key)
		return
	}
	if j.Attempt >= q.cfg.MaxAttempts {
		logger.Error("job abandoned after retries", "error", err)
		q.metrics.JobFailed(string(j.Type), "abandoned")
		q.release(j.Key)
		return
	}

	delay := q.backoff(j.Attempt)
	logger.Warn("job failed, retrying", "retry_in", delay, "error", err)
	q.metrics.JobRetry(string(j.Type))

	j.Attempt++
	time.AfterFunc(delay, func() {
		if err := q.push(ctx, j); err != nil {
			logger.Warn("failed to requeue job", "error", err)
			q.release(j.Key)
		}
	})
}

// run calls the handler, turning a panic into an error
func (q *Queue) run(ctx context.Context, j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return q.handlers[j.Type](ctx, j.Payload)
}

func (q *Queue) validate(j job) error {
	sch, ok := q.schemas[j.Type]
	if !ok {
		return fmt.Errorf("unknown job type %q", j.Type)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(j.Payload))
	if err != nil {
		return err
	}
	return sch.Validate(inst)
}

// backoff is BaseBackoff doubled per prior attempt
func (q *Queue) backoff(attempt int) time.Duration {
	return q.cfg.BaseBackoff << (attempt - 1)
}
