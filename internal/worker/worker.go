// Package worker pulls jobs off the queue and executes them: generate
// the newsletter issue, then deliver it if a recipient is configured.
// Ownership of a job is taken with a conditional queued -> running
// update, so duplicate queue messages and worker races resolve to a
// single execution.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/letterpressd/letterpress/internal/domain"
	"github.com/letterpressd/letterpress/internal/queue"
	"github.com/letterpressd/letterpress/internal/store"
)

const (
	defaultPoolSize       = 4
	defaultMaxAttempts    = 3
	defaultDequeueTimeout = 5 * time.Second
	defaultBackoffBase    = 30 * time.Second
	defaultBackoffCap     = 10 * time.Minute
)

type Store interface {
	GetJob(ctx context.Context, id uuid.UUID) (domain.Job, error)
	// UpdateState transitions a job only when its current state matches
	// expected, returning store.ErrConflict otherwise.
	UpdateState(ctx context.Context, jobID uuid.UUID, expected, next domain.JobState, fields store.StateFields) error
}

// Issue is the rendered newsletter returned by the generation service.
type Issue struct {
	ResultRef string
	Subject   string
	Body      string
}

type Generator interface {
	Generate(ctx context.Context, job domain.Job) (Issue, error)
}

type Sender interface {
	Send(ctx context.Context, recipient string, issue Issue) error
}

// AnalyticsSink records terminal outcomes for dashboards. Best-effort:
// errors are logged, never propagated.
type AnalyticsSink interface {
	Write(ctx context.Context, job domain.Job, at time.Time) error
}

// MetricsSink records worker metrics. Non-blocking, fire-and-forget.
type MetricsSink interface {
	JobsInFlightIncr()
	JobsInFlightDecr()
	JobOutcome(outcome string, attempt int, duration time.Duration)
	RetryScheduled(delay time.Duration)
}

type Config struct {
	// PoolSize is the number of concurrent execution goroutines. Default 4.
	PoolSize int

	// MaxAttempts before a retryable failure becomes terminal. Default 3.
	MaxAttempts int

	// DequeueTimeout bounds each blocking dequeue. Default 5 seconds.
	DequeueTimeout time.Duration

	// BackoffBase and BackoffCap shape the retry delay: base doubled per
	// attempt, capped. Defaults 30 seconds and 10 minutes.
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

type Worker struct {
	config    Config
	store     Store
	queue     queue.Queue
	generator Generator
	sender    Sender        // optional, nil = generation only
	metrics   MetricsSink   // optional, nil = disabled
	analytics AnalyticsSink // optional, nil = disabled
	clock     func() time.Time
}

func New(config Config, st Store, q queue.Queue, gen Generator, sender Sender) *Worker {
	if config.PoolSize <= 0 {
		config.PoolSize = defaultPoolSize
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaultMaxAttempts
	}
	if config.DequeueTimeout <= 0 {
		config.DequeueTimeout = defaultDequeueTimeout
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = defaultBackoffBase
	}
	if config.BackoffCap <= 0 {
		config.BackoffCap = defaultBackoffCap
	}
	return &Worker{
		config:    config,
		store:     st,
		queue:     q,
		generator: gen,
		sender:    sender,
		clock:     time.Now,
	}
}

// WithMetrics attaches a metrics sink to the worker.
func (w *Worker) WithMetrics(sink MetricsSink) *Worker {
	w.metrics = sink
	return w
}

// WithAnalytics attaches an analytics sink to the worker.
func (w *Worker) WithAnalytics(sink AnalyticsSink) *Worker {
	w.analytics = sink
	return w
}

// Run starts the pool and blocks until ctx is cancelled and every
// goroutine has finished its in-flight job.
func (w *Worker) Run(ctx context.Context) {
	log.Printf("worker: starting pool size=%d max_attempts=%d", w.config.PoolSize, w.config.MaxAttempts)

	var wg sync.WaitGroup
	for i := 0; i < w.config.PoolSize; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
	log.Printf("worker: pool stopped")
}

func (w *Worker) loop(ctx context.Context) {
	for {
		msg, ok, err := w.queue.Dequeue(ctx, w.config.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("worker: dequeue error: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		w.process(ctx, msg)
	}
}

func (w *Worker) process(ctx context.Context, msg queue.Message) {
	if w.metrics != nil {
		w.metrics.JobsInFlightIncr()
		defer w.metrics.JobsInFlightDecr()
	}
	start := w.clock()

	job, err := w.store.GetJob(ctx, msg.JobID)
	if errors.Is(err, store.ErrNotFound) {
		log.Printf("worker: job=%s not found, dropping message", msg.JobID)
		w.ack(ctx, msg)
		return
	}
	if err != nil {
		log.Printf("worker: job=%s load failed: %v", msg.JobID, err)
		w.nack(ctx, msg, w.backoff(1))
		return
	}
	if job.State.Terminal() {
		// Stale redelivery of a finished or cancelled job.
		w.ack(ctx, msg)
		return
	}

	attempt := job.Attempt + 1
	startedAt := w.clock().UTC()
	err = w.store.UpdateState(ctx, job.ID, domain.JobStateQueued, domain.JobStateRunning, store.StateFields{
		Attempt:   &attempt,
		StartedAt: &startedAt,
	})
	if errors.Is(err, store.ErrConflict) {
		// Another worker owns this job, or it was cancelled while queued.
		w.ack(ctx, msg)
		return
	}
	if err != nil {
		log.Printf("worker: job=%s claim failed: %v", job.ID, err)
		w.nack(ctx, msg, w.backoff(1))
		return
	}
	job.Attempt = attempt

	resultRef, execErr := w.execute(ctx, job)
	finishedAt := w.clock().UTC()
	duration := finishedAt.Sub(start.UTC())

	if execErr == nil {
		// Clearing Error drops the detail left by an earlier failed
		// attempt; the job row reflects only its final outcome.
		noError := ""
		err := w.store.UpdateState(ctx, job.ID, domain.JobStateRunning, domain.JobStateSucceeded, store.StateFields{
			FinishedAt: &finishedAt,
			Error:      &noError,
			ResultRef:  &resultRef,
		})
		if err != nil && !errors.Is(err, store.ErrConflict) {
			// The issue already went out; redoing it would deliver twice.
			// Record the loss and move on.
			log.Printf("worker: job=%s succeeded but state update failed: %v", job.ID, err)
		}
		log.Printf("worker: job=%s succeeded attempt=%d", job.ID, attempt)
		w.recordOutcome(ctx, job, domain.JobStateSucceeded, duration, finishedAt)
		w.ack(ctx, msg)
		return
	}

	if errors.Is(execErr, errCancelled) {
		log.Printf("worker: job=%s cancelled before delivery", job.ID)
		w.recordOutcome(ctx, job, domain.JobStateCancelled, duration, finishedAt)
		w.ack(ctx, msg)
		return
	}

	detail := execErr.Error()
	if !classified(execErr) {
		log.Printf("worker: job=%s unclassified error treated as terminal: %v", job.ID, execErr)
	}
	if IsRetryable(execErr) && attempt < w.config.MaxAttempts {
		delay := w.backoff(attempt)
		err := w.store.UpdateState(ctx, job.ID, domain.JobStateRunning, domain.JobStateQueued, store.StateFields{
			Error: &detail,
		})
		if errors.Is(err, store.ErrConflict) {
			// Cancelled mid-run. Terminal already, nothing to retry.
			w.ack(ctx, msg)
			return
		}
		if err != nil {
			log.Printf("worker: job=%s requeue failed: %v", job.ID, err)
		}
		log.Printf("worker: job=%s attempt=%d failed, retry in %s: %v", job.ID, attempt, delay, execErr)
		if w.metrics != nil {
			w.metrics.RetryScheduled(delay)
		}
		w.nack(ctx, msg, delay)
		return
	}

	err = w.store.UpdateState(ctx, job.ID, domain.JobStateRunning, domain.JobStateFailed, store.StateFields{
		FinishedAt: &finishedAt,
		Error:      &detail,
	})
	if err != nil && !errors.Is(err, store.ErrConflict) {
		log.Printf("worker: job=%s failure update failed: %v", job.ID, err)
	}
	log.Printf("worker: job=%s failed attempt=%d: %v", job.ID, attempt, execErr)
	w.recordOutcome(ctx, job, domain.JobStateFailed, duration, finishedAt)
	w.ack(ctx, msg)
}

var errCancelled = errors.New("job cancelled")

// execute runs the two phases of a job. The cancellation checkpoint sits
// between them: generation is repeatable, delivery is not.
func (w *Worker) execute(ctx context.Context, job domain.Job) (string, error) {
	issue, err := w.generator.Generate(ctx, job)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}

	fresh, err := w.store.GetJob(ctx, job.ID)
	if err == nil && fresh.State == domain.JobStateCancelled {
		return "", errCancelled
	}

	if job.Request.Recipient != "" {
		if w.sender == nil {
			return "", &TerminalError{Err: errors.New("recipient set but no sender configured")}
		}
		if err := w.sender.Send(ctx, job.Request.Recipient, issue); err != nil {
			return "", fmt.Errorf("send: %w", err)
		}
	}
	return issue.ResultRef, nil
}

// backoff returns the delay before attempt+1: base doubled per prior
// attempt, capped.
func (w *Worker) backoff(attempt int) time.Duration {
	d := w.config.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= w.config.BackoffCap {
			return w.config.BackoffCap
		}
	}
	if d > w.config.BackoffCap {
		return w.config.BackoffCap
	}
	return d
}

func (w *Worker) ack(ctx context.Context, msg queue.Message) {
	if err := w.queue.Ack(ctx, msg); err != nil {
		log.Printf("worker: ack job=%s: %v", msg.JobID, err)
	}
}

func (w *Worker) nack(ctx context.Context, msg queue.Message, retryIn time.Duration) {
	if err := w.queue.Nack(ctx, msg, retryIn); err != nil {
		log.Printf("worker: nack job=%s: %v", msg.JobID, err)
	}
}

func (w *Worker) recordOutcome(ctx context.Context, job domain.Job, state domain.JobState, duration time.Duration, at time.Time) {
	if w.metrics != nil {
		w.metrics.JobOutcome(string(state), job.Attempt, duration)
	}
	if w.analytics != nil {
		job.State = state
		if err := w.analytics.Write(ctx, job, at); err != nil {
			log.Printf("worker: analytics write failed: %v", err)
		}
	}
}
