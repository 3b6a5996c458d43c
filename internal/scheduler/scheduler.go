// Package scheduler runs the periodic dispatch loop: find due schedules,
// create their jobs idempotently, enqueue them, advance next_run.
//
// Any number of scheduler instances may run concurrently. Correctness is
// delegated entirely to the store's conditional primitives: the occurrence
// key dedupes job creation, and the worker's conditional queued->running
// transition dedupes delivery. No leader election, no shared memory.
package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/letterpressd/letterpress/internal/domain"
	"github.com/letterpressd/letterpress/internal/queue"
	"github.com/letterpressd/letterpress/internal/recurrence"
)

type Store interface {
	DueSchedules(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error)
	CreateJobIfAbsent(ctx context.Context, job domain.Job) (domain.Job, bool, error)
	UpdateNextRun(ctx context.Context, id uuid.UUID, next time.Time) error
}

// MetricsSink records scheduler metrics. Non-blocking, fire-and-forget.
type MetricsSink interface {
	TickStarted()
	TickCompleted(duration time.Duration, dispatched int, err error)
}

type Config struct {
	// PollInterval between due-schedule scans. Default 5 minutes.
	PollInterval time.Duration

	// BatchSize caps schedules handled per poll. Default 100.
	BatchSize int
}

type Scheduler struct {
	config  Config
	store   Store
	rules   *recurrence.Parser
	queue   queue.Queue
	metrics MetricsSink // optional, nil = disabled
	clock   func() time.Time

	lastTick atomic.Int64 // unix seconds, 0 = never ticked
}

func New(config Config, store Store, rules *recurrence.Parser, q queue.Queue) *Scheduler {
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Minute
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	return &Scheduler{
		config: config,
		store:  store,
		rules:  rules,
		queue:  q,
		clock:  time.Now,
	}
}

// WithMetrics attaches a metrics sink to the scheduler.
func (s *Scheduler) WithMetrics(sink MetricsSink) *Scheduler {
	s.metrics = sink
	return s
}

// LastTick returns the completion time of the most recent poll, or the
// zero time if no poll has completed yet. Used by /health.
func (s *Scheduler) LastTick() time.Time {
	unix := s.lastTick.Load()
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0).UTC()
}

// Run polls until ctx is cancelled. The first poll happens immediately.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	log.Printf("scheduler: started, poll=%s", s.config.PollInterval)

	s.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("scheduler: stopped")
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	if s.metrics != nil {
		s.metrics.TickStarted()
	}

	start := s.clock()
	dispatched, err := s.processDue(ctx)
	if err != nil {
		// Store unavailable: the whole poll aborts and the next tick
		// retries. Nothing was advanced, so nothing is lost.
		log.Printf("scheduler: poll error: %v", err)
	}

	s.lastTick.Store(s.clock().Unix())
	if s.metrics != nil {
		s.metrics.TickCompleted(s.clock().Sub(start), dispatched, err)
	}
}

func (s *Scheduler) processDue(ctx context.Context) (int, error) {
	now := s.clock().UTC()

	due, err := s.store.DueSchedules(ctx, now, s.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("due schedules: %w", err)
	}

	dispatched := 0
	for _, sched := range due {
		if ctx.Err() != nil {
			return dispatched, ctx.Err()
		}
		if err := s.dispatch(ctx, sched, now); err != nil {
			// One schedule's failure never blocks the rest of the poll.
			log.Printf("scheduler: schedule %s: %v", sched.ID, err)
			continue
		}
		dispatched++
	}

	return dispatched, nil
}

// dispatch handles one due occurrence. Every step is safe to repeat: job
// creation is keyed by occurrence, a duplicate enqueue is absorbed by the
// worker's conditional state transition, and next_run is only advanced
// after the enqueue succeeded.
func (s *Scheduler) dispatch(ctx context.Context, sched domain.Schedule, now time.Time) error {
	scheduleID := sched.ID
	job := domain.Job{
		ID:            uuid.New(),
		ScheduleID:    &scheduleID,
		OccurrenceKey: OccurrenceKey(sched.ID, sched.NextRun),
		State:         domain.JobStateQueued,
		Request:       sched.Request,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	stored, created, err := s.store.CreateJobIfAbsent(ctx, job)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	if !created {
		log.Printf("scheduler: schedule %s occurrence %s already has job %s",
			sched.ID, sched.NextRun.Format(time.RFC3339), stored.ID)
	}

	if err := s.queue.Enqueue(ctx, queue.Message{JobID: stored.ID}); err != nil {
		// next_run stays put, so the next tick retries this same
		// occurrence; CreateJobIfAbsent will find the existing job.
		return fmt.Errorf("enqueue job %s: %w", stored.ID, err)
	}

	next, err := s.rules.Next(sched.Rule, sched.Anchor, sched.NextRun, now, sched.Timezone)
	if err != nil {
		return fmt.Errorf("advance next_run: %w", err)
	}

	if err := s.store.UpdateNextRun(ctx, sched.ID, next); err != nil {
		return fmt.Errorf("persist next_run: %w", err)
	}

	log.Printf("scheduler: dispatched schedule=%s occurrence=%s job=%s next=%s",
		sched.ID, sched.NextRun.Format(time.RFC3339), stored.ID, next.Format(time.RFC3339))
	return nil
}

// OccurrenceKey derives the deterministic job-dedup key for a schedule
// occurrence.
func OccurrenceKey(scheduleID uuid.UUID, occurrence time.Time) string {
	data := fmt.Sprintf("%s:%d", scheduleID.String(), occurrence.Unix())
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
