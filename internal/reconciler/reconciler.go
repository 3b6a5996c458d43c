// Package reconciler detects and re-enqueues stuck jobs.
//
// A job is stuck when it sits in state 'queued' past a threshold with no
// queue message left to claim it: the scheduler crashed between creating
// the job and enqueueing it, or an in-process queue lost its buffer on
// restart.
//
// The reconciler periodically scans for stuck jobs and enqueues a fresh
// message for each. Idempotency is guaranteed by the worker's conditional
// queued -> running claim - a duplicate message for a job that already
// ran resolves to an ack.
package reconciler

import (
	"context"
	"log"
	"time"

	"github.com/letterpressd/letterpress/internal/domain"
	"github.com/letterpressd/letterpress/internal/queue"
)

// Store defines the interface for fetching stuck jobs.
type Store interface {
	StuckQueuedJobs(ctx context.Context, olderThan time.Time, limit int) ([]domain.Job, error)
}

// Config holds reconciler configuration.
type Config struct {
	// Interval is how often the reconciler runs.
	// Default: 5 minutes.
	Interval time.Duration

	// Threshold is the age after which a queued job counts as stuck. It
	// must comfortably exceed the worker's maximum backoff, or the
	// reconciler will double-enqueue jobs that are merely waiting out a
	// retry delay. Default: 30 minutes.
	Threshold time.Duration

	// BatchSize is the maximum number of stuck jobs per cycle.
	// Default: 100.
	BatchSize int
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		Threshold: 30 * time.Minute,
		BatchSize: 100,
	}
}

// Reconciler detects stuck jobs and re-enqueues them.
type Reconciler struct {
	config Config
	store  Store
	queue  queue.Queue
	clock  func() time.Time
}

// New creates a new Reconciler.
func New(config Config, store Store, q queue.Queue) *Reconciler {
	return &Reconciler{
		config: config,
		store:  store,
		queue:  q,
		clock:  time.Now,
	}
}

// Run starts the reconciliation loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	log.Printf("reconciler: started (interval=%s, threshold=%s, batch=%d)",
		r.config.Interval, r.config.Threshold, r.config.BatchSize)

	// Run immediately on startup, then on ticker
	r.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("reconciler: stopped")
			return
		case <-ticker.C:
			r.runCycle(ctx)
		}
	}
}

// runCycle executes one reconciliation cycle.
func (r *Reconciler) runCycle(ctx context.Context) {
	now := r.clock().UTC()
	threshold := now.Add(-r.config.Threshold)

	stuck, err := r.store.StuckQueuedJobs(ctx, threshold, r.config.BatchSize)
	if err != nil {
		// Store error: log and abort cycle. Will retry next interval.
		log.Printf("reconciler: failed to fetch stuck jobs: %v", err)
		return
	}

	if len(stuck) == 0 {
		// Nothing to do. Silent success.
		return
	}

	log.Printf("reconciler: found %d stuck jobs", len(stuck))

	enqueued := 0
	failed := 0

	for _, job := range stuck {
		// Check context before each enqueue to allow graceful shutdown
		if ctx.Err() != nil {
			log.Printf("reconciler: cycle interrupted, processed %d/%d jobs", enqueued+failed, len(stuck))
			return
		}

		if err := r.queue.Enqueue(ctx, queue.Message{JobID: job.ID}); err != nil {
			// Enqueue failed (broker down, context cancelled).
			// Log and continue - will retry next cycle.
			log.Printf("reconciler: failed to re-enqueue job=%s: %v", job.ID, err)
			failed++
			continue
		}

		log.Printf("reconciler: re-enqueued job=%s key=%s (age=%s)",
			job.ID, job.OccurrenceKey, now.Sub(job.CreatedAt).Round(time.Second))
		enqueued++
	}

	log.Printf("reconciler: cycle complete, enqueued=%d, failed=%d", enqueued, failed)
}
