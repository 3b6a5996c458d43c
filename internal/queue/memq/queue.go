// Package memq implements the job queue in process memory. This is the
// degraded fallback for when Redis is not available: no durability (all
// messages are lost on crash) and no cross-process consumers. Retries are
// redelivered by timers instead of a lease ZSET; there is no lease at all,
// because a crash takes the workers down with the queue.
package memq

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/letterpressd/letterpress/internal/queue"
)

type Queue struct {
	ch chan queue.Message

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool
}

func New(buffer int) *Queue {
	return &Queue{
		ch:     make(chan queue.Message, buffer),
		timers: make(map[*time.Timer]struct{}),
	}
}

func (q *Queue) Name() string { return "memory" }

func (q *Queue) Enqueue(ctx context.Context, m queue.Message) error {
	select {
	case q.ch <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (queue.Message, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case m := <-q.ch:
		return m, true, nil
	case <-timer.C:
		return queue.Message{}, false, nil
	case <-ctx.Done():
		return queue.Message{}, false, ctx.Err()
	}
}

// Ack is a no-op: an in-memory delivery has no lease to release.
func (q *Queue) Ack(ctx context.Context, m queue.Message) error {
	return nil
}

// Nack re-enqueues after retryIn via a timer. If the buffer is full when
// the timer fires the message is dropped — the reconciler picks the job
// up again from the store.
func (q *Queue) Nack(ctx context.Context, m queue.Message, retryIn time.Duration) error {
	if retryIn <= 0 {
		return q.Enqueue(ctx, m)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		log.Printf("memq: dropping retry for job %s: queue closed", m.JobID)
		return nil
	}

	var timer *time.Timer
	timer = time.AfterFunc(retryIn, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return
		}
		select {
		case q.ch <- m:
		default:
			log.Printf("memq: dropping retry for job %s: buffer full", m.JobID)
		}
	})
	q.timers[timer] = struct{}{}
	return nil
}

func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return int64(len(q.ch)), nil
}

// Close stops pending retry timers. Buffered messages are discarded by
// whoever owns the channel going out of scope.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for timer := range q.timers {
		timer.Stop()
	}
	q.timers = nil
}

var (
	_ queue.Queue         = (*Queue)(nil)
	_ queue.DepthReporter = (*Queue)(nil)
)
