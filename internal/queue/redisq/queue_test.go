package redisq

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/letterpressd/letterpress/internal/queue"
	"github.com/letterpressd/letterpress/internal/testutil"
)

func newTestQueue(t *testing.T, leaseTimeout time.Duration) (*Queue, *testutil.FakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clock := testutil.NewFakeClock(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	q := New(client, Config{LeaseTimeout: leaseTimeout})
	q.clock = clock.Now
	return q, clock
}

func mustDequeue(t *testing.T, q *Queue, timeout time.Duration) queue.Message {
	t.Helper()
	m, ok, err := q.Dequeue(context.Background(), timeout)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if !ok {
		t.Fatal("dequeue: queue empty, want a message")
	}
	return m
}

func depth(t *testing.T, q *Queue) int64 {
	t.Helper()
	n, err := q.Depth(context.Background())
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	return n
}

func TestEnqueueDequeueAck(t *testing.T) {
	q, _ := newTestQueue(t, time.Minute)
	ctx := context.Background()
	jobID := uuid.New()

	if err := q.Enqueue(ctx, queue.Message{JobID: jobID}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got := depth(t, q); got != 1 {
		t.Fatalf("depth = %d, want 1", got)
	}

	m := mustDequeue(t, q, time.Second)
	if m.JobID != jobID {
		t.Errorf("dequeued job = %s, want %s", m.JobID, jobID)
	}
	if got := depth(t, q); got != 0 {
		t.Errorf("depth after dequeue = %d, want 0", got)
	}

	if err := q.Ack(ctx, m); err != nil {
		t.Fatalf("ack: %v", err)
	}

	// Acked message is gone for good, even after the lease would expire.
	if _, ok, _ := q.Dequeue(ctx, 50*time.Millisecond); ok {
		t.Error("acked message redelivered")
	}
}

func TestExpiredLeaseRedeliveredExactlyOnce(t *testing.T) {
	q, clock := newTestQueue(t, time.Minute)
	ctx := context.Background()
	jobID := uuid.New()

	if err := q.Enqueue(ctx, queue.Message{JobID: jobID}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	mustDequeue(t, q, time.Second)

	// Lease still live: nothing to reclaim.
	q.reapOnce(ctx)
	if got := depth(t, q); got != 0 {
		t.Fatalf("depth with live lease = %d, want 0", got)
	}

	// The worker crashed; its lease runs out.
	clock.Advance(2 * time.Minute)
	q.reapOnce(ctx)
	if got := depth(t, q); got != 1 {
		t.Fatalf("depth after reclaim = %d, want 1", got)
	}

	// A second reap must not duplicate the reclaimed message.
	q.reapOnce(ctx)
	if got := depth(t, q); got != 1 {
		t.Fatalf("depth after second reap = %d, want 1 (exactly-once reclaim)", got)
	}

	m := mustDequeue(t, q, time.Second)
	if m.JobID != jobID {
		t.Errorf("reclaimed job = %s, want %s", m.JobID, jobID)
	}
	if _, ok, _ := q.Dequeue(ctx, 50*time.Millisecond); ok {
		t.Error("reclaimed message delivered twice")
	}
}

func TestAckAfterLeaseRecordedPreventsReclaim(t *testing.T) {
	q, clock := newTestQueue(t, time.Minute)
	ctx := context.Background()

	if err := q.Enqueue(ctx, queue.Message{JobID: uuid.New()}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	m := mustDequeue(t, q, time.Second)
	if err := q.Ack(ctx, m); err != nil {
		t.Fatalf("ack: %v", err)
	}

	clock.Advance(2 * time.Minute)
	q.reapOnce(ctx)
	if got := depth(t, q); got != 0 {
		t.Errorf("depth = %d after reaping an acked message, want 0", got)
	}
}

func TestNackDelayedPromotion(t *testing.T) {
	q, clock := newTestQueue(t, time.Minute)
	ctx := context.Background()
	jobID := uuid.New()

	if err := q.Enqueue(ctx, queue.Message{JobID: jobID}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	m := mustDequeue(t, q, time.Second)
	if err := q.Nack(ctx, m, 30*time.Second); err != nil {
		t.Fatalf("nack: %v", err)
	}

	// Not due yet.
	q.reapOnce(ctx)
	if got := depth(t, q); got != 0 {
		t.Fatalf("depth before retry due = %d, want 0", got)
	}

	clock.Advance(time.Minute)
	q.reapOnce(ctx)
	if got := depth(t, q); got != 1 {
		t.Fatalf("depth after promotion = %d, want 1", got)
	}
	q.reapOnce(ctx)
	if got := depth(t, q); got != 1 {
		t.Fatalf("depth after second reap = %d, want 1 (promoted once)", got)
	}

	if m := mustDequeue(t, q, time.Second); m.JobID != jobID {
		t.Errorf("promoted job = %s, want %s", m.JobID, jobID)
	}
}

func TestNackImmediateRequeue(t *testing.T) {
	q, _ := newTestQueue(t, time.Minute)
	ctx := context.Background()

	if err := q.Enqueue(ctx, queue.Message{JobID: uuid.New()}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	m := mustDequeue(t, q, time.Second)
	if err := q.Nack(ctx, m, 0); err != nil {
		t.Fatalf("nack: %v", err)
	}
	if got := depth(t, q); got != 1 {
		t.Errorf("depth after immediate nack = %d, want 1", got)
	}
}
