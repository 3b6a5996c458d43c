package memq

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/letterpressd/letterpress/internal/queue"
)

func TestEnqueueDequeue(t *testing.T) {
	q := New(10)
	defer q.Close()
	ctx := context.Background()

	m := queue.Message{JobID: uuid.New()}
	if err := q.Enqueue(ctx, m); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got, ok, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if !ok {
		t.Fatal("dequeue: ok = false, want true")
	}
	if got.JobID != m.JobID {
		t.Errorf("dequeued %s, want %s", got.JobID, m.JobID)
	}
}

func TestDequeue_TimesOutEmpty(t *testing.T) {
	q := New(10)
	defer q.Close()

	start := time.Now()
	_, ok, err := q.Dequeue(context.Background(), 20*time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if ok {
		t.Fatal("dequeue: ok = true on empty queue")
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("dequeue returned after %s, want >= 20ms", elapsed)
	}
}

func TestDequeue_CancelledContext(t *testing.T) {
	q := New(10)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := q.Dequeue(ctx, time.Minute)
	if err == nil {
		t.Fatal("dequeue with cancelled context: err = nil")
	}
}

func TestNack_RedeliversAfterDelay(t *testing.T) {
	q := New(10)
	defer q.Close()
	ctx := context.Background()

	m := queue.Message{JobID: uuid.New()}
	if err := q.Nack(ctx, m, 30*time.Millisecond); err != nil {
		t.Fatalf("nack: %v", err)
	}

	// Not redelivered before the delay.
	if _, ok, _ := q.Dequeue(ctx, 5*time.Millisecond); ok {
		t.Fatal("message redelivered before retry delay")
	}

	got, ok, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if !ok {
		t.Fatal("message not redelivered after retry delay")
	}
	if got.JobID != m.JobID {
		t.Errorf("redelivered %s, want %s", got.JobID, m.JobID)
	}
}

func TestNack_ImmediateWhenNoDelay(t *testing.T) {
	q := New(10)
	defer q.Close()
	ctx := context.Background()

	m := queue.Message{JobID: uuid.New()}
	if err := q.Nack(ctx, m, 0); err != nil {
		t.Fatalf("nack: %v", err)
	}

	_, ok, err := q.Dequeue(ctx, time.Second)
	if err != nil || !ok {
		t.Fatalf("dequeue after immediate nack: ok=%v err=%v", ok, err)
	}
}
