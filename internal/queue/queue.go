// Package queue defines the dispatch capability between the scheduler and
// the workers. Two backends implement it: redisq (durable, multi-consumer,
// lease-based redelivery) and memq (in-process, reduced guarantees). The
// backend is selected once at process startup.
//
// The queue is allowed to deliver a job more than once — for example after
// a lease expires, or when a scheduler retry enqueues a job that is
// already pending. Exactly-once processing comes from the store's
// conditional queued->running transition, never from the queue.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Message references a job by ID. Workers load the authoritative record
// from the store; nothing else travels on the wire.
type Message struct {
	JobID uuid.UUID
}

type Queue interface {
	// Name identifies the backend ("redis" or "memory") for /health.
	Name() string

	Enqueue(ctx context.Context, m Message) error

	// Dequeue blocks for up to timeout. ok is false when nothing arrived
	// before the timeout; that is not an error.
	Dequeue(ctx context.Context, timeout time.Duration) (m Message, ok bool, err error)

	// Ack removes a delivered message permanently.
	Ack(ctx context.Context, m Message) error

	// Nack schedules a delivered message for redelivery after retryIn.
	Nack(ctx context.Context, m Message, retryIn time.Duration) error
}

// DepthReporter is implemented by backends that can report the number of
// pending messages. Used for the queue depth gauge.
type DepthReporter interface {
	Depth(ctx context.Context) (int64, error)
}
