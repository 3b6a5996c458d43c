package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Scheduler metrics
	TickStarted()
	TickCompleted(duration time.Duration, dispatched int, err error)

	// Worker metrics
	JobsInFlightIncr()
	JobsInFlightDecr()
	JobOutcome(outcome string, attempt int, duration time.Duration)
	RetryScheduled(delay time.Duration)

	// Queue metrics
	QueueDepthUpdate(depth int64)
}

// Outcome constants for JobOutcome metric.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)
