package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) TickStarted()                                                   {}
func (n *NoopSink) TickCompleted(duration time.Duration, dispatched int, err error) {}
func (n *NoopSink) JobsInFlightIncr()                                              {}
func (n *NoopSink) JobsInFlightDecr()                                              {}
func (n *NoopSink) JobOutcome(outcome string, attempt int, duration time.Duration) {}
func (n *NoopSink) RetryScheduled(delay time.Duration)                             {}
func (n *NoopSink) QueueDepthUpdate(depth int64)                                   {}

// Verify NoopSink implements Sink interface.
var _ Sink = (*NoopSink)(nil)
