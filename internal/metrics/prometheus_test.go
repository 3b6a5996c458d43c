package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	return sink, reg
}

func gatherFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func getCounterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mf := gatherFamily(t, reg, name)
	if mf == nil {
		return 0
	}
	for _, m := range mf.GetMetric() {
		if m.GetCounter() != nil {
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func getGaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mf := gatherFamily(t, reg, name)
	if mf == nil {
		return 0
	}
	for _, m := range mf.GetMetric() {
		if m.GetGauge() != nil {
			return m.GetGauge().GetValue()
		}
	}
	return 0
}

func getCounterVecValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mf := gatherFamily(t, reg, name)
	if mf == nil {
		return 0
	}
metric:
	for _, m := range mf.GetMetric() {
		for _, lp := range m.GetLabel() {
			if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
				continue metric
			}
		}
		if m.GetCounter() != nil {
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestPrometheusSink_TickMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.TickStarted()
	sink.TickStarted()
	sink.TickCompleted(50*time.Millisecond, 3, nil)
	sink.TickCompleted(50*time.Millisecond, 0, errors.New("store down"))

	if got := getCounterValue(t, reg, "letterpress_scheduler_ticks_total"); got != 2 {
		t.Errorf("ticks_total = %v, want 2", got)
	}
	if got := getCounterValue(t, reg, "letterpress_scheduler_jobs_dispatched_total"); got != 3 {
		t.Errorf("jobs_dispatched_total = %v, want 3", got)
	}
	if got := getCounterValue(t, reg, "letterpress_scheduler_tick_errors_total"); got != 1 {
		t.Errorf("tick_errors_total = %v, want 1", got)
	}
}

func TestPrometheusSink_WorkerMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.JobsInFlightIncr()
	sink.JobsInFlightIncr()
	sink.JobsInFlightDecr()

	if got := getGaugeValue(t, reg, "letterpress_worker_jobs_in_flight"); got != 1 {
		t.Errorf("jobs_in_flight = %v, want 1", got)
	}

	sink.JobOutcome(OutcomeSucceeded, 2, 3*time.Second)
	sink.JobOutcome(OutcomeSucceeded, 2, time.Second)
	sink.JobOutcome(OutcomeFailed, 3, time.Second)

	got := getCounterVecValue(t, reg, "letterpress_worker_outcomes_total", map[string]string{
		"outcome": OutcomeSucceeded,
		"attempt": "2",
	})
	if got != 2 {
		t.Errorf("outcomes_total{succeeded,2} = %v, want 2", got)
	}

	sink.RetryScheduled(30 * time.Second)
	if got := getCounterValue(t, reg, "letterpress_worker_retries_total"); got != 1 {
		t.Errorf("retries_total = %v, want 1", got)
	}
}

func TestPrometheusSink_QueueDepth(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.QueueDepthUpdate(17)
	if got := getGaugeValue(t, reg, "letterpress_queue_depth"); got != 17 {
		t.Errorf("queue_depth = %v, want 17", got)
	}
}

func TestPrometheusSink_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()

	// Second sink on the same registry must not panic; collisions are logged.
	NewPrometheusSink(reg)
	NewPrometheusSink(reg)
}

func TestNoopSink_AllMethods(t *testing.T) {
	s := NewNoopSink()

	s.TickStarted()
	s.TickCompleted(100*time.Millisecond, 5, nil)
	s.JobsInFlightIncr()
	s.JobsInFlightDecr()
	s.JobOutcome(OutcomeSucceeded, 1, time.Second)
	s.JobOutcome(OutcomeCancelled, 1, time.Second)
	s.RetryScheduled(time.Minute)
	s.QueueDepthUpdate(0)
}
