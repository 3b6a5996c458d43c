package metrics

import (
	"log"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using the Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Scheduler metrics
	ticksTotal      prometheus.Counter
	tickErrorsTotal prometheus.Counter
	dispatchedTotal prometheus.Counter
	tickDuration    prometheus.Histogram

	// Worker metrics
	jobsInFlight  prometheus.Gauge
	outcomesTotal *prometheus.CounterVec
	jobDuration   prometheus.Histogram
	retriesTotal  prometheus.Counter
	retryDelay    prometheus.Histogram

	// Queue metrics
	queueDepth prometheus.Gauge
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initSchedulerMetrics(reg)
	s.initWorkerMetrics(reg)
	s.initQueueMetrics(reg)
	return s
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "letterpress_scheduler_ticks_total",
		Help: "Total number of scheduler poll cycles.",
	})
	s.tickErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "letterpress_scheduler_tick_errors_total",
		Help: "Total number of poll cycles aborted by store errors.",
	})
	s.dispatchedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "letterpress_scheduler_jobs_dispatched_total",
		Help: "Total number of occurrences dispatched to the queue.",
	})
	s.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "letterpress_scheduler_tick_duration_seconds",
		Help:    "Duration of each scheduler poll cycle in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})

	s.register(reg, s.ticksTotal, "letterpress_scheduler_ticks_total")
	s.register(reg, s.tickErrorsTotal, "letterpress_scheduler_tick_errors_total")
	s.register(reg, s.dispatchedTotal, "letterpress_scheduler_jobs_dispatched_total")
	s.register(reg, s.tickDuration, "letterpress_scheduler_tick_duration_seconds")
}

func (s *PrometheusSink) initWorkerMetrics(reg prometheus.Registerer) {
	s.jobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "letterpress_worker_jobs_in_flight",
		Help: "Number of jobs currently being executed.",
	})
	s.outcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "letterpress_worker_outcomes_total",
		Help: "Total number of terminal job outcomes.",
	}, []string{"outcome", "attempt"})
	s.jobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "letterpress_worker_job_duration_seconds",
		Help:    "End-to-end job execution time in seconds.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})
	s.retriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "letterpress_worker_retries_total",
		Help: "Total number of retries scheduled after retryable failures.",
	})
	s.retryDelay = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "letterpress_worker_retry_delay_seconds",
		Help:    "Backoff delay applied to scheduled retries in seconds.",
		Buckets: []float64{30, 60, 120, 240, 480, 600},
	})

	s.register(reg, s.jobsInFlight, "letterpress_worker_jobs_in_flight")
	s.register(reg, s.outcomesTotal, "letterpress_worker_outcomes_total")
	s.register(reg, s.jobDuration, "letterpress_worker_job_duration_seconds")
	s.register(reg, s.retriesTotal, "letterpress_worker_retries_total")
	s.register(reg, s.retryDelay, "letterpress_worker_retry_delay_seconds")
}

func (s *PrometheusSink) initQueueMetrics(reg prometheus.Registerer) {
	s.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "letterpress_queue_depth",
		Help: "Number of messages waiting in the pending queue.",
	})

	s.register(reg, s.queueDepth, "letterpress_queue_depth")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

// Scheduler metrics implementation

func (s *PrometheusSink) TickStarted() {
	s.ticksTotal.Inc()
}

func (s *PrometheusSink) TickCompleted(duration time.Duration, dispatched int, err error) {
	s.tickDuration.Observe(duration.Seconds())
	s.dispatchedTotal.Add(float64(dispatched))
	if err != nil {
		s.tickErrorsTotal.Inc()
	}
}

// Worker metrics implementation

func (s *PrometheusSink) JobsInFlightIncr() {
	s.jobsInFlight.Inc()
}

func (s *PrometheusSink) JobsInFlightDecr() {
	s.jobsInFlight.Dec()
}

func (s *PrometheusSink) JobOutcome(outcome string, attempt int, duration time.Duration) {
	s.outcomesTotal.WithLabelValues(outcome, strconv.Itoa(attempt)).Inc()
	s.jobDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) RetryScheduled(delay time.Duration) {
	s.retriesTotal.Inc()
	s.retryDelay.Observe(delay.Seconds())
}

// Queue metrics implementation

func (s *PrometheusSink) QueueDepthUpdate(depth int64) {
	s.queueDepth.Set(float64(depth))
}

// Verify PrometheusSink implements Sink interface.
var _ Sink = (*PrometheusSink)(nil)
