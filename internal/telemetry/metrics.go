package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter      = prometheus.NewCounter(prometheus.CounterOpts{Name: "generation_enqueued_total", Help: "Generation requests enqueued"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "generation_rate_limit_rejects_total", Help: "Enqueue requests rejected by rate limiter"})
	JobsSucceeded       = prometheus.NewCounter(prometheus.CounterOpts{Name: "generation_jobs_succeeded_total", Help: "Jobs that produced an artifact"})
	JobsFailed          = prometheus.NewCounter(prometheus.CounterOpts{Name: "generation_jobs_failed_total", Help: "Jobs that ended failed"})
	JobsRetried         = prometheus.NewCounter(prometheus.CounterOpts{Name: "generation_jobs_retried_total", Help: "Fallback chain exhaustions released for retry"})
	DuplicateSkips      = prometheus.NewCounter(prometheus.CounterOpts{Name: "generation_duplicate_deliveries_total", Help: "Deliveries of already terminal jobs"})
	DeadLetters         = prometheus.NewCounter(prometheus.CounterOpts{Name: "generation_dead_letters_total", Help: "Messages moved to the dead-letter queue"})
	AbandonedJobs       = prometheus.NewCounter(prometheus.CounterOpts{Name: "generation_abandoned_total", Help: "Jobs whose lease expired mid-processing"})
	InvariantViolations = prometheus.NewCounter(prometheus.CounterOpts{Name: "generation_invariant_violations_total", Help: "Rejected illegal transitions or conflicting artifacts"})
	ProviderAttempts    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "generation_provider_attempts_total", Help: "Provider invocations by model and outcome"}, []string{"model", "outcome"})
	ProviderDuration    = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "generation_provider_attempt_seconds",
		Help:    "Provider attempt latency",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60, 90, 120, 180},
	}, []string{"model"})
	PassDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "generation_pass_seconds",
		Help:    "Wall-clock time of consumer passes",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 13),
	})
	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "generation_queue_depth", Help: "Messages visible or leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			JobsSucceeded,
			JobsFailed,
			JobsRetried,
			DuplicateSkips,
			DeadLetters,
			AbandonedJobs,
			InvariantViolations,
			ProviderAttempts,
			ProviderDuration,
			PassDuration,
			QueueDepthGauge,
		)
	})
	return promhttp.Handler()
}
