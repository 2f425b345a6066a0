package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmitCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_submitted_total", Help: "Jobs accepted for execution"})
	IdempotentHits   = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_idempotent_hits_total", Help: "Submissions resolved to an existing job by idempotency key"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	ClaimCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_claimed_total", Help: "Jobs claimed by workers"})
	DoneCounter      = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_done_total", Help: "Jobs completed successfully"})
	FailedCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs that ended in failure"})
	RequeueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_requeued_total", Help: "Terminal jobs reset back to pending"})
	ProcessingGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_processing", Help: "Jobs currently claimed by this worker"})

	MigrationProcessed = prometheus.NewCounter(prometheus.CounterOpts{Name: "migration_records_processed_total", Help: "Source records handled by the batch migration worker"})
	MigrationFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "migration_records_failed_total", Help: "Source records that failed migration"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmitCounter,
			IdempotentHits,
			RateLimitRejects,
			ClaimCounter,
			DoneCounter,
			FailedCounter,
			RequeueCounter,
			ProcessingGauge,
			MigrationProcessed,
			MigrationFailed,
		)
	})
	return promhttp.Handler()
}
