package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	Transitions         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "agentkyc_transitions_total", Help: "Persisted status transitions"}, []string{"from", "to"})
	TransitionConflicts = prometheus.NewCounter(prometheus.CounterOpts{Name: "agentkyc_transition_conflicts_total", Help: "Transitions that lost an optimistic race"})
	AuditWriteFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "agentkyc_audit_write_failures_total", Help: "Audit entries that could not be persisted"})
	AutoReviewOutcomes  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "agentkyc_auto_review_outcomes_total", Help: "Auto-review decisions by outcome"}, []string{"action"})
	AutoReviewSkipped   = prometheus.NewCounter(prometheus.CounterOpts{Name: "agentkyc_auto_review_skipped_total", Help: "Auto-review passes skipped (disabled, capped or fail-closed)"})
	JobsEnqueued        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "agentkyc_jobs_enqueued_total", Help: "Jobs enqueued by type"}, []string{"type"})
	JobsLeased          = prometheus.NewCounter(prometheus.CounterOpts{Name: "agentkyc_jobs_leased_total", Help: "Jobs leased by workers"})
	JobsFinished        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "agentkyc_jobs_finished_total", Help: "Jobs finished by result"}, []string{"result"})
	JobsRequeued        = prometheus.NewCounter(prometheus.CounterOpts{Name: "agentkyc_jobs_requeued_total", Help: "Stale jobs returned to the queue"})
	EmailsSent          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "agentkyc_emails_total", Help: "Outbound emails by result"}, []string{"result"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "agentkyc_rate_limit_rejects_total", Help: "Requests rejected by the rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			Transitions,
			TransitionConflicts,
			AuditWriteFailures,
			AutoReviewOutcomes,
			AutoReviewSkipped,
			JobsEnqueued,
			JobsLeased,
			JobsFinished,
			JobsRequeued,
			EmailsSent,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
