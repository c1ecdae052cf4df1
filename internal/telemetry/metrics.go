// Package telemetry exposes Prometheus metrics for job submission and rendering.
package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "render_jobs_submitted_total", Help: "Jobs accepted, by kind"}, []string{"kind"})
	JobsRejected     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "render_jobs_rejected_total", Help: "Submissions rejected before dispatch, by kind"}, []string{"kind"})
	JobsCompleted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "render_jobs_completed_total", Help: "Jobs completed successfully, by kind"}, []string{"kind"})
	JobsFailed       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "render_jobs_failed_total", Help: "Jobs that ended in error, by kind and code"}, []string{"kind", "code"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "render_queue_depth", Help: "Job ids waiting for a worker"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "render_jobs_inflight", Help: "Jobs currently being processed"})
	RenderSeconds    = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "render_compose_seconds",
		Help:    "Wall time of one composition",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})
	NarrationFallbacks = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_narration_fallbacks_total", Help: "Narrations replaced by the silent fallback"})
)

// Register adds the collectors to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsRejected,
			JobsCompleted,
			JobsFailed,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
			RenderSeconds,
			NarrationFallbacks,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
