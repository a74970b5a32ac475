// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Controller metrics
	ReconcileTicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_reconcile_ticks_total",
			Help: "Total number of completed reconciliation passes",
		},
	)

	ReconcileErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_reconcile_errors_total",
			Help: "Total number of reconciliation passes that hit an error",
		},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_reconcile_duration_seconds",
			Help:    "Duration of reconciliation passes in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	JobTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_job_transitions_total",
			Help: "Total number of job status transitions by target status",
		},
		[]string{"to"},
	)

	SandboxesReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_sandboxes_reaped_total",
			Help: "Total number of orphaned sandboxes removed",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	JobsSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_jobs_submitted_total",
			Help: "Total number of jobs accepted for execution",
		},
	)

	LogStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_log_streams_active",
			Help: "Number of currently open log streaming connections",
		},
	)
)

func init() {
	prometheus.MustRegister(ReconcileTicks)
	prometheus.MustRegister(ReconcileErrors)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(JobTransitions)
	prometheus.MustRegister(SandboxesReaped)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(JobsSubmitted)
	prometheus.MustRegister(LogStreams)
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
