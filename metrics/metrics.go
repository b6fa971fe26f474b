// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	UploadSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidpipe_upload_sessions_total",
		Help: "Upload sessions created, by strategy",
	}, []string{"strategy"})

	UploadsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidpipe_uploads_completed_total",
		Help: "Uploads completed and recorded, by strategy",
	}, []string{"strategy"})

	Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidpipe_dispatches_total",
		Help: "Transcode dispatch requests, by outcome",
	}, []string{"outcome"})

	Jobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidpipe_jobs_total",
		Help: "Transcode job attempts, by outcome",
	}, []string{"outcome"})

	Heartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vidpipe_heartbeats_total",
		Help: "Lease extensions sent by workers",
	})

	HeartbeatFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vidpipe_heartbeat_failures_total",
		Help: "Lease extensions that failed",
	})

	TranscodeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vidpipe_transcode_duration_seconds",
		Help:    "Wall time of successful transcode jobs",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vidpipe_active_jobs",
		Help: "Jobs currently being processed by this worker",
	})

	ReconcileRepairs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidpipe_reconcile_actions_total",
		Help: "Reconcile sweep actions, by kind",
	}, []string{"kind"})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
