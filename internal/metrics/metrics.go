// Package metrics exposes Prometheus collectors for the snapshot service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var jobBuckets = []float64{10, 30, 60, 120, 300, 600, 900, 1800, 3600}

var (
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_jobs_total",
			Help: "Total number of crawl jobs processed, labeled by queue and status.",
		},
		[]string{"queue", "status"},
	)

	jobsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_jobs_enqueued_total",
			Help: "Total number of crawl jobs enqueued, labeled by queue.",
		},
		[]string{"queue"},
	)

	jobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawler_job_duration_seconds",
			Help:    "Duration of crawl job execution in seconds.",
			Buckets: jobBuckets,
		},
		[]string{"queue", "status"},
	)

	jobTotalLatencySecs = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawler_job_total_latency_seconds",
			Help:    "Total latency from enqueue to completion in seconds.",
			Buckets: jobBuckets,
		},
		[]string{"queue", "status"},
	)

	queueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crawler_queue_size",
			Help: "Current number of jobs in queue.",
		},
		[]string{"queue"},
	)

	snapshotReadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_snapshot_reads_total",
			Help: "Snapshot read results, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	contentFilesReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_content_files_reclaimed_total",
			Help: "Content files unlinked after their last referencing snapshot was deleted.",
		},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveEnqueue increments the enqueued counter for a queue.
func ObserveEnqueue(queue string) {
	jobsEnqueuedTotal.WithLabelValues(queue).Inc()
}

// ObserveJob records a terminal job outcome with its execution duration
// and the end-to-end latency since enqueue.
func ObserveJob(queue, status string, duration, latency time.Duration) {
	jobsTotal.WithLabelValues(queue, status).Inc()
	jobDurationSeconds.WithLabelValues(queue, status).Observe(duration.Seconds())
	jobTotalLatencySecs.WithLabelValues(queue, status).Observe(latency.Seconds())
}

// SetQueueSize updates the depth gauge for a queue.
func SetQueueSize(queue string, n int) {
	queueSize.WithLabelValues(queue).Set(float64(n))
}

// ResetQueueSize clears the depth gauges so queues that no longer have
// jobs disappear from the export.
func ResetQueueSize() {
	queueSize.Reset()
}

// ObserveSnapshotRead counts a read outcome (hit, pending, miss, healed).
func ObserveSnapshotRead(outcome string) {
	snapshotReadsTotal.WithLabelValues(outcome).Inc()
}

// ObserveContentReclaimed counts content files removed by replace cleanup.
func ObserveContentReclaimed(n int) {
	contentFilesReclaimed.Add(float64(n))
}
