// Package metrics exposes Prometheus instrumentation for the conversion
// pipeline. All collectors are registered on the default registry and
// served by the status API's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsConverted counts jobs that reached the Converted state.
	JobsConverted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchmux_jobs_converted_total",
		Help: "Number of source files successfully converted.",
	})

	// JobsFailed counts permanently failed jobs by failure reason.
	JobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watchmux_jobs_failed_total",
		Help: "Number of jobs that failed permanently, by reason.",
	}, []string{"reason"})

	// JobRetries counts transient failures that were retried.
	JobRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchmux_job_retries_total",
		Help: "Number of transient job failures scheduled for retry.",
	})

	// EventsDropped counts filesystem events dropped on a full queue.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchmux_events_dropped_total",
		Help: "Number of filesystem events dropped because the event queue was full.",
	})

	// BytesReclaimed accumulates source-minus-output size on success.
	BytesReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchmux_bytes_reclaimed_total",
		Help: "Total bytes reclaimed by converting sources to smaller outputs.",
	})

	// JobsActive tracks jobs currently in a non-terminal state.
	JobsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "watchmux_jobs_active",
		Help: "Number of jobs currently tracked (queued or running).",
	})

	// QueueDepth tracks settled candidates waiting for a worker.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "watchmux_queue_depth",
		Help: "Number of jobs waiting in the conversion queue.",
	})
)
