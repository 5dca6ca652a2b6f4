// Package metrics provides Prometheus collectors for vendorflow.
//
// # Overview
//
// The metrics package exposes pre-registered vectors for the three places where
// vendor calls spend time:
//   - the HTTP layer (requests, retries, latency)
//   - the per-connector rate limiter (time spent waiting for a slot)
//   - the task poller (status fetches, terminal outcomes, total wait)
//
// # Basic Usage
//
//	metrics.HTTPRequests.WithLabelValues("meshy", "POST", "200").Inc()
//
//	timer := metrics.NewTimer("rig")
//	handle, err := conn.Rig(ctx, modelID, opts)
//	metrics.TaskWait.WithLabelValues("rigging").Observe(timer.Stop().Seconds())
//
// Use Handler to serve them over HTTP.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequests counts transport attempts by outcome.
	// Labels: connector, method, code ("timeout" or "error" when no response arrived)
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vendorflow_http_requests_total",
			Help: "Total number of vendor HTTP attempts",
		},
		[]string{"connector", "method", "code"},
	)

	// HTTPRetries counts retries scheduled by the retry policy.
	// Labels: connector, reason (rate_limit, server_error, timeout)
	HTTPRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vendorflow_http_retries_total",
			Help: "Total number of retried vendor HTTP attempts",
		},
		[]string{"connector", "reason"},
	)

	// HTTPDuration tracks single-attempt latency in seconds.
	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vendorflow_http_request_duration_seconds",
			Help:    "Vendor HTTP attempt latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"connector", "method"},
	)

	// LimiterWait tracks time spent blocked in the per-connector rate limiter.
	LimiterWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vendorflow_limiter_wait_seconds",
			Help:    "Time spent waiting for a rate limiter slot",
			Buckets: []float64{0, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"connector"},
	)

	// TaskPolls counts status fetches made by the poller.
	TaskPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vendorflow_task_polls_total",
			Help: "Total number of task status fetches",
		},
		[]string{"task_type"},
	)

	// TaskOutcomes counts how polls ended.
	// Labels: task_type, status (SUCCEEDED, FAILED, EXPIRED, TIMEOUT, CANCELED)
	TaskOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vendorflow_task_outcomes_total",
			Help: "Total number of poll outcomes by final status",
		},
		[]string{"task_type", "status"},
	)

	// TaskWait tracks the wall-clock time a synchronous stage spent waiting for its task.
	TaskWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vendorflow_task_wait_seconds",
			Help:    "Time spent waiting for remote tasks to reach a terminal state",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"task_type"},
	)

	// AssetsStored counts result files written to a sink.
	AssetsStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vendorflow_assets_stored_total",
			Help: "Total number of downloaded assets written to storage",
		},
		[]string{"sink", "format"},
	)
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer provides a simple timing mechanism for measuring operation durations.
// It captures the start time on creation and calculates elapsed time on stop.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Stop returns the elapsed duration since creation. It may be called repeatedly.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// Name returns the timer name
func (t *Timer) Name() string {
	return t.name
}
