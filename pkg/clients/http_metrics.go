// Package clients provides HTTP metrics tracking
package clients

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// HTTPMetrics tracks per-client attempt counts, retries and latency samples.
// Process-wide Prometheus counters are updated alongside by HTTPClient.
type HTTPMetrics struct {
	totalAttempts int64
	successes     int64
	clientErrors  int64
	serverErrors  int64
	rateLimited   int64
	transportErrs int64

	mu             sync.RWMutex
	retries        map[string]int64
	latencySamples []time.Duration
	sampleIndex    int
	maxSamples     int
}

// NewHTTPMetrics creates a tracker keeping the last 1000 latency samples
func NewHTTPMetrics() *HTTPMetrics {
	return &HTTPMetrics{
		retries:        make(map[string]int64),
		latencySamples: make([]time.Duration, 1000),
		maxSamples:     1000,
	}
}

// RecordAttempt records one transport attempt. code is the HTTP status, or
// "timeout"/"error" when no response arrived.
func (hm *HTTPMetrics) RecordAttempt(method, code string, latency time.Duration) {
	atomic.AddInt64(&hm.totalAttempts, 1)

	switch {
	case code == "429":
		atomic.AddInt64(&hm.rateLimited, 1)
	case strings.HasPrefix(code, "2"), strings.HasPrefix(code, "3"):
		atomic.AddInt64(&hm.successes, 1)
	case strings.HasPrefix(code, "4"):
		atomic.AddInt64(&hm.clientErrors, 1)
	case strings.HasPrefix(code, "5"):
		atomic.AddInt64(&hm.serverErrors, 1)
	default:
		atomic.AddInt64(&hm.transportErrs, 1)
	}

	hm.mu.Lock()
	hm.latencySamples[hm.sampleIndex] = latency
	hm.sampleIndex = (hm.sampleIndex + 1) % hm.maxSamples
	hm.mu.Unlock()
}

// RecordRetry records a scheduled retry by reason
func (hm *HTTPMetrics) RecordRetry(reason string) {
	hm.mu.Lock()
	hm.retries[reason]++
	hm.mu.Unlock()
}

// Snapshot returns a consistent copy of the counters
func (hm *HTTPMetrics) Snapshot() HTTPStats {
	hm.mu.RLock()
	retries := make(map[string]int64, len(hm.retries))
	var totalRetries int64
	for reason, n := range hm.retries {
		retries[reason] = n
		totalRetries += n
	}
	hm.mu.RUnlock()

	return HTTPStats{
		TotalAttempts:   atomic.LoadInt64(&hm.totalAttempts),
		Successes:       atomic.LoadInt64(&hm.successes),
		ClientErrors:    atomic.LoadInt64(&hm.clientErrors),
		ServerErrors:    atomic.LoadInt64(&hm.serverErrors),
		RateLimited:     atomic.LoadInt64(&hm.rateLimited),
		TransportErrors: atomic.LoadInt64(&hm.transportErrs),
		Retries:         totalRetries,
		RetriesByReason: retries,
		AverageLatency:  hm.GetAverageLatency(),
		P95Latency:      hm.getPercentileLatency(0.95),
	}
}

// GetAverageLatency returns the average latency
func (hm *HTTPMetrics) GetAverageLatency() time.Duration {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	var total time.Duration
	var count int
	for _, sample := range hm.latencySamples {
		if sample > 0 {
			total += sample
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return total / time.Duration(count)
}

// getPercentileLatency calculates a specific percentile latency
func (hm *HTTPMetrics) getPercentileLatency(percentile float64) time.Duration {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	validSamples := make([]time.Duration, 0, len(hm.latencySamples))
	for _, sample := range hm.latencySamples {
		if sample > 0 {
			validSamples = append(validSamples, sample)
		}
	}
	if len(validSamples) == 0 {
		return 0
	}

	sort.Slice(validSamples, func(i, j int) bool {
		return validSamples[i] < validSamples[j]
	})

	index := int(float64(len(validSamples)-1) * percentile)
	return validSamples[index]
}

// HTTPStats represents HTTP client statistics
type HTTPStats struct {
	TotalAttempts   int64            `json:"total_attempts"`
	Successes       int64            `json:"successes"`
	ClientErrors    int64            `json:"client_errors"`
	ServerErrors    int64            `json:"server_errors"`
	RateLimited     int64            `json:"rate_limited"`
	TransportErrors int64            `json:"transport_errors"`
	Retries         int64            `json:"retries"`
	RetriesByReason map[string]int64 `json:"retries_by_reason"`
	AverageLatency  time.Duration    `json:"average_latency"`
	P95Latency      time.Duration    `json:"p95_latency"`
}
