// Package clients provides rate limiting implementations
package clients

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ajitpratap0/vendorflow/pkg/metrics"
)

// RateLimiter defines the interface the HTTP client gates every attempt on.
type RateLimiter interface {
	// Wait blocks until a request is allowed or ctx is done
	Wait(ctx context.Context) error

	// GetStats returns rate limiter statistics
	GetStats() RateLimiterStats
}

// RateLimiterStats provides statistics about limiter usage for monitoring and debugging.
type RateLimiterStats struct {
	Name            string        `json:"name"`
	MinInterval     time.Duration `json:"min_interval"`
	AllowedRequests int64         `json:"allowed_requests"`
	CanceledWaits   int64         `json:"canceled_waits"`
	TotalWaitTime   time.Duration `json:"total_wait_time"`
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// SleepContext is the default SleepFunc backed by a timer.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IntervalLimiter enforces a minimum spacing between requests issued by every
// caller sharing it. Reading the last request time, sleeping out the remainder
// and stamping the new request time happen while holding a single slot, so two
// callers can never both observe a stale timestamp.
type IntervalLimiter struct {
	name        string
	minInterval time.Duration

	// slot is a one-element semaphore; unlike a mutex it can be abandoned on ctx.Done
	slot chan struct{}
	last time.Time

	allowed   int64
	canceled  int64
	totalWait int64

	now   func() time.Time
	sleep SleepFunc
}

// NewIntervalLimiter creates a limiter named for its connector class.
// A non-positive minInterval makes Wait a no-op.
func NewIntervalLimiter(name string, minInterval time.Duration) *IntervalLimiter {
	return &IntervalLimiter{
		name:        name,
		minInterval: minInterval,
		slot:        make(chan struct{}, 1),
		now:         time.Now,
		sleep:       SleepContext,
	}
}

// Wait blocks until at least minInterval has passed since the previous request.
func (l *IntervalLimiter) Wait(ctx context.Context) error {
	if l == nil || l.minInterval <= 0 {
		return nil
	}

	start := l.now()

	select {
	case l.slot <- struct{}{}:
	case <-ctx.Done():
		atomic.AddInt64(&l.canceled, 1)
		return ctx.Err()
	}
	defer func() { <-l.slot }()

	if !l.last.IsZero() {
		if elapsed := l.now().Sub(l.last); elapsed < l.minInterval {
			if err := l.sleep(ctx, l.minInterval-elapsed); err != nil {
				atomic.AddInt64(&l.canceled, 1)
				return err
			}
		}
	}
	l.last = l.now()

	waited := l.last.Sub(start)
	atomic.AddInt64(&l.allowed, 1)
	atomic.AddInt64(&l.totalWait, int64(waited))
	metrics.LimiterWait.WithLabelValues(l.name).Observe(waited.Seconds())

	return nil
}

// MinInterval returns the configured spacing
func (l *IntervalLimiter) MinInterval() time.Duration {
	return l.minInterval
}

// GetStats returns rate limiter statistics
func (l *IntervalLimiter) GetStats() RateLimiterStats {
	return RateLimiterStats{
		Name:            l.name,
		MinInterval:     l.minInterval,
		AllowedRequests: atomic.LoadInt64(&l.allowed),
		CanceledWaits:   atomic.LoadInt64(&l.canceled),
		TotalWaitTime:   time.Duration(atomic.LoadInt64(&l.totalWait)),
	}
}

// LimiterRegistry hands out one shared IntervalLimiter per connector class, so
// every instance of a connector shares a clock while different vendors never
// throttle each other. Connectors receive a registry through their constructor.
type LimiterRegistry struct {
	mu       sync.Mutex
	limiters map[string]*IntervalLimiter
}

// NewLimiterRegistry creates an empty registry. Tests should use their own
// registry instead of DefaultRegistry to stay isolated.
func NewLimiterRegistry() *LimiterRegistry {
	return &LimiterRegistry{limiters: make(map[string]*IntervalLimiter)}
}

// DefaultRegistry is the process-wide registry used by the CLI.
var DefaultRegistry = NewLimiterRegistry()

// For returns the limiter for class, creating it on first use. The interval of
// the first registration wins; later callers share that limiter as-is.
func (r *LimiterRegistry) For(class string, minInterval time.Duration) *IntervalLimiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[class]; ok {
		return l
	}
	l := NewIntervalLimiter(class, minInterval)
	r.limiters[class] = l
	return l
}

// Stats returns statistics for every registered limiter
func (r *LimiterRegistry) Stats() []RateLimiterStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make([]RateLimiterStats, 0, len(r.limiters))
	for _, l := range r.limiters {
		stats = append(stats, l.GetStats())
	}
	return stats
}
