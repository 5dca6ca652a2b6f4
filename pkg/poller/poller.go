// Package poller turns an eventually consistent remote task into a blocking
// call. A Poller repeatedly fetches a task's status until it reaches a
// terminal state, the time budget runs out, or the context is cancelled.
//
// Outcomes are distinguishable by type:
//   - success returns the terminal handle and a nil error
//   - FAILED or EXPIRED returns *errors.TaskFailedError
//   - an exhausted budget returns *errors.PollTimeoutError; the task may still
//     finish and may be polled again with the same id
//   - cancellation returns an error of type canceled wrapping ctx.Err()
//
// At least one status fetch always happens, even with a non-positive timeout.
package poller

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/vendorflow/pkg/errors"
	"github.com/ajitpratap0/vendorflow/pkg/metrics"
	"github.com/ajitpratap0/vendorflow/pkg/task"
)

// FetchFunc returns the current snapshot of a task
type FetchFunc func(ctx context.Context, taskID string) (*task.Handle, error)

// ProgressFunc observes every non-terminal snapshot
type ProgressFunc func(h *task.Handle, elapsed time.Duration)

// Clock abstracts time so poll loops can be tested without sleeping
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Poller polls tasks. It holds no per-task state and is safe for concurrent use.
type Poller struct {
	clock      Clock
	logger     *zap.Logger
	onProgress ProgressFunc
}

// Option configures a Poller
type Option func(*Poller)

// WithClock replaces the wall clock
func WithClock(c Clock) Option {
	return func(p *Poller) { p.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(p *Poller) { p.logger = l }
}

// WithOnProgress registers a hook called after every non-terminal fetch
func WithOnProgress(fn ProgressFunc) Option {
	return func(p *Poller) { p.onProgress = fn }
}

// New creates a Poller
func New(opts ...Option) *Poller {
	p := &Poller{
		clock:  realClock{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("component", "poller"))
	return p
}

// Poll fetches taskID until it is terminal. It sleeps interval between fetches
// and gives up once timeout has elapsed since the first fetch started.
func (p *Poller) Poll(ctx context.Context, taskID string, interval, timeout time.Duration, fetch FetchFunc) (*task.Handle, error) {
	start := p.clock.Now()
	logger := p.logger.With(zap.String("task_id", taskID))
	typeLabel := "unknown"

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, p.canceled(taskID, typeLabel, err)
		}

		h, err := fetch(ctx, taskID)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, p.canceled(taskID, typeLabel, ctxErr)
			}
			return nil, err
		}
		if h == nil {
			return nil, errors.New(errors.ErrorTypeData, "status fetch returned no task snapshot").
				WithDetail("task_id", taskID)
		}
		if h.Type != "" {
			typeLabel = string(h.Type)
		}
		metrics.TaskPolls.WithLabelValues(typeLabel).Inc()

		elapsed := p.clock.Now().Sub(start)

		switch h.Status {
		case task.StatusSucceeded:
			logger.Info("task succeeded", zap.Int("polls", attempt), zap.Duration("elapsed", elapsed))
			p.finish(typeLabel, string(h.Status), elapsed)
			return h, nil
		case task.StatusFailed, task.StatusExpired:
			logger.Warn("task ended unsuccessfully",
				zap.String("status", string(h.Status)),
				zap.String("error", h.Error),
				zap.Int("polls", attempt))
			p.finish(typeLabel, string(h.Status), elapsed)
			return nil, &errors.TaskFailedError{
				TaskID:   taskID,
				TaskType: typeLabel,
				Status:   string(h.Status),
				Message:  h.Error,
			}
		}

		if p.onProgress != nil {
			p.onProgress(h, elapsed)
		}
		logger.Debug("task still running",
			zap.String("status", string(h.Status)),
			zap.Int("progress", h.Progress),
			zap.Duration("elapsed", elapsed))

		if elapsed >= timeout {
			p.finish(typeLabel, "TIMEOUT", elapsed)
			return nil, &errors.PollTimeoutError{TaskID: taskID, Timeout: timeout, Elapsed: elapsed}
		}

		if err := p.clock.Sleep(ctx, interval); err != nil {
			return nil, p.canceled(taskID, typeLabel, err)
		}
	}
}

func (p *Poller) canceled(taskID, typeLabel string, cause error) error {
	metrics.TaskOutcomes.WithLabelValues(typeLabel, "CANCELED").Inc()
	return errors.Wrap(cause, errors.ErrorTypeCanceled, "polling canceled").
		WithDetail("task_id", taskID)
}

func (p *Poller) finish(typeLabel, outcome string, elapsed time.Duration) {
	metrics.TaskOutcomes.WithLabelValues(typeLabel, outcome).Inc()
	metrics.TaskWait.WithLabelValues(typeLabel).Observe(elapsed.Seconds())
}
