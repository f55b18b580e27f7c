package scheduler

import (
	"context"
	"time"

	"github.com/jtracker-io/jt-cli/pkg/log"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

const (
	// DefaultCallbackRetries is how often a failed outcome report is retried
	DefaultCallbackRetries = 4

	// DefaultCallbackBackoff is the first delay between report retries
	DefaultCallbackBackoff = 2 * time.Second
)

// Retrying wraps a Scheduler and retries outcome reports with exponential
// backoff. A task that ran for hours should not be lost to one refused
// connection. NextTask is not retried: the caller simply asks again.
type Retrying struct {
	Scheduler

	Retries uint64
	Base    time.Duration

	logger zerolog.Logger
}

// NewRetrying wraps s with the default callback retry policy
func NewRetrying(s Scheduler) *Retrying {
	return &Retrying{
		Scheduler: s,
		Retries:   DefaultCallbackRetries,
		Base:      DefaultCallbackBackoff,
		logger:    log.WithComponent("scheduler"),
	}
}

func (r *Retrying) TaskCompleted(ctx context.Context, jobID, taskName string, output map[string]any) error {
	return r.do(ctx, "task_completed", jobID, taskName, func(ctx context.Context) error {
		return r.Scheduler.TaskCompleted(ctx, jobID, taskName, output)
	})
}

func (r *Retrying) TaskFailed(ctx context.Context, jobID, taskName string, output map[string]any) error {
	return r.do(ctx, "task_failed", jobID, taskName, func(ctx context.Context) error {
		return r.Scheduler.TaskFailed(ctx, jobID, taskName, output)
	})
}

// ReleaseTask forwards to the wrapped scheduler when it is a Releaser
func (r *Retrying) ReleaseTask(ctx context.Context, jobID, taskName string) error {
	rel, ok := r.Scheduler.(Releaser)
	if !ok {
		return nil
	}
	return r.do(ctx, "release_task", jobID, taskName, func(ctx context.Context) error {
		return rel.ReleaseTask(ctx, jobID, taskName)
	})
}

func (r *Retrying) do(ctx context.Context, action, jobID, taskName string, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(r.Retries, retry.NewExponential(r.Base))

	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := fn(ctx); err != nil {
			r.logger.Warn().
				Err(err).
				Str("job_id", jobID).
				Str("task_name", taskName).
				Str("action", action).
				Int("attempt", attempt).
				Msg("Outcome report failed")
			return retry.RetryableError(err)
		}
		return nil
	})
}

var _ Scheduler = (*Retrying)(nil)
var _ Scheduler = (*HTTPScheduler)(nil)
var _ Scheduler = (*LocalScheduler)(nil)
var _ Releaser = (*Retrying)(nil)
var _ Releaser = (*LocalScheduler)(nil)
