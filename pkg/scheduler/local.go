package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/jtracker-io/jt-cli/pkg/log"
	"github.com/jtracker-io/jt-cli/pkg/metrics"
	"github.com/jtracker-io/jt-cli/pkg/storage"
	"github.com/jtracker-io/jt-cli/pkg/types"
	"github.com/rs/zerolog"
)

// LocalQueueID is the queue name used for jobs imported from job files
const LocalQueueID = "local"

// LocalScheduler serves tasks from a local job store. The store is opened
// for every call, so worker processes on the node share it without keeping
// the database lock.
type LocalScheduler struct {
	dataDir     string
	lockTimeout time.Duration
	ctx         Context
	logger      zerolog.Logger
}

// NewLocalScheduler creates a scheduler over the store in dataDir. Empty
// queue and workflow fields fall back to LocalQueueID and "local".
func NewLocalScheduler(dataDir string, c Context) *LocalScheduler {
	if c.QueueID == "" {
		c.QueueID = LocalQueueID
	}
	if c.WorkflowID == "" {
		c.WorkflowID = "local"
	}
	if c.WorkflowVersion == "" {
		c.WorkflowVersion = "0"
	}

	return &LocalScheduler{
		dataDir:     dataDir,
		lockTimeout: storage.DefaultLockTimeout,
		ctx:         c,
		logger:      log.WithComponent("scheduler").With().Str("store", dataDir).Logger(),
	}
}

func (s *LocalScheduler) ExecutorID() string      { return s.ctx.ExecutorID }
func (s *LocalScheduler) QueueID() string         { return s.ctx.QueueID }
func (s *LocalScheduler) WorkflowID() string      { return s.ctx.WorkflowID }
func (s *LocalScheduler) WorkflowVersion() string { return s.ctx.WorkflowVersion }

// NextTask claims the first queued task of the oldest runnable job
func (s *LocalScheduler) NextTask(ctx context.Context, jobState string) (*types.Task, error) {
	var claimed *types.Task
	err := s.withStore(ctx, func(store storage.Store) error {
		var err error
		claimed, err = store.ClaimNextTask(types.JobState(jobState))
		return err
	})
	if err != nil {
		metrics.SchedulerCallsTotal.WithLabelValues("next_task", metrics.ResultError).Inc()
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	metrics.SchedulerCallsTotal.WithLabelValues("next_task", metrics.ResultSuccess).Inc()

	if claimed == nil {
		s.logger.Debug().Msg("No task available")
		return nil, nil
	}

	spec, err := types.ParseTaskSpec(claimed.TaskFile)
	if err != nil {
		return nil, fmt.Errorf("task %s in job %s: %w", claimed.Name, claimed.JobID, err)
	}
	claimed.Spec = *spec

	s.logger.Info().Str("job_id", claimed.JobID).Str("task_name", claimed.Name).Msg("Task assigned")
	return claimed, nil
}

// TaskCompleted marks the task completed and records its output
func (s *LocalScheduler) TaskCompleted(ctx context.Context, jobID, taskName string, output map[string]any) error {
	return s.finish(ctx, "task_completed", jobID, taskName, types.TaskStateCompleted, output)
}

// TaskFailed marks the task failed and records its output
func (s *LocalScheduler) TaskFailed(ctx context.Context, jobID, taskName string, output map[string]any) error {
	return s.finish(ctx, "task_failed", jobID, taskName, types.TaskStateFailed, output)
}

// ReleaseTask puts a cancelled task back into the queue
func (s *LocalScheduler) ReleaseTask(ctx context.Context, jobID, taskName string) error {
	err := s.withStore(ctx, func(store storage.Store) error {
		return store.RequeueTask(jobID, taskName)
	})
	if err != nil {
		metrics.SchedulerCallsTotal.WithLabelValues("release_task", metrics.ResultError).Inc()
		return fmt.Errorf("failed to requeue %s/%s: %w", jobID, taskName, err)
	}

	metrics.SchedulerCallsTotal.WithLabelValues("release_task", metrics.ResultSuccess).Inc()
	s.logger.Info().Str("job_id", jobID).Str("task_name", taskName).Msg("Task requeued")
	return nil
}

func (s *LocalScheduler) finish(ctx context.Context, action, jobID, taskName string, state types.TaskState, output map[string]any) error {
	err := s.withStore(ctx, func(store storage.Store) error {
		return store.FinishTask(jobID, taskName, state, output)
	})
	if err != nil {
		metrics.SchedulerCallsTotal.WithLabelValues(action, metrics.ResultError).Inc()
		return fmt.Errorf("failed to record %s for %s/%s: %w", state, jobID, taskName, err)
	}

	metrics.SchedulerCallsTotal.WithLabelValues(action, metrics.ResultSuccess).Inc()
	s.logger.Info().
		Str("job_id", jobID).
		Str("task_name", taskName).
		Str("state", string(state)).
		Msg("Task outcome recorded")
	return nil
}

func (s *LocalScheduler) withStore(ctx context.Context, fn func(storage.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	store, err := storage.NewBoltStore(s.dataDir, s.lockTimeout)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	return fn(store)
}
