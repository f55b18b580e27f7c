package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jtracker-io/jt-cli/pkg/log"
	"github.com/jtracker-io/jt-cli/pkg/metrics"
	"github.com/jtracker-io/jt-cli/pkg/provision"
	"github.com/jtracker-io/jt-cli/pkg/render"
	"github.com/jtracker-io/jt-cli/pkg/scheduler"
	"github.com/jtracker-io/jt-cli/pkg/types"
	"github.com/jtracker-io/jt-cli/pkg/workspace"
	"github.com/rs/zerolog"
)

const (
	// DefaultRetries is the number of retries after the first attempt
	DefaultRetries = 2

	// DefaultCancelMarker is the text an interrupted task leaves in stderr
	DefaultCancelMarker = "KeyboardInterrupt"

	// OutputFile is the optional document a task writes into its directory
	OutputFile = "output.json"

	// StagingErrorFile records why input staging failed
	StagingErrorFile = "staging_error.txt"

	// ReportTimeout bounds the outcome report, which is sent even when the
	// run context was cancelled
	ReportTimeout = 5 * time.Minute
)

// ErrInvalidState is returned when Run is called without an acquired task,
// or a second time
var ErrInvalidState = errors.New("worker has no task to run")

// State is the position of a worker in its task lifecycle
type State int

const (
	StateIdle State = iota
	StateTaskAcquired
	StateStaging
	StateRunning
	StateSucceeded
	StateExhausted // retries used up or staging failed
	StateCancelled
	StateReported
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTaskAcquired:
		return "task_acquired"
	case StateStaging:
		return "staging"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateExhausted:
		return "exhausted"
	case StateCancelled:
		return "cancelled"
	case StateReported:
		return "reported"
	default:
		return "unknown"
	}
}

// Provisioner stages a remote file onto a local path
type Provisioner interface {
	Provision(ctx context.Context, localPath, remoteURL string) (bool, error)
}

// Config holds worker configuration
type Config struct {
	Home      string // jt_home
	AccountID string
	NodeID    string
	NodeIP    string

	Scheduler scheduler.Scheduler

	// Retries after the first failed attempt, usually DefaultRetries
	Retries int

	// Optional collaborators, defaults are used when nil
	Provisioner   Provisioner
	Runner        CommandRunner
	Backoff       func(retry int) time.Duration
	Sleep         func(ctx context.Context, d time.Duration) error
	CancelMarkers []string
}

// Worker runs exactly one task: acquire, stage inputs, execute with retries,
// collect output and report the outcome
type Worker struct {
	id       types.Identity
	sched    scheduler.Scheduler
	layout   *workspace.Layout
	renderer *render.Renderer

	provisioner   Provisioner
	runner        CommandRunner
	retries       int
	backoff       func(retry int) time.Duration
	sleep         func(ctx context.Context, d time.Duration) error
	cancelMarkers []string

	state   State
	task    *types.Task
	taskDir string

	logger zerolog.Logger
}

// NewWorker creates a worker with a fresh worker ID
func NewWorker(cfg *Config) (*Worker, error) {
	if cfg.Scheduler == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if cfg.Home == "" {
		return nil, fmt.Errorf("jt home is required")
	}

	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must not be negative")
	}

	id := types.Identity{
		WorkerID:        uuid.New().String(),
		AccountID:       cfg.AccountID,
		NodeID:          cfg.NodeID,
		NodeIP:          cfg.NodeIP,
		ExecutorID:      cfg.Scheduler.ExecutorID(),
		QueueID:         cfg.Scheduler.QueueID(),
		WorkflowID:      cfg.Scheduler.WorkflowID(),
		WorkflowVersion: cfg.Scheduler.WorkflowVersion(),
	}

	layout := &workspace.Layout{
		Home:            cfg.Home,
		AccountID:       id.AccountID,
		WorkflowID:      id.WorkflowID,
		WorkflowVersion: id.WorkflowVersion,
		QueueID:         id.QueueID,
		ExecutorID:      id.ExecutorID,
	}

	w := &Worker{
		id:            id,
		sched:         cfg.Scheduler,
		layout:        layout,
		renderer:      render.NewRenderer(layout.ToolsDir()),
		provisioner:   cfg.Provisioner,
		runner:        cfg.Runner,
		retries:       cfg.Retries,
		backoff:       cfg.Backoff,
		sleep:         cfg.Sleep,
		cancelMarkers: cfg.CancelMarkers,
		state:         StateIdle,
		logger:        log.WithWorkerID(id.WorkerID),
	}

	if w.provisioner == nil {
		w.provisioner = provision.NewProvisioner()
	}
	if w.runner == nil {
		w.runner = ShellRunner{}
	}
	if w.backoff == nil {
		w.backoff = DefaultBackoff
	}
	if w.sleep == nil {
		w.sleep = sleepContext
	}
	if len(w.cancelMarkers) == 0 {
		w.cancelMarkers = []string{DefaultCancelMarker}
	}

	return w, nil
}

// ID returns the worker ID
func (w *Worker) ID() string {
	return w.id.WorkerID
}

// Identity returns the identity recorded in provenance
func (w *Worker) Identity() types.Identity {
	return w.id
}

// Layout returns the directory layout of this worker's executor
func (w *Worker) Layout() *workspace.Layout {
	return w.layout
}

// State returns the current lifecycle state
func (w *Worker) State() State {
	return w.state
}

// Task returns the acquired task, or nil
func (w *Worker) Task() *types.Task {
	return w.task
}

// NextTask asks the scheduler for a task. It returns nil when none is
// available, in which case the worker stays idle.
func (w *Worker) NextTask(ctx context.Context, jobState string) (*types.Task, error) {
	if w.state != StateIdle {
		return nil, fmt.Errorf("%w: worker is %s", ErrInvalidState, w.state)
	}

	task, err := w.sched.NextTask(ctx, jobState)
	if err != nil {
		return nil, fmt.Errorf("failed to get next task: %w", err)
	}
	if task == nil {
		return nil, nil
	}

	w.task = task
	w.state = StateTaskAcquired
	return task, nil
}

// Run executes the acquired task to its terminal outcome and reports it.
// Completed and failed outcomes are sent to the scheduler. A cancelled task
// is handed back to schedulers that implement scheduler.Releaser and is
// otherwise only visible through the returned outcome. The error is non-nil when the
// worker could not prepare the task or the scheduler rejected the report.
func (w *Worker) Run(ctx context.Context) (types.Outcome, error) {
	if w.task == nil || w.state != StateTaskAcquired {
		return types.OutcomeFailed, ErrInvalidState
	}

	task := w.task
	logger := log.WithTask(task.JobID, task.Name).With().Str("worker_id", w.id.WorkerID).Logger()
	start := time.Now()

	logger.Info().Msg("Worker starts to work on task")

	var prepErr error
	outcome := types.OutcomeFailed

	w.taskDir, prepErr = w.layout.EnsureTaskDir(task.JobID, task.Name)
	if prepErr == nil {
		w.state = StateStaging
		staged, changed, err := w.stage(ctx, task)
		switch {
		case err != nil && ctx.Err() != nil:
			logger.Warn().Err(err).Msg("Staging interrupted")
			outcome = types.OutcomeCancelled
		case err != nil:
			logger.Error().Err(err).Msg("Failed to stage task input")
			w.writeDiagnostic(err)
		default:
			w.state = StateRunning
			outcome = w.execute(ctx, logger, staged, w.commandDocument(task, staged, changed))
		}
	} else {
		logger.Error().Err(prepErr).Msg("Failed to create task directory")
	}

	end := time.Now()

	switch outcome {
	case types.OutcomeCompleted:
		w.state = StateSucceeded
	case types.OutcomeCancelled:
		w.state = StateCancelled
	default:
		w.state = StateExhausted
	}

	output := w.collect(logger)
	output = types.MergeProvenance(output, types.NewProvenance(w.id, w.layout.TaskDir(task.JobID, task.Name), outcome, start, end))

	metrics.TaskOutcomesTotal.WithLabelValues(outcome.String()).Inc()
	metrics.TaskDuration.Observe(end.Sub(start).Seconds())

	reportErr := w.report(ctx, logger, outcome, output)
	w.state = StateReported

	return outcome, errors.Join(prepErr, reportErr)
}

// collect reads output.json from the task directory. A missing or invalid
// document is an empty output.
func (w *Worker) collect(logger zerolog.Logger) map[string]any {
	output := make(map[string]any)
	if w.taskDir == "" {
		return output
	}

	data, err := os.ReadFile(filepath.Join(w.taskDir, OutputFile))
	if err != nil {
		return output
	}
	if err := json.Unmarshal(data, &output); err != nil || output == nil {
		logger.Warn().Err(err).Msg("Ignoring unparseable output.json")
		return make(map[string]any)
	}
	return output
}

func (w *Worker) report(ctx context.Context, logger zerolog.Logger, outcome types.Outcome, output map[string]any) error {
	task := w.task

	// the outcome is final once the command has exited
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ReportTimeout)
	defer cancel()

	var err error
	switch outcome {
	case types.OutcomeCompleted:
		logger.Info().Msg("Task completed")
		err = w.sched.TaskCompleted(ctx, task.JobID, task.Name, output)
	case types.OutcomeFailed:
		logger.Info().Msg("Task failed")
		err = w.sched.TaskFailed(ctx, task.JobID, task.Name, output)
	case types.OutcomeCancelled:
		logger.Info().Msg("Task cancelled")
		rel, ok := w.sched.(scheduler.Releaser)
		if !ok {
			return nil
		}
		err = rel.ReleaseTask(ctx, task.JobID, task.Name)
	}

	if err != nil {
		return fmt.Errorf("failed to report %s for task %s in job %s: %w", outcome, task.Name, task.JobID, err)
	}
	return nil
}

func (w *Worker) writeDiagnostic(cause error) {
	msg := fmt.Sprintf("Staging failed at: %d\n%s\n", time.Now().Unix(), cause)
	if err := os.WriteFile(filepath.Join(w.taskDir, StagingErrorFile), []byte(msg), 0644); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to write staging diagnostic")
	}
}
