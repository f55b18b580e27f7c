package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/jtracker-io/jt-cli/pkg/log"
	"github.com/jtracker-io/jt-cli/pkg/metrics"
	"github.com/jtracker-io/jt-cli/pkg/scheduler"
	"github.com/jtracker-io/jt-cli/pkg/storage"
	"github.com/jtracker-io/jt-cli/pkg/types"
	"github.com/jtracker-io/jt-cli/pkg/worker"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run JTracker tasks",
}

var workerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Claim one task and run it",
	Long: `Claim the next task of a queue, run it and report the outcome.

Tasks come from the job execution service unless --local or --job-file is
given, in which case they come from the local job store.

Exit status: 0 completed (or no task available), 1 failed, 2 cancelled.

Examples:
  # Run the next task of a JESS queue
  jt worker run -q 2b3c... -w alice/dna-seq:0.2.0

  # Run the tasks of a local job file one by one
  jt worker run -j job.yaml`,
	RunE: runWorker,
}

func init() {
	workerRunCmd.Flags().StringP("queue-id", "q", "", "Job queue ID")
	workerRunCmd.Flags().StringP("executor-id", "e", "", "Executor ID (default: random)")
	workerRunCmd.Flags().StringP("workflow", "w", "", "Workflow in format [owner/]workflow:version")
	workerRunCmd.Flags().StringP("job-file", "j", "", "Import a local job file and run its tasks")
	workerRunCmd.Flags().Bool("local", false, "Take tasks from the local job store")
	workerRunCmd.Flags().String("store", "", "Local job store directory (default: <jt_home>/local)")
	workerRunCmd.Flags().String("job-state", "", "Only take tasks of jobs in this state")
	workerRunCmd.Flags().IntP("retries", "r", -1, "Retries after a failed attempt (default: config retries)")
	workerRunCmd.Flags().String("metrics-file", "", "Write Prometheus metrics to this file on exit")

	workerCmd.AddCommand(workerRunCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	sched, err := buildScheduler(cmd)
	if err != nil {
		return err
	}

	retries, _ := cmd.Flags().GetInt("retries")
	if retries < 0 {
		retries = cfg.Retries
	}

	w, err := worker.NewWorker(&worker.Config{
		Home:      cfg.JTHome,
		AccountID: cfg.JTAccount,
		NodeID:    cfg.NodeID,
		NodeIP:    cfg.NodeIP,
		Scheduler: scheduler.NewRetrying(sched),
		Retries:   retries,
	})
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.WithWorkerID(w.ID())

	jobState, _ := cmd.Flags().GetString("job-state")
	task, err := w.NextTask(ctx, jobState)
	if err != nil {
		return err
	}
	if task == nil {
		logger.Info().Str("queue_id", sched.QueueID()).Msg("No task available")
		return writeMetrics(cmd)
	}

	outcome, runErr := w.Run(ctx)
	if runErr != nil {
		logger.Error().Err(runErr).Msg("Task run finished with errors")
	}
	if err := writeMetrics(cmd); err != nil {
		logger.Warn().Err(err).Msg("Failed to write metrics")
	}

	code := outcome.ExitCode()
	if runErr != nil && outcome == types.OutcomeCompleted {
		code = types.OutcomeFailed.ExitCode()
	}
	if code != 0 {
		return &exitError{code: code, outcome: outcome}
	}
	return nil
}

// exitError carries the task outcome to main, which turns it into the
// process exit status
type exitError struct {
	code    int
	outcome types.Outcome
}

func (e *exitError) Error() string {
	return fmt.Sprintf("task %s (exit status %d)", e.outcome, e.code)
}

func buildScheduler(cmd *cobra.Command) (scheduler.Scheduler, error) {
	queueID, _ := cmd.Flags().GetString("queue-id")
	executorID, _ := cmd.Flags().GetString("executor-id")
	workflow, _ := cmd.Flags().GetString("workflow")
	jobFile, _ := cmd.Flags().GetString("job-file")
	local, _ := cmd.Flags().GetBool("local")

	if executorID == "" {
		executorID = uuid.New().String()
	}
	if (jobFile != "" || local) && cfg.JTAccount == "" {
		cfg.JTAccount = scheduler.LocalQueueID
	}

	c := scheduler.Context{
		AccountID:  cfg.JTAccount,
		QueueID:    queueID,
		ExecutorID: executorID,
	}
	if workflow != "" {
		_, name, version, err := scheduler.ParseWorkflowName(workflow)
		if err != nil {
			return nil, err
		}
		c.WorkflowID, c.WorkflowVersion = name, version
	}

	if jobFile == "" && !local {
		return scheduler.NewHTTPScheduler(cfg.JESSServer, c)
	}

	dir, _ := cmd.Flags().GetString("store")
	if dir == "" {
		dir = storeDir()
	}

	if jobFile != "" {
		job, err := importJobFile(dir, jobFile)
		if err != nil {
			return nil, err
		}
		if c.WorkflowID == "" {
			c.WorkflowID, c.WorkflowVersion = job.WorkflowID, job.WorkflowVersion
		}
	}

	return scheduler.NewLocalScheduler(dir, c), nil
}

// importJobFile loads a job file into the store unless a job with the same
// ID is already there
func importJobFile(dir, path string) (*storage.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}

	job, tasks, err := storage.ParseJobFile(data)
	if err != nil {
		return nil, err
	}

	store, err := storage.NewBoltStore(dir, storage.DefaultLockTimeout)
	if err != nil {
		return nil, err
	}
	defer func() { _ = store.Close() }()

	existing, err := store.GetJob(job.ID)
	switch {
	case err == nil:
		return existing, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	if err := store.CreateJob(job, tasks); err != nil {
		return nil, fmt.Errorf("failed to import job: %w", err)
	}
	jobLog := log.WithJobID(job.ID)
	jobLog.Info().Int("tasks", len(tasks)).Msg("Job imported")
	return job, nil
}

func writeMetrics(cmd *cobra.Command) error {
	path, _ := cmd.Flags().GetString("metrics-file")
	if path == "" {
		return nil
	}
	return metrics.WriteTextfile(path)
}
