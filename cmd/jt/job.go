package main

import (
	"fmt"
	"os"

	"github.com/jtracker-io/jt-cli/pkg/storage"
	"github.com/jtracker-io/jt-cli/pkg/summary"
	"github.com/spf13/cobra"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage jobs",
}

var jobImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a job file into the local job store",
	Long: `Import a job file into the local job store.

Examples:
  jt job import -f job.yaml
  jt job import -f job.json --store /data/jt-local`,
	RunE: runJobImport,
}

var jobSummaryCmd = &cobra.Command{
	Use:   "summary [JOB_ID...]",
	Short: "Print a tab separated summary of jobs",
	Long: `Print a tab separated summary of jobs and, with --tasks, their tasks.

Jobs come from the local job store, or from a file of job documents
downloaded from the job execution service when --file is given. Without
job IDs every job in the store is summarized.

Examples:
  jt job summary --tasks
  jt job summary 9c1d... 4ab0...
  jt job summary -f jobs.json --tasks`,
	RunE: runJobSummary,
}

var jobDeleteCmd = &cobra.Command{
	Use:   "delete JOB_ID...",
	Short: "Delete jobs and their tasks from the local job store",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runJobDelete,
}

func init() {
	jobImportCmd.Flags().StringP("file", "f", "", "Job file (YAML or JSON)")
	jobImportCmd.Flags().String("store", "", "Local job store directory (default: <jt_home>/local)")
	_ = jobImportCmd.MarkFlagRequired("file")

	jobSummaryCmd.Flags().StringP("file", "f", "", "Job document(s) JSON file")
	jobSummaryCmd.Flags().String("store", "", "Local job store directory (default: <jt_home>/local)")
	jobSummaryCmd.Flags().BoolP("tasks", "t", false, "One row per task")

	jobCmd.AddCommand(jobImportCmd)
	jobDeleteCmd.Flags().String("store", "", "Local job store directory (default: <jt_home>/local)")

	jobCmd.AddCommand(jobSummaryCmd)
	jobCmd.AddCommand(jobDeleteCmd)
}

func runJobImport(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("file")
	dir := storeFlag(cmd)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read job file: %w", err)
	}

	job, tasks, err := storage.ParseJobFile(data)
	if err != nil {
		return err
	}

	store, err := storage.NewBoltStore(dir, storage.DefaultLockTimeout)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := store.CreateJob(job, tasks); err != nil {
		return fmt.Errorf("failed to import job: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✓ Job imported: %s (%d tasks)\n", job.ID, len(tasks))
	return nil
}

func runJobDelete(cmd *cobra.Command, args []string) error {
	store, err := storage.NewBoltStore(storeFlag(cmd), storage.DefaultLockTimeout)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	for _, id := range args {
		if err := store.DeleteJob(id); err != nil {
			return fmt.Errorf("failed to delete job %s: %w", id, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Job deleted: %s\n", id)
	}
	return nil
}

func runJobSummary(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("file")
	withTasks, _ := cmd.Flags().GetBool("tasks")

	var jobs []*summary.Job
	var err error
	if path != "" {
		jobs, err = summaryFromFile(path)
	} else {
		jobs, err = summaryFromStore(storeFlag(cmd), args)
	}
	if err != nil {
		return err
	}

	header := summary.JobHeader
	if withTasks {
		header = summary.TaskHeader
	}

	var rows [][]string
	for _, job := range jobs {
		r, err := summary.Rows(job, withTasks)
		if err != nil {
			return err
		}
		rows = append(rows, r...)
	}
	return summary.WriteTSV(cmd.OutOrStdout(), header, rows)
}

func summaryFromFile(path string) ([]*summary.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job documents: %w", err)
	}
	return summary.ParseDocuments(data)
}

func summaryFromStore(dir string, ids []string) ([]*summary.Job, error) {
	store, err := storage.NewBoltStore(dir, storage.DefaultLockTimeout)
	if err != nil {
		return nil, err
	}
	defer func() { _ = store.Close() }()

	if len(ids) == 0 {
		all, err := store.ListJobs()
		if err != nil {
			return nil, err
		}
		for _, job := range all {
			ids = append(ids, job.ID)
		}
	}

	jobs := make([]*summary.Job, 0, len(ids))
	for _, id := range ids {
		job, err := summary.FromStore(store, id)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", id, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func storeFlag(cmd *cobra.Command) string {
	dir, _ := cmd.Flags().GetString("store")
	if dir == "" {
		return storeDir()
	}
	return dir
}
