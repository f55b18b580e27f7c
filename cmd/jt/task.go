package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/jtracker-io/jt-cli/pkg/render"
	"github.com/jtracker-io/jt-cli/pkg/storage"
	"github.com/jtracker-io/jt-cli/pkg/types"
	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect task definitions",
}

var taskRenderCmd = &cobra.Command{
	Use:   "render",
	Short: "Print the command line a task would run",
	Long: `Render the command template of a task without running it.

The task comes from a file holding either a task document as served by the
job execution service or a bare task_file with command and input, or from
the local job store with --job-id and --task. Input values are substituted
as given, without staging.

Examples:
  jt task render -f task.json
  jt task render -f task.json --tools-dir /opt/tools
  jt task render --job-id 9c1d... --task align`,
	RunE: runTaskRender,
}

func init() {
	taskRenderCmd.Flags().StringP("file", "f", "", "Task or task_file JSON document")
	taskRenderCmd.Flags().String("job-id", "", "Job ID in the local job store")
	taskRenderCmd.Flags().String("task", "", "Task name in the local job store")
	taskRenderCmd.Flags().String("store", "", "Local job store directory (default: <jt_home>/local)")
	taskRenderCmd.Flags().String("tools-dir", "", "Workflow tools directory prepended to PATH")
	taskRenderCmd.MarkFlagsOneRequired("file", "job-id")
	taskRenderCmd.MarkFlagsMutuallyExclusive("file", "job-id")
	taskRenderCmd.MarkFlagsRequiredTogether("job-id", "task")

	taskCmd.AddCommand(taskRenderCmd)
}

func runTaskRender(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("file")
	toolsDir, _ := cmd.Flags().GetString("tools-dir")

	var spec *types.TaskSpec
	var document string
	var err error
	if path != "" {
		spec, document, err = readTaskFile(path)
	} else {
		spec, document, err = loadStoredTask(cmd)
	}
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), render.NewRenderer(toolsDir).Render(spec.Command, spec.Input, document))
	return nil
}

func readTaskFile(path string) (*types.TaskSpec, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read task file: %w", err)
	}
	return decodeTask(data)
}

func loadStoredTask(cmd *cobra.Command) (*types.TaskSpec, string, error) {
	jobID, _ := cmd.Flags().GetString("job-id")
	name, _ := cmd.Flags().GetString("task")

	store, err := storage.NewBoltStore(storeFlag(cmd), storage.DefaultLockTimeout)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = store.Close() }()

	task, err := store.GetTask(jobID, name)
	if err != nil {
		return nil, "", err
	}
	spec, err := types.ParseTaskSpec(task.TaskFile)
	if err != nil {
		return nil, "", err
	}
	return spec, task.TaskFile, nil
}

// decodeTask accepts a full task document first and falls back to a bare
// task_file. The second return value is the task_file text.
func decodeTask(data []byte) (*types.TaskSpec, string, error) {
	if task, err := types.ParseTask(data); err == nil {
		return &task.Spec, task.TaskFile, nil
	}

	document := strings.TrimSpace(string(data))
	spec, err := types.ParseTaskSpec(document)
	if err != nil {
		return nil, "", err
	}
	if spec.Command == "" {
		return nil, "", fmt.Errorf("task has no command")
	}
	return spec, document, nil
}
