package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// WorkflowDataToken prefixes local paths that live in the workflow-wide data
// directory instead of the job data directory
const WorkflowDataToken = "_WF_DATA_"

// Layout derives the on-disk directory tree for one executor context.
// Every path is a pure function of the identity fields, so two workers with
// the same identity executing the same task resolve to the same directory.
type Layout struct {
	Home            string
	AccountID       string
	WorkflowID      string
	WorkflowVersion string
	QueueID         string
	ExecutorID      string
}

// NodeDir returns <home>/account.<account>/node
func (l *Layout) NodeDir() string {
	return filepath.Join(l.Home, "account."+l.AccountID, "node")
}

// WorkflowDir returns <node>/workflow.<id>/<version>
func (l *Layout) WorkflowDir() string {
	return filepath.Join(l.NodeDir(), "workflow."+l.WorkflowID, l.WorkflowVersion)
}

// ToolsDir returns the workflow tools directory prepended to PATH
func (l *Layout) ToolsDir() string {
	return filepath.Join(l.WorkflowDir(), "workflow", "tools")
}

// WorkflowDataDir returns the data directory shared by all jobs of the workflow
func (l *Layout) WorkflowDataDir() string {
	return filepath.Join(l.WorkflowDir(), "data")
}

// QueueDir returns <workflow>/queue.<id>
func (l *Layout) QueueDir() string {
	return filepath.Join(l.WorkflowDir(), "queue."+l.QueueID)
}

// ExecutorDir returns <queue>/executor.<id>
func (l *Layout) ExecutorDir() string {
	return filepath.Join(l.QueueDir(), "executor."+l.ExecutorID)
}

// JobDir returns <executor>/job.<id>
func (l *Layout) JobDir(jobID string) string {
	return filepath.Join(l.ExecutorDir(), "job."+jobID)
}

// JobDataDir returns the data directory shared by the tasks of one job
func (l *Layout) JobDataDir(jobID string) string {
	return filepath.Join(l.JobDir(jobID), "data")
}

// TaskDir returns <job>/task.<name>
func (l *Layout) TaskDir(jobID, taskName string) string {
	return filepath.Join(l.JobDir(jobID), "task."+taskName)
}

// EnsureTaskDir creates the task directory. It is safe against a concurrent
// creation of the same tree by another worker.
func (l *Layout) EnsureTaskDir(jobID, taskName string) (string, error) {
	dir := l.TaskDir(jobID, taskName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create task directory: %w", err)
	}
	return dir, nil
}

// LocalPath resolves where a file reference lives on this node
func (l *Layout) LocalPath(jobID string, ref Reference) (string, error) {
	rel := ref.LocalPath
	base := l.JobDataDir(jobID)

	if ref.WorkflowData() {
		rel = ref.LocalPath[len(WorkflowDataToken)+1:]
		base = l.WorkflowDataDir()
	}

	rel = filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(rel) || rel == "." || rel == ".." || hasParentPrefix(rel) {
		return "", fmt.Errorf("local path %q must be relative and stay inside %s", ref.LocalPath, base)
	}

	return filepath.Join(base, rel), nil
}

func hasParentPrefix(p string) bool {
	return len(p) >= 3 && p[:2] == ".." && os.IsPathSeparator(p[2])
}
