package scheduler

import (
	"context"
	"fmt"
	"strings"

	"github.com/jtracker-io/jt-cli/pkg/types"
)

// Scheduler is the remote (or local) service that hands out tasks and
// receives their outcomes. It also names the executor context the worker
// runs under.
type Scheduler interface {
	ExecutorID() string
	QueueID() string
	WorkflowID() string
	WorkflowVersion() string

	// NextTask claims the next runnable task. It returns (nil, nil) when
	// no task is available. An empty jobState means any runnable job.
	NextTask(ctx context.Context, jobState string) (*types.Task, error)

	TaskCompleted(ctx context.Context, jobID, taskName string, output map[string]any) error
	TaskFailed(ctx context.Context, jobID, taskName string, output map[string]any) error
}

// Releaser is implemented by schedulers that take back a task whose run was
// cancelled, so another worker can claim it. The job execution service has
// no such call: a cancelled task is left to it.
type Releaser interface {
	ReleaseTask(ctx context.Context, jobID, taskName string) error
}

// Context is the executor context shared by scheduler implementations
type Context struct {
	AccountID       string
	QueueID         string
	ExecutorID      string
	WorkflowID      string
	WorkflowVersion string
}

func (c Context) validate() error {
	var missing []string
	for _, field := range []struct{ name, value string }{
		{"account", c.AccountID},
		{"queue", c.QueueID},
		{"executor", c.ExecutorID},
		{"workflow", c.WorkflowID},
		{"workflow version", c.WorkflowVersion},
	} {
		if field.value == "" {
			missing = append(missing, field.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("scheduler context incomplete, missing: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ParseWorkflowName splits a workflow name of the form
// [{owner}/]{workflow}:{version}
func ParseWorkflowName(name string) (owner, workflow, version string, err error) {
	rest := name
	if i := strings.Index(rest, "/"); i >= 0 {
		owner, rest = rest[:i], rest[i+1:]
	}
	workflow, version, ok := strings.Cut(rest, ":")
	if !ok || workflow == "" || version == "" || strings.Contains(version, ":") {
		return "", "", "", fmt.Errorf("invalid workflow name %q, expected [owner/]workflow:version", name)
	}
	return owner, workflow, version, nil
}
