package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is the jt version recorded in every provenance block
var Version = "dev"

// ProvenanceKey is the reserved output key carrying run provenance
const ProvenanceKey = "_jt_"

// Task represents a unit of work assigned by the scheduler
type Task struct {
	JobID    string    `json:"job.id"`
	Name     string    `json:"name"`
	State    TaskState `json:"state,omitempty"`
	TaskFile string    `json:"task_file"` // JSON-encoded TaskSpec as stored by the scheduler

	Spec TaskSpec `json:"-"`
}

// TaskSpec is the executable definition carried in a task's task_file
type TaskSpec struct {
	Command string           `json:"command"`
	Input   map[string]any   `json:"input,omitempty"`
	Output  []map[string]any `json:"output,omitempty"` // One entry per previous run
}

// TaskState represents the scheduler-side state of a task
type TaskState string

const (
	TaskStateQueued    TaskState = "queued"
	TaskStateRunning   TaskState = "running"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateCancelled TaskState = "cancelled"
)

// JobState represents the scheduler-side state of a job
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// ParseTask decodes a scheduler task document and its embedded task_file
func ParseTask(data []byte) (*Task, error) {
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}
	if task.JobID == "" || task.Name == "" {
		return nil, fmt.Errorf("task document requires job.id and name")
	}

	spec, err := ParseTaskSpec(task.TaskFile)
	if err != nil {
		return nil, fmt.Errorf("task %s in job %s: %w", task.Name, task.JobID, err)
	}
	task.Spec = *spec

	return &task, nil
}

// ParseTaskSpec decodes a task_file string
func ParseTaskSpec(taskFile string) (*TaskSpec, error) {
	if taskFile == "" {
		return nil, fmt.Errorf("empty task_file")
	}

	var spec TaskSpec
	if err := json.Unmarshal([]byte(taskFile), &spec); err != nil {
		return nil, fmt.Errorf("failed to decode task_file: %w", err)
	}
	if spec.Input == nil {
		spec.Input = make(map[string]any)
	}

	return &spec, nil
}

// StagedTask pairs an untouched Task with the input map produced by staging.
// Input holds local paths wherever the original input held file references.
type StagedTask struct {
	Task  *Task
	Input map[string]any
}

// Identity identifies the worker and the executor context it runs under
type Identity struct {
	WorkerID        string
	AccountID       string
	NodeID          string
	NodeIP          string
	ExecutorID      string
	QueueID         string
	WorkflowID      string
	WorkflowVersion string
}

// Outcome is the terminal disposition of a task run
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeFailed
	OutcomeCancelled
)

// String returns the state name used in provenance and by the scheduler
func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ExitCode maps the outcome to the worker process exit convention
func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeCompleted:
		return 0
	case OutcomeCancelled:
		return 2
	default:
		return 1
	}
}

// WallTime records run start and end as unix seconds
type WallTime struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Provenance is the _jt_ block merged into every reported output
type Provenance struct {
	JTCLIVersion string   `json:"jtcli_version"`
	WorkerID     string   `json:"worker_id"`
	ExecutorID   string   `json:"executor_id"`
	WorkflowID   string   `json:"workflow_id"`
	QueueID      string   `json:"queue_id"`
	NodeID       string   `json:"node_id"`
	NodeIP       string   `json:"node_ip"`
	TaskDir      string   `json:"task_dir"`
	State        string   `json:"state"`
	WallTime     WallTime `json:"wall_time"`
}

// NewProvenance builds the provenance block for a finished run
func NewProvenance(id Identity, taskDir string, outcome Outcome, start, end time.Time) Provenance {
	return Provenance{
		JTCLIVersion: Version,
		WorkerID:     id.WorkerID,
		ExecutorID:   id.ExecutorID,
		WorkflowID:   id.WorkflowID,
		QueueID:      id.QueueID,
		NodeID:       id.NodeID,
		NodeIP:       id.NodeIP,
		TaskDir:      taskDir,
		State:        outcome.String(),
		WallTime: WallTime{
			Start: start.Unix(),
			End:   end.Unix(),
		},
	}
}

// MergeProvenance sets the _jt_ key on output, leaving every other key intact.
// A nil output is replaced by an empty document.
func MergeProvenance(output map[string]any, prov Provenance) map[string]any {
	if output == nil {
		output = make(map[string]any)
	}
	output[ProvenanceKey] = prov
	return output
}
