package storage

import (
	"errors"
	"time"

	"github.com/jtracker-io/jt-cli/pkg/types"
)

// ErrNotFound is returned when a job or task does not exist
var ErrNotFound = errors.New("not found")

// Job is a locally imported job and the ordered names of its tasks
type Job struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	State           types.JobState `json:"state"`
	WorkflowID      string         `json:"workflow_id,omitempty"`
	WorkflowVersion string         `json:"workflow_version,omitempty"`
	Tasks           []string       `json:"tasks"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Store defines the interface for local job state storage
type Store interface {
	// Jobs
	CreateJob(job *Job, tasks []*types.Task) error
	GetJob(id string) (*Job, error)
	ListJobs() ([]*Job, error)
	DeleteJob(id string) error

	// Tasks
	GetTask(jobID, name string) (*types.Task, error)
	ListTasksByJob(jobID string) ([]*types.Task, error)

	// ClaimNextTask marks the first queued task of the oldest eligible job
	// running and returns it, or nil when no task is available. An empty
	// jobState matches queued and running jobs.
	ClaimNextTask(jobState types.JobState) (*types.Task, error)

	// FinishTask records a terminal task state and appends output to the
	// task's run history
	FinishTask(jobID, name string, state types.TaskState, output map[string]any) error

	// RequeueTask puts a running task back into the queue
	RequeueTask(jobID, name string) error

	// Utility
	Close() error
}
