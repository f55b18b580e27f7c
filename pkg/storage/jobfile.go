package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jtracker-io/jt-cli/pkg/types"
	"gopkg.in/yaml.v3"
)

// JobFile is the on-disk description of a job to run locally
type JobFile struct {
	ID              string         `yaml:"id"`
	Name            string         `yaml:"name"`
	WorkflowID      string         `yaml:"workflow_id"`
	WorkflowVersion string         `yaml:"workflow_version"`
	Tasks           []TaskFileSpec `yaml:"tasks"`
}

// TaskFileSpec is one task of a job file
type TaskFileSpec struct {
	Name    string         `yaml:"name"`
	Command string         `yaml:"command"`
	Input   map[string]any `yaml:"input"`
}

// ParseJobFile decodes a YAML or JSON job file into a queued job and its tasks
func ParseJobFile(data []byte) (*Job, []*types.Task, error) {
	var jf JobFile
	if err := yaml.Unmarshal(data, &jf); err != nil {
		return nil, nil, fmt.Errorf("failed to parse job file: %w", err)
	}

	if len(jf.Tasks) == 0 {
		return nil, nil, fmt.Errorf("job file has no tasks")
	}
	if jf.ID == "" {
		jf.ID = uuid.New().String()
	}
	if jf.Name == "" {
		jf.Name = jf.ID
	}

	seen := make(map[string]bool, len(jf.Tasks))
	tasks := make([]*types.Task, 0, len(jf.Tasks))
	for i, spec := range jf.Tasks {
		if spec.Name == "" {
			return nil, nil, fmt.Errorf("task %d has no name", i)
		}
		if seen[spec.Name] {
			return nil, nil, fmt.Errorf("duplicate task name: %s", spec.Name)
		}
		seen[spec.Name] = true

		if spec.Command == "" {
			return nil, nil, fmt.Errorf("task %s has no command", spec.Name)
		}

		taskFile, err := json.Marshal(types.TaskSpec{Command: spec.Command, Input: spec.Input})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode task %s: %w", spec.Name, err)
		}

		tasks = append(tasks, &types.Task{
			JobID:    jf.ID,
			Name:     spec.Name,
			State:    types.TaskStateQueued,
			TaskFile: string(taskFile),
		})
	}

	now := time.Now()
	job := &Job{
		ID:              jf.ID,
		Name:            jf.Name,
		State:           types.JobStateQueued,
		WorkflowID:      jf.WorkflowID,
		WorkflowVersion: jf.WorkflowVersion,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	return job, tasks, nil
}
