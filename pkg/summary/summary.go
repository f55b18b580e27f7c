// Package summary turns job documents into tab separated run summaries.
package summary

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/jtracker-io/jt-cli/pkg/storage"
	"github.com/jtracker-io/jt-cli/pkg/types"
)

// Null fills columns of tasks that never ran
const Null = "_null_"

// JobHeader and TaskHeader name the columns of job and task rows
var (
	JobHeader  = []string{"job_id", "job_name", "job_state"}
	TaskHeader = []string{"job_id", "job_name", "job_state", "task_name", "task_state",
		"run_num", "end_at", "len", "executor_id", "node_id"}
)

// Job is the subset of a job document a summary needs
type Job struct {
	ID    string
	Name  string
	State string
	Tasks []Task
}

// Task is one task of a Job with its raw task_file
type Task struct {
	Name     string
	State    string
	TaskFile string
}

// FromStore loads a job and its tasks from the local job store
func FromStore(store storage.Store, jobID string) (*Job, error) {
	job, err := store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	tasks, err := store.ListTasksByJob(jobID)
	if err != nil {
		return nil, err
	}

	out := &Job{ID: job.ID, Name: job.Name, State: string(job.State)}
	for _, t := range tasks {
		out.Tasks = append(out.Tasks, Task{Name: t.Name, State: string(t.State), TaskFile: t.TaskFile})
	}
	return out, nil
}

// jobDocument is a job as served by the job execution service: tasks are
// keyed by name
type jobDocument struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
	Tasks map[string]struct {
		State    string `json:"state"`
		TaskFile string `json:"task_file"`
	} `json:"tasks"`
}

// ParseDocuments decodes one job document or a list of them. Tasks are
// sorted by name.
func ParseDocuments(data []byte) ([]*Job, error) {
	var docs []jobDocument
	if err := json.Unmarshal(data, &docs); err != nil {
		var doc jobDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode job document: %w", err)
		}
		docs = []jobDocument{doc}
	}

	jobs := make([]*Job, 0, len(docs))
	for _, doc := range docs {
		job := &Job{ID: doc.ID, Name: doc.Name, State: doc.State}

		names := make([]string, 0, len(doc.Tasks))
		for name := range doc.Tasks {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			t := doc.Tasks[name]
			job.Tasks = append(job.Tasks, Task{Name: name, State: t.State, TaskFile: t.TaskFile})
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Rows returns one row per job, or one row per task when withTasks is set.
// Task rows describe the latest run recorded in the task's output history.
func Rows(job *Job, withTasks bool) ([][]string, error) {
	if !withTasks {
		return [][]string{{job.ID, job.Name, job.State}}, nil
	}

	rows := make([][]string, 0, len(job.Tasks))
	for _, task := range job.Tasks {
		row := []string{job.ID, job.Name, job.State, task.Name, task.State, Null, Null, Null, Null, Null}

		spec, err := types.ParseTaskSpec(task.TaskFile)
		if err != nil {
			return nil, fmt.Errorf("task %s in job %s: %w", task.Name, job.ID, err)
		}

		if n := len(spec.Output); n > 0 {
			prov, err := lastProvenance(spec.Output[n-1])
			if err != nil {
				return nil, fmt.Errorf("task %s in job %s: %w", task.Name, job.ID, err)
			}
			row[5] = strconv.Itoa(n)
			row[6] = time.Unix(prov.WallTime.End, 0).UTC().Format("2006-01-02T15:04:05")
			row[7] = strconv.FormatInt(prov.WallTime.End-prov.WallTime.Start, 10)
			row[8] = prov.ExecutorID
			row[9] = prov.NodeID
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func lastProvenance(output map[string]any) (*types.Provenance, error) {
	raw, ok := output[types.ProvenanceKey]
	if !ok {
		return nil, fmt.Errorf("latest run has no %s block", types.ProvenanceKey)
	}

	// round trip through JSON: the block may be a decoded map or a struct
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var prov types.Provenance
	if err := json.Unmarshal(data, &prov); err != nil {
		return nil, fmt.Errorf("invalid %s block: %w", types.ProvenanceKey, err)
	}
	return &prov, nil
}

// WriteTSV writes header and rows as tab separated values
func WriteTSV(w io.Writer, header []string, rows [][]string) error {
	tw := csv.NewWriter(w)
	tw.Comma = '\t'

	if header != nil {
		if err := tw.Write(header); err != nil {
			return err
		}
	}
	if err := tw.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return nil
}
