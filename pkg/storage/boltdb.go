package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jtracker-io/jt-cli/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// DefaultLockTimeout bounds how long a process waits for another worker
// process holding the database file lock
const DefaultLockTimeout = 30 * time.Second

var (
	// Bucket names
	bucketJobs  = []byte("jobs")
	bucketTasks = []byte("tasks")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store in dataDir
func NewBoltStore(dataDir string, lockTimeout time.Duration) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "jt.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: lockTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketJobs, bucketTasks} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func taskKey(jobID, name string) []byte {
	return []byte(jobID + "/" + name)
}

// Job operations
func (s *BoltStore) CreateJob(job *Job, tasks []*types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		if jobs.Get([]byte(job.ID)) != nil {
			return fmt.Errorf("job already exists: %s", job.ID)
		}

		job.Tasks = job.Tasks[:0]
		for _, task := range tasks {
			task.JobID = job.ID
			if task.State == "" {
				task.State = types.TaskStateQueued
			}
			if err := putTask(tx, task); err != nil {
				return err
			}
			job.Tasks = append(job.Tasks, task.Name)
		}

		return putJob(tx, job)
	})
}

func (s *BoltStore) GetJob(id string) (*Job, error) {
	var job *Job
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		job, err = getJob(tx, id)
		return err
	})
	return job, err
}

// ListJobs returns all jobs, oldest first
func (s *BoltStore) ListJobs() ([]*Job, error) {
	var jobs []*Job
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		jobs, err = listJobs(tx)
		return err
	})
	return jobs, err
}

func (s *BoltStore) DeleteJob(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		job, err := getJob(tx, id)
		if err != nil {
			return err
		}
		b := tx.Bucket(bucketTasks)
		for _, name := range job.Tasks {
			if err := b.Delete(taskKey(id, name)); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketJobs).Delete([]byte(id))
	})
}

// Task operations
func (s *BoltStore) GetTask(jobID, name string) (*types.Task, error) {
	var task *types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		task, err = getTask(tx, jobID, name)
		return err
	})
	return task, err
}

// ListTasksByJob returns the tasks of a job in import order
func (s *BoltStore) ListTasksByJob(jobID string) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		job, err := getJob(tx, jobID)
		if err != nil {
			return err
		}
		for _, name := range job.Tasks {
			task, err := getTask(tx, jobID, name)
			if err != nil {
				return err
			}
			tasks = append(tasks, task)
		}
		return nil
	})
	return tasks, err
}

func (s *BoltStore) ClaimNextTask(jobState types.JobState) (*types.Task, error) {
	var claimed *types.Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		jobs, err := listJobs(tx)
		if err != nil {
			return err
		}

		for _, job := range jobs {
			if !jobEligible(job.State, jobState) {
				continue
			}
			for _, name := range job.Tasks {
				task, err := getTask(tx, job.ID, name)
				if err != nil {
					return err
				}
				if task.State != types.TaskStateQueued {
					continue
				}

				task.State = types.TaskStateRunning
				if err := putTask(tx, task); err != nil {
					return err
				}
				if job.State != types.JobStateRunning {
					job.State = types.JobStateRunning
					job.UpdatedAt = time.Now()
					if err := putJob(tx, job); err != nil {
						return err
					}
				}
				claimed = task
				return nil
			}
		}
		return nil
	})
	return claimed, err
}

func (s *BoltStore) FinishTask(jobID, name string, state types.TaskState, output map[string]any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		task, err := getTask(tx, jobID, name)
		if err != nil {
			return err
		}

		// keep unknown task_file keys intact
		var doc map[string]any
		if err := json.Unmarshal([]byte(task.TaskFile), &doc); err != nil {
			return fmt.Errorf("failed to decode task_file of %s/%s: %w", jobID, name, err)
		}
		runs, _ := doc["output"].([]any)
		doc["output"] = append(runs, output)

		data, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		task.TaskFile = string(data)
		task.State = state
		if err := putTask(tx, task); err != nil {
			return err
		}

		job, err := getJob(tx, jobID)
		if err != nil {
			return err
		}
		job.State, err = rollupJobState(tx, job)
		if err != nil {
			return err
		}
		job.UpdatedAt = time.Now()
		return putJob(tx, job)
	})
}

func (s *BoltStore) RequeueTask(jobID, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		task, err := getTask(tx, jobID, name)
		if err != nil {
			return err
		}
		if task.State != types.TaskStateRunning {
			return fmt.Errorf("task %s/%s is %s, not running", jobID, name, task.State)
		}

		task.State = types.TaskStateQueued
		return putTask(tx, task)
	})
}

// rollupJobState derives the job state from its tasks: any failure fails the
// job, all completed completes it, otherwise it keeps running
func rollupJobState(tx *bolt.Tx, job *Job) (types.JobState, error) {
	completed := 0
	for _, name := range job.Tasks {
		task, err := getTask(tx, job.ID, name)
		if err != nil {
			return "", err
		}
		switch task.State {
		case types.TaskStateFailed:
			return types.JobStateFailed, nil
		case types.TaskStateCompleted:
			completed++
		}
	}
	if completed == len(job.Tasks) {
		return types.JobStateCompleted, nil
	}
	return types.JobStateRunning, nil
}

func jobEligible(state, filter types.JobState) bool {
	if filter != "" {
		return state == filter
	}
	return state == types.JobStateQueued || state == types.JobStateRunning
}

func putJob(tx *bolt.Tx, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketJobs).Put([]byte(job.ID), data)
}

func getJob(tx *bolt.Tx, id string) (*Job, error) {
	data := tx.Bucket(bucketJobs).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func listJobs(tx *bolt.Tx) ([]*Job, error) {
	var jobs []*Job
	err := tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
		var job Job
		if err := json.Unmarshal(v, &job); err != nil {
			return err
		}
		jobs = append(jobs, &job)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

func putTask(tx *bolt.Tx, task *types.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketTasks).Put(taskKey(task.JobID, task.Name), data)
}

func getTask(tx *bolt.Tx, jobID, name string) (*types.Task, error) {
	data := tx.Bucket(bucketTasks).Get(taskKey(jobID, name))
	if data == nil {
		return nil, fmt.Errorf("task %s in job %s: %w", name, jobID, ErrNotFound)
	}
	var task types.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, err
	}
	return &task, nil
}
