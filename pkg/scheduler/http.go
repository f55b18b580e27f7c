package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jtracker-io/jt-cli/pkg/log"
	"github.com/jtracker-io/jt-cli/pkg/metrics"
	"github.com/jtracker-io/jt-cli/pkg/types"
	"github.com/rs/zerolog"
)

// HTTPScheduler talks to the job execution service (JESS) REST API
type HTTPScheduler struct {
	baseURL    string
	httpClient *http.Client
	ctx        Context
	logger     zerolog.Logger
}

// NewHTTPScheduler creates a client for the JESS API rooted at baseURL,
// for example http://jtracker.io/api/jt-jess/v0.1
func NewHTTPScheduler(baseURL string, c Context) (*HTTPScheduler, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("jess server URL is required")
	}
	if err := c.validate(); err != nil {
		return nil, err
	}

	return &HTTPScheduler{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		ctx:    c,
		logger: log.WithComponent("scheduler").With().Str("queue_id", c.QueueID).Logger(),
	}, nil
}

func (s *HTTPScheduler) ExecutorID() string      { return s.ctx.ExecutorID }
func (s *HTTPScheduler) QueueID() string         { return s.ctx.QueueID }
func (s *HTTPScheduler) WorkflowID() string      { return s.ctx.WorkflowID }
func (s *HTTPScheduler) WorkflowVersion() string { return s.ctx.WorkflowVersion }

// NextTask asks JESS for the next task of this executor
func (s *HTTPScheduler) NextTask(ctx context.Context, jobState string) (*types.Task, error) {
	u := fmt.Sprintf("%s/jobs/owner/%s/queue/%s/executor/%s/next_task",
		s.baseURL,
		url.PathEscape(s.ctx.AccountID),
		url.PathEscape(s.ctx.QueueID),
		url.PathEscape(s.ctx.ExecutorID))
	if jobState != "" {
		u += "?job_state=" + url.QueryEscape(jobState)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		metrics.SchedulerCallsTotal.WithLabelValues("next_task", metrics.ResultError).Inc()
		return nil, fmt.Errorf("get request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusNotFound:
		metrics.SchedulerCallsTotal.WithLabelValues("next_task", metrics.ResultSuccess).Inc()
		s.logger.Debug().Msg("No task available")
		return nil, nil
	case http.StatusOK:
	default:
		metrics.SchedulerCallsTotal.WithLabelValues("next_task", metrics.ResultError).Inc()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.SchedulerCallsTotal.WithLabelValues("next_task", metrics.ResultError).Inc()
		return nil, fmt.Errorf("read response: %w", err)
	}
	// some deployments answer 200 with an empty document
	if len(bytes.TrimSpace(body)) == 0 || string(bytes.TrimSpace(body)) == "{}" {
		metrics.SchedulerCallsTotal.WithLabelValues("next_task", metrics.ResultSuccess).Inc()
		return nil, nil
	}

	task, err := types.ParseTask(body)
	if err != nil {
		metrics.SchedulerCallsTotal.WithLabelValues("next_task", metrics.ResultError).Inc()
		return nil, fmt.Errorf("decode response: %w", err)
	}

	metrics.SchedulerCallsTotal.WithLabelValues("next_task", metrics.ResultSuccess).Inc()
	s.logger.Info().Str("job_id", task.JobID).Str("task_name", task.Name).Msg("Task assigned")

	return task, nil
}

// TaskCompleted reports a successful run with its output document
func (s *HTTPScheduler) TaskCompleted(ctx context.Context, jobID, taskName string, output map[string]any) error {
	return s.report(ctx, "task_completed", jobID, taskName, output)
}

// TaskFailed reports a failed run with its output document
func (s *HTTPScheduler) TaskFailed(ctx context.Context, jobID, taskName string, output map[string]any) error {
	return s.report(ctx, "task_failed", jobID, taskName, output)
}

func (s *HTTPScheduler) report(ctx context.Context, action, jobID, taskName string, output map[string]any) error {
	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	u := fmt.Sprintf("%s/tasks/owner/%s/queue/%s/executor/%s/job/%s/task/%s/%s",
		s.baseURL,
		url.PathEscape(s.ctx.AccountID),
		url.PathEscape(s.ctx.QueueID),
		url.PathEscape(s.ctx.ExecutorID),
		url.PathEscape(jobID),
		url.PathEscape(taskName),
		action)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		metrics.SchedulerCallsTotal.WithLabelValues(action, metrics.ResultError).Inc()
		return fmt.Errorf("put request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.SchedulerCallsTotal.WithLabelValues(action, metrics.ResultError).Inc()
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	metrics.SchedulerCallsTotal.WithLabelValues(action, metrics.ResultSuccess).Inc()
	s.logger.Info().
		Str("job_id", jobID).
		Str("task_name", taskName).
		Str("action", action).
		Msg("Task outcome reported")

	return nil
}
