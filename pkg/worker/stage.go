package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jtracker-io/jt-cli/pkg/types"
	"github.com/jtracker-io/jt-cli/pkg/workspace"
)

// Stage resolves the file references in the task input to local paths and
// provisions those that carry a URL. The task is left untouched. Staging an
// input map that was already staged returns an equal map.
func (w *Worker) Stage(ctx context.Context, task *types.Task) (*types.StagedTask, error) {
	staged, _, err := w.stage(ctx, task)
	return staged, err
}

func (w *Worker) stage(ctx context.Context, task *types.Task) (*types.StagedTask, bool, error) {
	input := make(map[string]any, len(task.Spec.Input))
	changed := false

	for key, value := range task.Spec.Input {
		v, c, err := w.stageValue(ctx, task.JobID, value)
		if err != nil {
			return nil, false, fmt.Errorf("input %q: %w", key, err)
		}
		input[key] = v
		changed = changed || c
	}

	return &types.StagedTask{Task: task, Input: input}, changed, nil
}

func (w *Worker) stageValue(ctx context.Context, jobID string, value any) (any, bool, error) {
	switch v := value.(type) {
	case string:
		local, changed, err := w.stageString(ctx, jobID, v)
		if err != nil {
			return nil, false, err
		}
		return local, changed, nil
	case []any:
		out := make([]any, len(v))
		changed := false
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				out[i] = item
				continue
			}
			local, c, err := w.stageString(ctx, jobID, s)
			if err != nil {
				return nil, false, err
			}
			out[i] = local
			changed = changed || c
		}
		return out, changed, nil
	case []string:
		out := make([]string, len(v))
		changed := false
		for i, s := range v {
			local, c, err := w.stageString(ctx, jobID, s)
			if err != nil {
				return nil, false, err
			}
			out[i] = local
			changed = changed || c
		}
		return out, changed, nil
	default:
		return value, false, nil
	}
}

func (w *Worker) stageString(ctx context.Context, jobID, value string) (string, bool, error) {
	ref, ok := workspace.ParseReference(value)
	if !ok {
		return value, false, nil
	}

	local, err := w.layout.LocalPath(jobID, ref)
	if err != nil {
		return "", false, err
	}

	if ref.URL != "" {
		w.logger.Info().Str("local_path", local).Str("url", ref.URL).Msg("Staging input file")
		ready, err := w.provisioner.Provision(ctx, local, ref.URL)
		if err != nil {
			return "", false, err
		}
		if !ready {
			return "", false, fmt.Errorf("%s is not ready after provisioning from %s", local, ref.URL)
		}
	}

	return local, true, nil
}

// commandDocument is the task document appended to legacy commands. It is
// the task_file as received, or a copy carrying the staged input when
// staging rewrote any reference.
func (w *Worker) commandDocument(task *types.Task, staged *types.StagedTask, changed bool) string {
	if !changed {
		return task.TaskFile
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(task.TaskFile), &doc); err != nil {
		return task.TaskFile
	}
	doc["input"] = staged.Input

	data, err := json.Marshal(doc)
	if err != nil {
		return task.TaskFile
	}
	return string(data)
}
