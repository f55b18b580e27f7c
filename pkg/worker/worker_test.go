package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jtracker-io/jt-cli/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type report struct {
	jobID, taskName string
	output          map[string]any
}

// fakeScheduler hands out one task and records outcome reports
type fakeScheduler struct {
	task      *types.Task
	completed []report
	failed    []report
	reportErr error
	ctxErrs   []error // ctx.Err() seen by each report
}

func (f *fakeScheduler) ExecutorID() string      { return "ex-1" }
func (f *fakeScheduler) QueueID() string         { return "q1" }
func (f *fakeScheduler) WorkflowID() string      { return "dna-seq" }
func (f *fakeScheduler) WorkflowVersion() string { return "0.2.0" }

func (f *fakeScheduler) NextTask(ctx context.Context, jobState string) (*types.Task, error) {
	task := f.task
	f.task = nil
	return task, nil
}

func (f *fakeScheduler) TaskCompleted(ctx context.Context, jobID, taskName string, output map[string]any) error {
	f.completed = append(f.completed, report{jobID, taskName, output})
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	return f.reportErr
}

func (f *fakeScheduler) TaskFailed(ctx context.Context, jobID, taskName string, output map[string]any) error {
	f.failed = append(f.failed, report{jobID, taskName, output})
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	return f.reportErr
}

// scriptedRunner returns results in order, repeating the last one
type scriptedRunner struct {
	results  []Result
	commands []string
	onRun    func(dir string)
}

func (r *scriptedRunner) Run(ctx context.Context, dir, command string) Result {
	i := len(r.commands)
	r.commands = append(r.commands, command)
	if r.onRun != nil {
		r.onRun(dir)
	}
	if i >= len(r.results) {
		i = len(r.results) - 1
	}
	return r.results[i]
}

// fakeProvisioner writes a small file to every requested path
type fakeProvisioner struct {
	calls []string
	err   error
}

func (p *fakeProvisioner) Provision(ctx context.Context, localPath, remoteURL string) (bool, error) {
	p.calls = append(p.calls, remoteURL)
	if p.err != nil {
		return false, p.err
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return false, err
	}
	return true, os.WriteFile(localPath, []byte(remoteURL), 0644)
}

func newTask(t *testing.T, command string, input map[string]any) *types.Task {
	taskFile, err := json.Marshal(map[string]any{"command": command, "input": input})
	require.NoError(t, err)

	doc, err := json.Marshal(map[string]any{"job.id": "j1", "name": "align", "task_file": string(taskFile)})
	require.NoError(t, err)

	task, err := types.ParseTask(doc)
	require.NoError(t, err)
	return task
}

type testEnv struct {
	worker *Worker
	sched  *fakeScheduler
	runner *scriptedRunner
	prov   *fakeProvisioner
	sleeps []time.Duration
}

func newTestEnv(t *testing.T, task *types.Task, retries int, results ...Result) *testEnv {
	env := &testEnv{
		sched:  &fakeScheduler{task: task},
		runner: &scriptedRunner{results: results},
		prov:   &fakeProvisioner{},
	}

	w, err := NewWorker(&Config{
		Home:        t.TempDir(),
		AccountID:   "alice",
		NodeID:      "node-1",
		NodeIP:      "10.0.0.1",
		Scheduler:   env.sched,
		Retries:     retries,
		Provisioner: env.prov,
		Runner:      env.runner,
		Sleep: func(ctx context.Context, d time.Duration) error {
			env.sleeps = append(env.sleeps, d)
			return ctx.Err()
		},
	})
	require.NoError(t, err)
	env.worker = w

	if task != nil {
		got, err := w.NextTask(context.Background(), "")
		require.NoError(t, err)
		require.NotNil(t, got)
	}
	return env
}

func provenance(t *testing.T, output map[string]any) types.Provenance {
	prov, ok := output[types.ProvenanceKey].(types.Provenance)
	require.True(t, ok, "output must carry a _jt_ block")
	return prov
}

func readFile(t *testing.T, path string) string {
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestNewWorker_Validation(t *testing.T) {
	_, err := NewWorker(&Config{Home: t.TempDir()})
	assert.Error(t, err)

	_, err = NewWorker(&Config{Scheduler: &fakeScheduler{}})
	assert.Error(t, err)

	_, err = NewWorker(&Config{Home: t.TempDir(), Scheduler: &fakeScheduler{}, Retries: -1})
	assert.Error(t, err)
}

func TestNewWorker_Identity(t *testing.T) {
	env := newTestEnv(t, nil, DefaultRetries, Result{})
	id := env.worker.Identity()

	assert.NotEmpty(t, env.worker.ID())
	assert.Equal(t, env.worker.ID(), id.WorkerID)
	assert.Equal(t, "ex-1", id.ExecutorID)
	assert.Equal(t, "q1", id.QueueID)
	assert.Equal(t, "dna-seq", id.WorkflowID)
	assert.Equal(t, "0.2.0", id.WorkflowVersion)
	assert.Equal(t, StateIdle, env.worker.State())

	other := newTestEnv(t, nil, DefaultRetries, Result{})
	assert.NotEqual(t, env.worker.ID(), other.worker.ID())
}

func TestNextTask_NoneAvailable(t *testing.T) {
	env := newTestEnv(t, nil, DefaultRetries, Result{})

	task, err := env.worker.NextTask(context.Background(), "running")
	require.NoError(t, err)
	assert.Nil(t, task)
	assert.Equal(t, StateIdle, env.worker.State())
}

func TestRun_WithoutTask(t *testing.T) {
	env := newTestEnv(t, nil, DefaultRetries, Result{})

	outcome, err := env.worker.Run(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, types.OutcomeFailed, outcome)
	assert.Empty(t, env.runner.commands)
}

func TestRun_Twice(t *testing.T) {
	env := newTestEnv(t, newTask(t, "true ${x}", nil), 0, Result{})

	_, err := env.worker.Run(context.Background())
	require.NoError(t, err)

	_, err = env.worker.Run(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Len(t, env.runner.commands, 1)
}

func TestRun_Completed(t *testing.T) {
	env := newTestEnv(t, newTask(t, "echo ${greeting}", map[string]any{"greeting": "hi"}), DefaultRetries,
		Result{Stdout: []byte("hi\n")})
	env.runner.onRun = func(dir string) {
		_ = os.WriteFile(filepath.Join(dir, OutputFile), []byte(`{"bam":"out.bam","_jt_":"overwritten"}`), 0644)
	}

	outcome, err := env.worker.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeCompleted, outcome)
	assert.Equal(t, 0, outcome.ExitCode())
	assert.Equal(t, StateReported, env.worker.State())

	require.Len(t, env.sched.completed, 1)
	assert.Empty(t, env.sched.failed)
	assert.Empty(t, env.sleeps)

	rep := env.sched.completed[0]
	assert.Equal(t, "j1", rep.jobID)
	assert.Equal(t, "align", rep.taskName)
	assert.Equal(t, "out.bam", rep.output["bam"])

	prov := provenance(t, rep.output)
	assert.Equal(t, "completed", prov.State)
	assert.Equal(t, env.worker.ID(), prov.WorkerID)
	assert.Equal(t, "node-1", prov.NodeID)
	assert.Equal(t, "10.0.0.1", prov.NodeIP)
	assert.Equal(t, types.Version, prov.JTCLIVersion)
	assert.GreaterOrEqual(t, prov.WallTime.End, prov.WallTime.Start)

	taskDir := env.worker.Layout().TaskDir("j1", "align")
	assert.Equal(t, taskDir, prov.TaskDir)
	assert.Contains(t, readFile(t, filepath.Join(taskDir, "stdout.txt")), "Run no: 1, STDOUT at: ")
	assert.Contains(t, readFile(t, filepath.Join(taskDir, "stdout.txt")), "hi\n")
	assert.Contains(t, readFile(t, filepath.Join(taskDir, "stderr.txt")), "Run no: 1, STDERR at: ")

	tools := env.worker.Layout().ToolsDir()
	assert.Equal(t, []string{"PATH=" + tools + ":$PATH echo hi"}, env.runner.commands)
}

func TestRun_ExhaustsRetries(t *testing.T) {
	env := newTestEnv(t, newTask(t, "false ${x}", nil), 2, Result{ExitCode: 1, Stderr: []byte("boom\n")})

	outcome, err := env.worker.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeFailed, outcome)
	assert.Equal(t, 1, outcome.ExitCode())

	assert.Len(t, env.runner.commands, 3)
	assert.Equal(t, []time.Duration{200 * time.Second, 400 * time.Second}, env.sleeps)

	require.Len(t, env.sched.failed, 1)
	assert.Empty(t, env.sched.completed)
	assert.Equal(t, "failed", provenance(t, env.sched.failed[0].output).State)

	stderr := readFile(t, filepath.Join(env.worker.Layout().TaskDir("j1", "align"), "stderr.txt"))
	for _, header := range []string{"Run no: 1, STDERR", "Run no: 2, STDERR", "Run no: 3, STDERR"} {
		assert.Contains(t, stderr, header)
	}
	assert.Equal(t, 3, strings.Count(stderr, "boom"))
}

func TestRun_RecoversOnRetry(t *testing.T) {
	env := newTestEnv(t, newTask(t, "flaky ${x}", nil), 2,
		Result{ExitCode: 1},
		Result{ExitCode: 0},
	)

	outcome, err := env.worker.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeCompleted, outcome)
	assert.Len(t, env.runner.commands, 2)
	assert.Equal(t, []time.Duration{200 * time.Second}, env.sleeps)
	assert.Len(t, env.sched.completed, 1)
}

func TestRun_CancelledOnSecondAttempt(t *testing.T) {
	env := newTestEnv(t, newTask(t, "long ${x}", nil), 2,
		Result{ExitCode: 1, Stderr: []byte("transient\n")},
		Result{ExitCode: 130, Stderr: []byte("Traceback...\nKeyboardInterrupt\n")},
		Result{ExitCode: 0},
	)

	outcome, err := env.worker.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeCancelled, outcome)
	assert.Equal(t, 2, outcome.ExitCode())
	assert.Equal(t, StateReported, env.worker.State())

	assert.Len(t, env.runner.commands, 2, "attempt 3 must never run")
	assert.Empty(t, env.sched.completed)
	assert.Empty(t, env.sched.failed)
}

func TestRun_CustomCancelMarker(t *testing.T) {
	env := newTestEnv(t, newTask(t, "x ${y}", nil), 2, Result{ExitCode: 143, Stderr: []byte("Terminated")})
	env.worker.cancelMarkers = []string{"Terminated"}

	outcome, err := env.worker.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeCancelled, outcome)
	assert.Len(t, env.runner.commands, 1)
}

func TestRun_ContextCancelled(t *testing.T) {
	env := newTestEnv(t, newTask(t, "false ${x}", nil), 2, Result{ExitCode: 1})

	ctx, cancel := context.WithCancel(context.Background())
	env.runner.onRun = func(string) { cancel() }

	outcome, err := env.worker.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeCancelled, outcome)
	assert.Len(t, env.runner.commands, 1)
	assert.Empty(t, env.sched.failed)
}

func TestRun_CompletedReportSurvivesCancellation(t *testing.T) {
	env := newTestEnv(t, newTask(t, "x ${y}", nil), 2, Result{})

	// the signal arrives as the command exits successfully
	ctx, cancel := context.WithCancel(context.Background())
	env.runner.onRun = func(string) { cancel() }

	outcome, err := env.worker.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeCompleted, outcome)
	require.Len(t, env.sched.completed, 1)
	assert.Equal(t, []error{nil}, env.sched.ctxErrs)
}

// releasingScheduler takes back cancelled tasks
type releasingScheduler struct {
	*fakeScheduler
	released []string
}

func (r *releasingScheduler) ReleaseTask(ctx context.Context, jobID, taskName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.released = append(r.released, jobID+"/"+taskName)
	return nil
}

func TestRun_CancelledTaskIsReleased(t *testing.T) {
	task := newTask(t, "x ${y}", nil)
	sched := &releasingScheduler{fakeScheduler: &fakeScheduler{task: task}}

	w, err := NewWorker(&Config{
		Home:      t.TempDir(),
		AccountID: "alice",
		Scheduler: sched,
		Runner:    &scriptedRunner{results: []Result{{ExitCode: 1, Stderr: []byte("KeyboardInterrupt\n")}}},
	})
	require.NoError(t, err)

	_, err = w.NextTask(context.Background(), "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := w.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeCancelled, outcome)
	assert.Equal(t, []string{"j1/align"}, sched.released)
	assert.Empty(t, sched.failed)
}

func TestRun_LaunchErrorIsRetried(t *testing.T) {
	env := newTestEnv(t, newTask(t, "x ${y}", nil), 1,
		Result{ExitCode: -1, Err: errors.New("fork/exec: resource temporarily unavailable")},
		Result{},
	)

	outcome, err := env.worker.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeCompleted, outcome)

	stderr := readFile(t, filepath.Join(env.worker.Layout().TaskDir("j1", "align"), "stderr.txt"))
	assert.Contains(t, stderr, "resource temporarily unavailable")
}

func TestRun_InvalidOutputIsEmpty(t *testing.T) {
	env := newTestEnv(t, newTask(t, "x ${y}", nil), 0, Result{})
	env.runner.onRun = func(dir string) {
		_ = os.WriteFile(filepath.Join(dir, OutputFile), []byte("{not json"), 0644)
	}

	_, err := env.worker.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, env.sched.completed, 1)
	output := env.sched.completed[0].output
	assert.Len(t, output, 1)
	assert.Contains(t, output, types.ProvenanceKey)
}

func TestRun_ReportErrorReturned(t *testing.T) {
	env := newTestEnv(t, newTask(t, "x ${y}", nil), 0, Result{})
	env.sched.reportErr = errors.New("jess unavailable")

	outcome, err := env.worker.Run(context.Background())
	assert.Equal(t, types.OutcomeCompleted, outcome)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jess unavailable")
}

func TestRun_LegacyCommandGetsTaskDocument(t *testing.T) {
	task := newTask(t, "run.py", map[string]any{"sample": "S1"})
	env := newTestEnv(t, task, 0, Result{})

	_, err := env.worker.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, env.runner.commands, 1)
	cmd := env.runner.commands[0]
	assert.True(t, strings.HasPrefix(cmd, "PATH="+env.worker.Layout().ToolsDir()+":$PATH run.py \""))
	assert.Contains(t, cmd, `\"sample\":\"S1\"`)
}

func TestRun_StagesInputs(t *testing.T) {
	task := newTask(t, "bwa mem ${ref} ${sep=',' reads}", map[string]any{
		"ref":   "[_WF_DATA_/ref.fa]https://example.org/ref.fa",
		"reads": []any{"[r1.fq]https://example.org/r1.fq", "file://r2.fq"},
	})
	env := newTestEnv(t, task, 0, Result{})

	outcome, err := env.worker.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeCompleted, outcome)

	layout := env.worker.Layout()
	ref := filepath.Join(layout.WorkflowDataDir(), "ref.fa")
	r1 := filepath.Join(layout.JobDataDir("j1"), "r1.fq")
	r2 := filepath.Join(layout.JobDataDir("j1"), "r2.fq")

	assert.ElementsMatch(t, []string{"https://example.org/ref.fa", "https://example.org/r1.fq"}, env.prov.calls)
	assert.Equal(t, "PATH="+layout.ToolsDir()+":$PATH bwa mem "+ref+" "+r1+","+r2, env.runner.commands[0])

	// the task itself keeps its references
	assert.Equal(t, "[_WF_DATA_/ref.fa]https://example.org/ref.fa", env.worker.Task().Spec.Input["ref"])
}

func TestRun_StagingFailure(t *testing.T) {
	task := newTask(t, "cat ${in}", map[string]any{"in": "[in.txt]http://127.0.0.1:1/in.txt"})
	env := newTestEnv(t, task, 2, Result{})
	env.prov.err = errors.New("connection refused")

	outcome, err := env.worker.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeFailed, outcome)
	assert.Equal(t, StateReported, env.worker.State())

	assert.Empty(t, env.runner.commands, "no subprocess after staging failure")
	assert.Empty(t, env.sleeps)
	assert.Len(t, env.prov.calls, 1, "staging is not retried")
	require.Len(t, env.sched.failed, 1)
	assert.Equal(t, "failed", provenance(t, env.sched.failed[0].output).State)

	diag := readFile(t, filepath.Join(env.worker.Layout().TaskDir("j1", "align"), StagingErrorFile))
	assert.Contains(t, diag, "connection refused")
	assert.Contains(t, diag, `input "in"`)
}

func TestRun_StagingRejectsEscapingPath(t *testing.T) {
	task := newTask(t, "cat ${in}", map[string]any{"in": "file://../../etc/passwd"})
	env := newTestEnv(t, task, 0, Result{})

	outcome, err := env.worker.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeFailed, outcome)
	assert.Empty(t, env.runner.commands)
}

func TestStage_Idempotent(t *testing.T) {
	task := newTask(t, "x", map[string]any{
		"ref":   "[_WF_DATA_/ref.fa]https://example.org/ref.fa",
		"reads": []any{"[r1.fq]https://example.org/r1.fq", "plain"},
		"n":     float64(3),
	})
	env := newTestEnv(t, task, 0, Result{})
	ctx := context.Background()

	once, err := env.worker.Stage(ctx, task)
	require.NoError(t, err)
	assert.Same(t, task, once.Task)
	assert.Len(t, env.prov.calls, 2)

	restaged := *task
	restaged.Spec.Input = once.Input
	twice, err := env.worker.Stage(ctx, &restaged)
	require.NoError(t, err)

	assert.Equal(t, once.Input, twice.Input)
	assert.Len(t, env.prov.calls, 2, "staged paths are not provisioned again")
}

func TestRun_ShellRunner(t *testing.T) {
	task := newTask(t, `echo ${word}; printf '{"answer": 42}' > output.json`, map[string]any{"word": "hello"})
	sched := &fakeScheduler{task: task}

	w, err := NewWorker(&Config{
		Home:      t.TempDir(),
		AccountID: "alice",
		Scheduler: sched,
	})
	require.NoError(t, err)

	_, err = w.NextTask(context.Background(), "")
	require.NoError(t, err)

	outcome, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeCompleted, outcome)

	require.Len(t, sched.completed, 1)
	assert.Equal(t, float64(42), sched.completed[0].output["answer"])

	stdout := readFile(t, filepath.Join(w.Layout().TaskDir("j1", "align"), "stdout.txt"))
	assert.Contains(t, stdout, "hello\n")
}

func TestShellRunner_ExitCode(t *testing.T) {
	res := ShellRunner{}.Run(context.Background(), t.TempDir(), "echo oops >&2; exit 3")
	assert.Equal(t, 3, res.ExitCode)
	assert.NoError(t, res.Err)
	assert.Equal(t, "oops\n", string(res.Stderr))
	assert.False(t, res.succeeded())

	res = ShellRunner{}.Run(context.Background(), filepath.Join(t.TempDir(), "missing"), "true")
	assert.Error(t, res.Err)
	assert.False(t, res.succeeded())
}

func TestShellRunner_CancelStopsCompoundCommands(t *testing.T) {
	tests := []struct {
		name    string
		command string
	}{
		{name: "list", command: "sleep 5; echo done"},
		{name: "and list", command: "sleep 5 && echo done"},
		{name: "pipeline", command: "sleep 5 | cat; echo done"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
			defer cancel()

			start := time.Now()
			res := ShellRunner{}.Run(ctx, t.TempDir(), tt.command)

			assert.Less(t, time.Since(start), 3*time.Second)
			assert.False(t, res.succeeded())
			assert.NotContains(t, string(res.Stdout), "done")
		})
	}
}

func TestShellRunner_CancelDeliversInterrupt(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	command := "trap 'echo KeyboardInterrupt >&2; exit 130' INT; sleep 5; echo done"
	res := ShellRunner{}.Run(ctx, t.TempDir(), command)

	assert.Equal(t, 130, res.ExitCode)
	assert.Contains(t, string(res.Stderr), DefaultCancelMarker)
	assert.NotContains(t, string(res.Stdout), "done")
}

func TestDefaultBackoff(t *testing.T) {
	assert.Equal(t, 200*time.Second, DefaultBackoff(1))
	assert.Equal(t, 400*time.Second, DefaultBackoff(2))
	assert.Equal(t, 800*time.Second, DefaultBackoff(3))
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "exhausted", StateExhausted.String())
	assert.Equal(t, "reported", StateReported.String())
	assert.Equal(t, "unknown", State(99).String())
}
