package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jtracker-io/jt-cli/pkg/metrics"
	"github.com/jtracker-io/jt-cli/pkg/types"
	"github.com/rs/zerolog"
)

const (
	stdoutFile = "stdout.txt"
	stderrFile = "stderr.txt"
)

// Result is the captured outcome of one command attempt
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Err      error // the command could not be started
}

func (r Result) succeeded() bool {
	return r.Err == nil && r.ExitCode == 0
}

// CommandRunner executes a rendered command line in a directory
type CommandRunner interface {
	Run(ctx context.Context, dir, command string) Result
}

// InterruptGrace is how long a cancelled command may take to exit after
// SIGINT before its process group is killed
const InterruptGrace = 10 * time.Second

// ShellRunner runs commands with sh -c. Each command gets its own process
// group, and cancelling ctx interrupts every process of a compound command
// (pipelines, lists), not only the shell.
type ShellRunner struct{}

func (ShellRunner) Run(ctx context.Context, dir, command string) Result {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGINT)
	}
	cmd.WaitDelay = InterruptGrace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil && cmd.Process != nil {
		// whatever ignored the interrupt
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = -1
		res.Err = err
	}
	return res
}

// DefaultBackoff waits 100 * 2^retry seconds before a retry (200s, 400s, ...)
func DefaultBackoff(retry int) time.Duration {
	return time.Duration(100*(1<<retry)) * time.Second
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// execute renders the command once and runs it up to retries+1 times
func (w *Worker) execute(ctx context.Context, logger zerolog.Logger, staged *types.StagedTask, document string) types.Outcome {
	command := w.renderer.Render(staged.Task.Spec.Command, staged.Input, document)
	logger.Debug().Str("command", command).Msg("Rendered task command")

	for n := 0; n <= w.retries; n++ {
		if n > 0 {
			pause := w.backoff(n)
			logger.Info().Dur("pause", pause).Int("retry", n).Msg("Task failed, retrying after pause")
			if err := w.sleep(ctx, pause); err != nil {
				logger.Warn().Err(err).Msg("Interrupted while waiting to retry")
				return types.OutcomeCancelled
			}
		}

		res := w.runner.Run(ctx, w.taskDir, command)
		if err := w.appendLogs(n+1, res); err != nil {
			logger.Warn().Err(err).Msg("Failed to write task logs")
		}

		if res.succeeded() {
			metrics.TaskAttemptsTotal.WithLabelValues(metrics.ResultSuccess).Inc()
			return types.OutcomeCompleted
		}

		if ctx.Err() != nil || w.interrupted(res.Stderr) {
			metrics.TaskAttemptsTotal.WithLabelValues(metrics.ResultCancelled).Inc()
			logger.Info().Int("attempt", n+1).Msg("Task interrupted")
			return types.OutcomeCancelled
		}

		metrics.TaskAttemptsTotal.WithLabelValues(metrics.ResultFailure).Inc()
		logger.Warn().
			Err(res.Err).
			Int("attempt", n+1).
			Int("exit_code", res.ExitCode).
			Msg("Task attempt failed")
	}

	return types.OutcomeFailed
}

func (w *Worker) interrupted(stderr []byte) bool {
	for _, marker := range w.cancelMarkers {
		if bytes.Contains(stderr, []byte(marker)) {
			return true
		}
	}
	return false
}

// appendLogs adds the output of one attempt to stdout.txt and stderr.txt.
// Earlier attempts are never truncated.
func (w *Worker) appendLogs(run int, res Result) error {
	stderr := res.Stderr
	if res.Err != nil {
		stderr = append(append([]byte{}, stderr...), []byte(res.Err.Error()+"\n")...)
	}

	now := time.Now().Unix()
	var errs []error
	for _, entry := range []struct {
		file, stream string
		data         []byte
	}{
		{stdoutFile, "STDOUT", res.Stdout},
		{stderrFile, "STDERR", stderr},
	} {
		header := fmt.Sprintf("Run no: %d, %s at: %d\n", run, entry.stream, now)
		if err := appendFile(filepath.Join(w.taskDir, entry.file), header, entry.data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func appendFile(path, header string, data []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	_, err = f.Write(append([]byte(header), data...))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
