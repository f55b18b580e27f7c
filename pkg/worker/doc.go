/*
Package worker runs a single JTracker task from assignment to reported outcome.

A Worker is short-lived: it claims one task from its Scheduler, runs it in
the task directory and reports the result. Parallelism comes from running
several worker processes side by side, usually started by an executor. The
only state workers share is the node filesystem, and the only coordination
between them is the sentinel protocol of package provision.

# Lifecycle

	Idle ──NextTask──▶ TaskAcquired ──Run──▶ Staging ──▶ Running(1..retries+1)
	                                            │              │
	                                            │     ┌────────┼──────────┐
	                                            ▼     ▼        ▼          ▼
	                                          Exhausted    Succeeded   Cancelled
	                                            │              │          │
	                                            └──────────────┴──────────┴──▶ Reported

Run fails with ErrInvalidState unless a task has been acquired, and a Worker
never runs a second task.

# Staging

Input values (or elements of list values) of the forms

	[<local-path>]<http(s)-url>
	file://<local-path>

are file references. The local path is relative to the job data directory,
or to the workflow data directory when it starts with _WF_DATA_/. URLs are
downloaded through the Provisioner. The result is a StagedTask holding the
rewritten input; the Task itself is not modified. Staged values are absolute
paths, which are not references, so staging twice yields the same input.

A staging failure ends the run as failed without starting the command and
leaves staging_error.txt in the task directory.

# Execution

The command template is rendered once (see package render) and run with
sh -c in the task directory. Each attempt appends its output to stdout.txt
and stderr.txt under a "Run no: N, STDOUT at: <unix time>" header, so logs
of all attempts survive. A failed attempt is retried after 100 * 2^n
seconds (200s, 400s, ...), Retries times at most. When stderr contains
KeyboardInterrupt, or the context is cancelled, the run is cancelled at once
and no further attempt is made. ShellRunner starts each command in its own
process group; cancelling sends SIGINT to the whole group and SIGKILL after
InterruptGrace.

# Outcome

The optional output.json written by the command is merged with the _jt_
provenance block and sent to the scheduler with TaskCompleted or TaskFailed.
Cancelled runs are only handed back to schedulers implementing
scheduler.Releaser (the local job store). Reports use a context detached
from the run, so a signal that arrives as the command exits does not lose
the outcome. The caller maps the returned Outcome to the
process exit status: 0 completed, 1 failed, 2 cancelled.

# Usage

	w, err := worker.NewWorker(&worker.Config{
		Home:      cfg.JTHome,
		AccountID: cfg.JTAccount,
		NodeID:    cfg.NodeID,
		NodeIP:    cfg.NodeIP,
		Scheduler: scheduler.NewRetrying(sched),
		Retries:   worker.DefaultRetries,
	})
	if err != nil {
		return err
	}

	task, err := w.NextTask(ctx, "")
	if err != nil || task == nil {
		return err
	}

	outcome, err := w.Run(ctx)
	os.Exit(outcome.ExitCode())
*/
package worker
