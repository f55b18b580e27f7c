/*
Package types defines the data structures shared by the jt worker packages.

# Core Types

Scheduler documents:
  - Task: job.id, name and the raw task_file exchanged with the scheduler
  - TaskSpec: command template, input map and previous run outputs
  - TaskState, JobState: scheduler-side lifecycle states

Execution:
  - StagedTask: a Task plus the input map after file references were
    rewritten to local paths. The Task itself is never modified.
  - Identity: worker, node and executor identifiers for one worker
  - Outcome: completed, failed or cancelled, with the process exit code
    convention (0, 1, 2)

Provenance:
  - Provenance: the _jt_ block merged into every reported output document
  - WallTime: start and end of a run in unix seconds

# Task Documents

A task document as returned by the scheduler looks like:

	{
	  "job.id": "5c8d1f0e",
	  "name": "align_reads",
	  "task_file": "{\"command\": \"bwa mem ${ref} ${reads}\", \"input\": {...}}"
	}

task_file is a JSON string, not a nested object. ParseTask decodes both
levels. The original string is kept in Task.TaskFile because legacy commands
without placeholders receive it verbatim as their last argument.

# Output Documents

Outputs are free-form JSON objects produced by the task (output.json). The
worker only owns the _jt_ key:

	{
	  "bam": "/data/out.bam",
	  "_jt_": {
	    "worker_id": "...",
	    "state": "completed",
	    "wall_time": {"start": 1700000000, "end": 1700000420}
	  }
	}

MergeProvenance overwrites _jt_ and keeps every other key.
*/
package types
