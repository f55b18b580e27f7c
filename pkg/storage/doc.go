/*
Package storage provides a BoltDB-backed store for locally executed jobs.

Workers normally pull tasks from the remote job execution service. For
development and single-node runs a job file can be imported into a local
store instead, and the local scheduler hands its tasks to workers from
there. Several worker processes may share one store: bbolt takes an
exclusive file lock per open database, so each process opens the store
with a lock timeout, performs one transaction and closes it again.

# Buckets

	jobs    job ID            → Job (JSON)
	tasks   job ID "/" name   → types.Task (JSON, task_file kept as a string)

Job.Tasks keeps the import order of task names, which is also the order in
which ClaimNextTask hands them out. Jobs are served oldest first.

# State transitions

	task:  queued → running (ClaimNextTask) → completed | failed (FinishTask)
	job:   queued → running on first claim
	       running → failed as soon as one task failed
	       running → completed once every task completed

FinishTask appends the reported output document to the "output" list of
the task's task_file, so the run history travels with the task exactly like
it does on the remote service.

# Job files

ParseJobFile accepts YAML or JSON:

	name: align-sample
	workflow_id: dna-seq
	tasks:
	  - name: download
	    command: curl -o ${out} ${url}
	    input:
	      url: https://example.org/reads.fq
	      out: reads.fq

A missing id gets a generated UUID.
*/
package storage
