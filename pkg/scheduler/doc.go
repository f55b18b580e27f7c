/*
Package scheduler connects a worker to the service that assigns it tasks.

A worker does not decide what to run. It asks a Scheduler for the next task
of its executor, runs it and reports the outcome back. The Scheduler also
names the executor context (executor, queue, workflow and version) the
worker uses to lay out its directories.

# Implementations

	HTTPScheduler   JESS REST API
	                GET  {jess}/jobs/owner/{account}/queue/{queue}/executor/{executor}/next_task[?job_state=]
	                PUT  {jess}/tasks/owner/{account}/queue/{queue}/executor/{executor}/job/{job}/task/{task}/task_completed
	                PUT  {jess}/tasks/owner/.../task/{task}/task_failed
	LocalScheduler  jobs imported from job files into a local bbolt store
	Retrying        wraps either one and retries outcome reports

NextTask returns (nil, nil) when nothing is runnable: JESS answers 204 or
404, or 200 with an empty document.

# Outcome reports

The body of task_completed and task_failed is the task's output document
including the _jt_ provenance block. Cancelled tasks are never reported.
Reports are wrapped in Retrying, which backs off exponentially starting at
2s for four retries before giving up; the worker then exits non-zero and the
task stays running on the scheduler side.
*/
package scheduler
