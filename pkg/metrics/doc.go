/*
Package metrics provides Prometheus metrics for the jt worker.

All metrics are registered on the default registry at package init. A worker
runs one task and exits, which is too short-lived for scraping, so the CLI
writes the registry to a node_exporter textfile (WriteTextfile) when the run
ends.

# Metrics

Task execution:
  - jt_task_attempts_total{result}: command attempts (success, failure, cancelled)
  - jt_task_outcomes_total{state}: terminal outcomes (completed, failed, cancelled)
  - jt_task_duration_seconds: wall time of a task run

Provisioning:
  - jt_downloads_total{result}: downloaded, cached, waited, error
  - jt_download_bytes_total: bytes written by downloads
  - jt_stale_downloads_recovered_total: stalled downloads taken over
  - jt_download_wait_seconds: time spent behind another worker's download

Scheduler:
  - jt_scheduler_calls_total{operation,status}: next_task, task_completed,
    task_failed calls by ok/error

# Usage

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TaskDuration)

	metrics.TaskOutcomesTotal.WithLabelValues(outcome.String()).Inc()

	if err := metrics.WriteTextfile("/var/lib/node_exporter/jt.prom"); err != nil {
		...
	}
*/
package metrics
