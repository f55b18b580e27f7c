package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Task execution metrics
	TaskAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jt_task_attempts_total",
			Help: "Total number of task command attempts by result",
		},
		[]string{"result"},
	)

	TaskOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jt_task_outcomes_total",
			Help: "Total number of finished tasks by terminal state",
		},
		[]string{"state"},
	)

	TaskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jt_task_duration_seconds",
			Help:    "Wall time of a task run including staging and retries",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
	)

	// Provisioning metrics
	DownloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jt_downloads_total",
			Help: "Total number of input file provisioning attempts by result",
		},
		[]string{"result"},
	)

	DownloadBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jt_download_bytes_total",
			Help: "Total number of bytes written by input downloads",
		},
	)

	StaleDownloadsRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jt_stale_downloads_recovered_total",
			Help: "Total number of stalled downloads taken over by this node",
		},
	)

	DownloadWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jt_download_wait_seconds",
			Help:    "Time spent waiting on another worker's download",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	// Scheduler callback metrics
	SchedulerCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jt_scheduler_calls_total",
			Help: "Total number of scheduler calls by operation and status",
		},
		[]string{"operation", "status"},
	)
)

// Download results
const (
	ResultDownloaded = "downloaded"
	ResultCached     = "cached"
	ResultWaited     = "waited"
	ResultError      = "error"
)

// Attempt results
const (
	ResultSuccess   = "success"
	ResultFailure   = "failure"
	ResultCancelled = "cancelled"
)

func init() {
	prometheus.MustRegister(TaskAttemptsTotal)
	prometheus.MustRegister(TaskOutcomesTotal)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(DownloadsTotal)
	prometheus.MustRegister(DownloadBytesTotal)
	prometheus.MustRegister(StaleDownloadsRecovered)
	prometheus.MustRegister(DownloadWaitSeconds)
	prometheus.MustRegister(SchedulerCallsTotal)
}

// WriteTextfile writes all registered metrics to path in the text exposition
// format, for the node_exporter textfile collector. Workers are short-lived
// processes, so this replaces scraping.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
