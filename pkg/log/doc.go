/*
Package log provides structured logging for jt using zerolog.

The package wraps a single global zerolog.Logger with component and task
scoped child loggers. Worker processes write logs to stderr; the stdout and
stderr of the task command are captured separately into the task directory,
so the two never mix.

# Usage

Initializing the Logger:

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})

Component Loggers:

	provLog := log.WithComponent("provision")
	provLog.Info().Str("local_path", p).Msg("Download finished")

Task Loggers:

	taskLog := log.WithTask(task.JobID, task.Name)
	taskLog.Warn().Int("attempt", 2).Msg("Task attempt failed")

# Fields

Common field names used across packages:
  - component: emitting package (worker, provision, scheduler, storage)
  - worker_id: uuid of the worker instance
  - job_id, task_name: task identity
  - attempt: 1-based attempt number
  - local_path, url: provisioning targets

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
*/
package log
