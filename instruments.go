package scheduler

import "github.com/ygrebnov/scheduler/metrics"

const (
	metricTasksScheduled    = "scheduler_tasks_scheduled_total"
	metricTasksCompleted    = "scheduler_tasks_completed_total"
	metricTasksErrors       = "scheduler_tasks_errors_total"
	metricTasksInterrupted  = "scheduler_tasks_interrupted_total"
	metricWorkersStarted    = "scheduler_workers_started_total"
	metricWorkersDead       = "scheduler_workers_dead_total"
	metricQueueDepth        = "scheduler_queue_depth"
	metricWorkersBusy       = "scheduler_workers_busy"
	metricTaskDuration      = "scheduler_task_duration_seconds"
	metricWorkerStartupTime = "scheduler_worker_start_seconds"
)

// instruments groups the metrics a Scheduler records.
type instruments struct {
	scheduled      metrics.Counter
	completed      metrics.Counter
	errors         metrics.Counter
	interrupted    metrics.Counter
	workersStarted metrics.Counter
	workersDead    metrics.Counter
	queueDepth     metrics.UpDownCounter
	busy           metrics.UpDownCounter
	taskDuration   metrics.Histogram
	workerStartup  metrics.Histogram
}

func newInstruments(p metrics.Provider) *instruments {
	return &instruments{
		scheduled: p.Counter(metricTasksScheduled,
			metrics.WithDescription("Tasks accepted into the queue."), metrics.WithUnit("1")),
		completed: p.Counter(metricTasksCompleted,
			metrics.WithDescription("Tasks that finished successfully."), metrics.WithUnit("1")),
		errors: p.Counter(metricTasksErrors,
			metrics.WithDescription("Tasks that finished with an error."), metrics.WithUnit("1")),
		interrupted: p.Counter(metricTasksInterrupted,
			metrics.WithDescription("Queued tasks cancelled by soft or hard interruption."), metrics.WithUnit("1")),
		workersStarted: p.Counter(metricWorkersStarted,
			metrics.WithDescription("Worker threads launched."), metrics.WithUnit("1")),
		workersDead: p.Counter(metricWorkersDead,
			metrics.WithDescription("Worker threads that reached the dead state."), metrics.WithUnit("1")),
		queueDepth: p.UpDownCounter(metricQueueDepth,
			metrics.WithDescription("Tasks waiting in the queue."), metrics.WithUnit("1")),
		busy: p.UpDownCounter(metricWorkersBusy,
			metrics.WithDescription("Workers currently executing a task."), metrics.WithUnit("1")),
		taskDuration: p.Histogram(metricTaskDuration,
			metrics.WithDescription("Task execution time."), metrics.WithUnit("seconds")),
		workerStartup: p.Histogram(metricWorkerStartupTime,
			metrics.WithDescription("Time from worker launch to ready."), metrics.WithUnit("seconds")),
	}
}
