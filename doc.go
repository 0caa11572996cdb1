// Package scheduler fans independent, idempotent units of work out across an elastic pool
// of workers that all share one WorkContext.
//
// Workers
// A Worker is started once with the shared WorkContext, executes tasks one at a time and is
// stopped once. Three implementations ship with the module:
//   - LocalWorker: runs work in-process.
//   - remote.Client: drives a remotely provisioned container and forwards work over a link.
//   - splitter sub-workers: several logical workers multiplexed onto one backing worker.
//
// Scheduling
// New(workers, wc) creates a Scheduler that launches at most len(workers) worker goroutines,
// lazily, as work arrives. ScheduleWork(interruptible, args...) returns a Future and blocks
// the caller while the queue is full; the queue never holds more tasks than there are ready
// or starting workers. Tasks are served in FIFO order, and a task's Future is settled only
// after the worker that ran it is visible as ready again.
//
// Helpers
// ScheduleAll, WaitAll and Map submit batches and collect their values. ScheduleStream reads
// argument lists from a channel and emits one Result per task, in completion order or, with
// PreserveOrder, in input order.
//
// Interruption
//   - InterruptSoft fails queued interruptible tasks with ErrSoftInterrupted and leaves
//     everything else running.
//   - InterruptHard fails every queued task with ErrHardInterrupted, aborts workers that are
//     still starting and waits for running tasks to finish. Close calls it.
//
// A *WorkerFailure returned by any worker escalates to a hard interruption of the whole
// scheduler; there is no partial recovery with fewer workers. A worker that dies is replaced
// while capacity remains; once every launched worker is dead and none is left to launch,
// the scheduler hard-interrupts itself.
//
// Defaults
// Unless overridden, a new Scheduler uses:
//   - Name: "scheduler"
//   - Logger: logrus.StandardLogger()
//   - Metrics: metrics.NoopProvider
//   - ErrorTagging: false
//   - QueueLimit: 0 (bounded by ready and starting workers only)
package scheduler
