package scheduler

import (
	"sync"
)

// teardown encapsulates the hard-interruption sequence for a Scheduler.
// It is a wiring helper: it doesn't own scheduler state; it orchestrates flag flips,
// force-stops, waits and the final close in a deterministic order. Soft-interruption hooks
// run after it, outside the once, so a hook may itself call InterruptHard or Close.
//
// Run() is safe for concurrent calls; the sequence executes exactly once and every
// caller returns only after it has completed.
type teardown struct {
	// markInterrupted flips the interruption flags, fails queued tasks and returns the
	// workers whose start must be aborted. It runs under the scheduler lock.
	markInterrupted func() []Worker
	stopWorker      func(Worker)
	waitThreads     func()
	closeCh         chan struct{}

	once sync.Once
}

func newTeardown(
	markInterrupted func() []Worker,
	stopWorker func(Worker),
	waitThreads func(),
	closeCh chan struct{},
) *teardown {
	return &teardown{
		markInterrupted: markInterrupted,
		stopWorker:      stopWorker,
		waitThreads:     waitThreads,
		closeCh:         closeCh,
	}
}

// Run executes the teardown sequence exactly once:
// 1) mark interrupted, fail queued tasks, collect pending workers
// 2) stop pending workers so in-progress starts abort
// 3) wait for every worker thread run loop to exit
// 4) close closeCh to release the escalator
func (td *teardown) Run() {
	td.once.Do(func() {
		var pending []Worker
		if td.markInterrupted != nil {
			pending = td.markInterrupted()
		}
		if td.stopWorker != nil {
			for _, w := range pending {
				td.stopWorker(w)
			}
		}
		if td.waitThreads != nil {
			td.waitThreads()
		}
		if td.closeCh != nil {
			close(td.closeCh)
		}
	})
}
