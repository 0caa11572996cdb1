package scheduler

import (
	"fmt"
)

// task is one unit of work queued by ScheduleWork. It is never mutated after enqueue.
type task struct {
	future        *Future
	interruptible bool
	args          []any
	// index is the submission sequence number, used for error tagging.
	index int
}

func newTask(interruptible bool, args []any, index int) *task {
	return &task{future: NewFuture(), interruptible: interruptible, args: args, index: index}
}

// execTask runs the task on w, converting a panic into a task-level error.
func execTask(w Worker, t *task) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()
	return w.Execute(t.args...)
}

// startWorker runs w.Start, converting a panic into a worker failure.
func startWorker(w Worker, wc WorkContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewWorkerFailure(w.ID(), fmt.Errorf("%w: %v", ErrTaskPanicked, r))
		}
	}()
	return w.Start(wc)
}
