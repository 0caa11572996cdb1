package scheduler

import (
	"errors"
	"fmt"
)

// TaskMetaError exposes correlation metadata for a task-level failure.
type TaskMetaError interface {
	error
	Unwrap() error
	WorkerID() (string, bool)
	TaskIndex() (int, bool)
}

type taskTaggedError struct {
	err      error
	workerID string
	index    int
}

func newTaskTaggedError(err error, workerID string, index int) error {
	if err == nil {
		return nil
	}
	return &taskTaggedError{err: err, workerID: workerID, index: index}
}

func (e *taskTaggedError) Error() string { return e.err.Error() }
func (e *taskTaggedError) Unwrap() error { return e.err }

func (e *taskTaggedError) WorkerID() (string, bool) {
	if e.workerID == "" {
		return "", false
	}
	return e.workerID, true
}

func (e *taskTaggedError) TaskIndex() (int, bool) { return e.index, true }

func (e *taskTaggedError) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			_, _ = fmt.Fprintf(s, "task(index=%d,worker=%s): %+v", e.index, e.workerID, e.err)
			return
		}
		fallthrough
	case 's':
		_, _ = fmt.Fprint(s, e.Error())
	case 'q':
		_, _ = fmt.Fprintf(s, "%q", e.Error())
	}
}

// ExtractWorkerID returns the ID of the worker that ran the failed task, if tagged.
func ExtractWorkerID(err error) (string, bool) {
	var tme TaskMetaError
	if errors.As(err, &tme) {
		return tme.WorkerID()
	}
	return "", false
}

// ExtractTaskIndex returns the submission index of the failed task, if tagged.
func ExtractTaskIndex(err error) (int, bool) {
	var tme TaskMetaError
	if errors.As(err, &tme) {
		return tme.TaskIndex()
	}
	return 0, false
}
