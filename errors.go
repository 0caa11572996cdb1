package scheduler

import (
	"errors"
	"fmt"
)

const Namespace = "scheduler"

var (
	ErrSoftInterrupted = errors.New(Namespace + ": soft interrupted")
	ErrHardInterrupted = errors.New(Namespace + ": hard interrupted")
	ErrInvalidConfig   = errors.New(Namespace + ": invalid configuration")
	ErrTaskPanicked    = errors.New(Namespace + ": task execution panicked")
	ErrWorkerStopped   = errors.New(Namespace + ": worker stopped")
	ErrWorkerNotReady  = errors.New(Namespace + ": worker not started")

	errNilFailure = errors.New(Namespace + ": future failed with a nil error")
)

// WorkerFailure reports a fault of the worker itself (dead link, crashed process, failed
// startup) as opposed to an error of the unit of work it was executing.
// A WorkerFailure returned from Worker.Execute escalates to a hard interruption of the
// whole scheduler.
type WorkerFailure struct {
	WorkerID string
	Err      error
}

// NewWorkerFailure wraps err as a failure of the worker identified by workerID.
func NewWorkerFailure(workerID string, err error) *WorkerFailure {
	return &WorkerFailure{WorkerID: workerID, Err: err}
}

func (e *WorkerFailure) Error() string {
	if e.WorkerID == "" {
		return fmt.Sprintf("%s: worker failure: %v", Namespace, e.Err)
	}
	return fmt.Sprintf("%s: worker %s failure: %v", Namespace, e.WorkerID, e.Err)
}

func (e *WorkerFailure) Unwrap() error { return e.Err }

// IsWorkerFailure reports whether err (or any error it wraps) is a *WorkerFailure.
func IsWorkerFailure(err error) bool {
	var wf *WorkerFailure
	return errors.As(err, &wf)
}

// Outcome classifies how a Future was settled.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeOK
	OutcomeSoftInterrupted
	OutcomeHardInterrupted
	OutcomeWorkerFailure
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeOK:
		return "ok"
	case OutcomeSoftInterrupted:
		return "soft_interrupted"
	case OutcomeHardInterrupted:
		return "hard_interrupted"
	case OutcomeWorkerFailure:
		return "worker_failure"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Classify maps the error delivered through a Future to its Outcome.
// Interruption signals take precedence over worker failures.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrHardInterrupted):
		return OutcomeHardInterrupted
	case errors.Is(err, ErrSoftInterrupted):
		return OutcomeSoftInterrupted
	case IsWorkerFailure(err):
		return OutcomeWorkerFailure
	default:
		return OutcomeFailed
	}
}
