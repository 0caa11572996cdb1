package scheduler

import (
	"github.com/sirupsen/logrus"
)

// escalator turns worker-level faults into a scheduler-wide hard interruption.
// Worker threads report causes without blocking; the first cause triggers interrupt()
// on the escalator's own goroutine, so a worker thread never waits for its own teardown.
// Causes reported while one is already buffered are dropped. After closeCh is closed,
// it drains any remaining causes and exits.
//
// The owner controls lifecycle: escalator does not close any channels.
type escalator struct {
	in        chan error
	closeCh   <-chan struct{}
	interrupt func()
	log       logrus.FieldLogger
}

func newEscalator(closeCh <-chan struct{}, interrupt func(), log logrus.FieldLogger) *escalator {
	return &escalator{in: make(chan error, 1), closeCh: closeCh, interrupt: interrupt, log: log}
}

// report queues cause for escalation. It never blocks and reports whether the cause was queued.
func (e *escalator) report(cause error) bool {
	select {
	case e.in <- cause:
		return true
	default:
		return false
	}
}

func (e *escalator) run() {
	escalated := false
	for {
		select {
		case cause := <-e.in:
			if escalated {
				continue
			}
			escalated = true
			e.log.WithError(cause).Error("escalating to hard interruption")
			e.interrupt()
		case <-e.closeCh:
			for {
				select {
				case <-e.in:
					// drop
				default:
					return
				}
			}
		}
	}
}
