package scheduler

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// WorkerState is the lifecycle state of one worker thread.
//
//	Pending -(start ok)-> Ready -(task)-> Busy -(done)-> Ready ... -> Dead
//
// Dead is terminal: a dead thread is replaced by a new thread, never resurrected.
type WorkerState int

const (
	WorkerPending WorkerState = iota
	WorkerReady
	WorkerBusy
	WorkerDead
)

func (s WorkerState) String() string {
	switch s {
	case WorkerPending:
		return "pending"
	case WorkerReady:
		return "ready"
	case WorkerBusy:
		return "busy"
	case WorkerDead:
		return "dead"
	default:
		return fmt.Sprintf("worker_state(%d)", int(s))
	}
}

// workerThread owns one worker's lifecycle goroutine. All fields except worker and log
// are guarded by the scheduler lock.
type workerThread struct {
	s      *Scheduler
	worker Worker
	state  WorkerState
	log    logrus.FieldLogger
}

func newWorkerThread(s *Scheduler, w Worker) *workerThread {
	return &workerThread{
		s:      s,
		worker: w,
		state:  WorkerPending,
		log:    s.log.WithField("worker", w.ID()),
	}
}

// markDeadLocked moves the thread to Dead and reports whether it was alive before.
func (t *workerThread) markDeadLocked() bool {
	if t.state == WorkerDead {
		return false
	}
	t.state = WorkerDead
	t.s.ins.workersDead.Add(1)
	return true
}

func (t *workerThread) run() {
	defer t.s.threadsWG.Done()

	s := t.s
	launched := time.Now()
	if err := startWorker(t.worker, s.wc); err != nil {
		t.log.WithError(err).Warn("worker failed to start")
		s.mu.Lock()
		t.exitLocked()
		s.mu.Unlock()
		stopWorker(t.worker, t.log)
		return
	}

	s.mu.Lock()
	if t.state != WorkerPending {
		t.log.Debug("worker stopped while starting")
		t.exitLocked()
		s.mu.Unlock()
		stopWorker(t.worker, t.log)
		return
	}
	t.state = WorkerReady
	s.ins.workerStartup.Record(time.Since(launched).Seconds())
	t.log.Debug("worker ready")

	for {
		for !s.hardInterrupted && len(s.queue) == 0 {
			s.workCond.Wait()
		}
		if len(s.queue) == 0 {
			break
		}

		tk := s.popLocked()
		t.state = WorkerBusy
		s.ins.busy.Add(1)
		s.callerCond.Broadcast()
		s.mu.Unlock()

		began := time.Now()
		res, err := execTask(t.worker, tk)
		s.ins.taskDuration.Record(time.Since(began).Seconds())

		s.mu.Lock()
		s.ins.busy.Add(-1)
		if t.state != WorkerDead {
			t.state = WorkerReady
		}
		s.callerCond.Broadcast()
		// the future is settled only after this worker is visible as ready again
		if fatal := s.settleLocked(t, tk, res, err); fatal {
			break
		}
	}
	t.exitLocked()
	s.mu.Unlock()
	stopWorker(t.worker, t.log)
}

// exitLocked marks the thread dead and lets the scheduler replace it or escalate.
// The caller stops the worker after releasing the lock.
func (t *workerThread) exitLocked() {
	s := t.s
	t.markDeadLocked()
	s.callerCond.Broadcast()
	if !s.hardInterrupted {
		s.maybeStartWorkersLocked()
		s.checkAllDeadLocked()
	}
}

// stopWorker calls w.Stop, logging instead of propagating a panic.
func stopWorker(w Worker, log logrus.FieldLogger) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("worker stop panicked")
		}
	}()
	w.Stop()
}
