package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/ygrebnov/errorc"

	"github.com/ygrebnov/scheduler/pool"
)

// State is the scheduler-wide lifecycle state. Transitions are monotonic:
// Running -> SoftInterrupted -> HardInterrupted -> Closed.
type State int

const (
	StateRunning State = iota
	StateSoftInterrupted
	StateHardInterrupted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateSoftInterrupted:
		return "soft_interrupted"
	case StateHardInterrupted:
		return "hard_interrupted"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Scheduler fans tasks out to an elastic set of workers sharing one WorkContext.
//
// Workers are launched lazily, one goroutine each, as callers submit work; the number of
// launched workers never exceeds the number of workers passed to New. The queue is bounded
// by the number of workers that are ready or still starting, so ScheduleWork blocks the
// caller while every worker is busy.
//
// All methods are safe for concurrent use. Call Close (or InterruptHard) when done.
type Scheduler struct {
	// noCopy prevents accidental copying of the scheduler.
	//go:nocopy
	nc noCopy

	config *config
	log    logrus.FieldLogger
	ins    *instruments
	wc     WorkContext

	// unstarted worker descriptors
	workers pool.Pool[Worker]

	mu sync.Mutex
	// workCond wakes worker threads: a task was queued or the scheduler was hard-interrupted.
	workCond *sync.Cond
	// callerCond wakes blocked ScheduleWork callers: room in the queue, worker state change or interruption.
	callerCond *sync.Cond

	threads         []*workerThread
	queue           []*task
	softInterrupted bool
	hardInterrupted bool
	escalating      bool
	closed          bool
	blockedCallers  int
	seq             int
	softHooks       []func()
	hooksFired      bool

	threadsWG sync.WaitGroup
	closeCh   chan struct{}

	escalator *escalator
	teardown  *teardown
}

// noCopy is a vet-recognized marker to discourage copying types with this field embedded.
// It works with the "-copylocks" analyzer via the presence of Lock/Unlock methods.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// New creates a Scheduler that may launch up to len(workers) workers, each started with wc.
// No worker is started until work is scheduled.
func New(workers []Worker, wc WorkContext, opts ...Option) (*Scheduler, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	if wc == nil {
		return nil, errorc.With(ErrInvalidConfig, errorc.String("context", "must not be nil"))
	}
	if len(workers) == 0 {
		return nil, errorc.With(ErrInvalidConfig, errorc.String("workers", "at least one worker is required"))
	}
	for i, w := range workers {
		if w == nil {
			return nil, errorc.With(ErrInvalidConfig, errorc.String("workers", fmt.Sprintf("worker %d is nil", i)))
		}
	}

	s := &Scheduler{}
	s.initialize(&cfg, workers, wc)
	return s, nil
}

func (s *Scheduler) initialize(cfg *config, workers []Worker, wc WorkContext) {
	s.config = cfg
	s.log = cfg.Logger.WithField("scheduler", cfg.Name)
	s.ins = newInstruments(cfg.Metrics)
	s.wc = wc
	s.workers = pool.NewFixed(workers)
	s.workCond = sync.NewCond(&s.mu)
	s.callerCond = sync.NewCond(&s.mu)
	s.closeCh = make(chan struct{})

	s.escalator = newEscalator(s.closeCh, s.InterruptHard, s.log)
	s.teardown = newTeardown(
		s.markHardInterrupted,
		func(w Worker) { stopWorker(w, s.log.WithField("worker", w.ID())) },
		s.threadsWG.Wait,
		s.closeCh,
	)

	// the escalator exits once the teardown closes closeCh
	go s.escalator.run()
}

// ScheduleWork submits one task and returns its Future.
//
// It blocks the caller while the queue is full. While blocked, the caller counts toward the
// number of workers the scheduler wants running. Once the scheduler is hard-interrupted the
// returned Future fails with ErrHardInterrupted; once soft-interrupted, interruptible tasks
// fail with ErrSoftInterrupted. Non-interruptible tasks are still accepted after a soft
// interruption.
func (s *Scheduler) ScheduleWork(interruptible bool, args ...any) *Future {
	return s.schedule(nil, interruptible, args)
}

// ScheduleWorkContext is ScheduleWork bounded by ctx: if ctx is done while the caller is
// blocked on a full queue, the returned Future fails with ctx.Err() and nothing is queued.
func (s *Scheduler) ScheduleWorkContext(ctx context.Context, interruptible bool, args ...any) *Future {
	return s.schedule(ctx, interruptible, args)
}

func (s *Scheduler) schedule(ctx context.Context, interruptible bool, args []any) *Future {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ctx != nil {
		stop := context.AfterFunc(ctx, func() {
			s.mu.Lock()
			s.callerCond.Broadcast()
			s.mu.Unlock()
		})
		defer stop()
	}

	s.blockedCallers++
	defer func() { s.blockedCallers-- }()

	for {
		switch {
		case s.hardInterrupted:
			return Failed(ErrHardInterrupted)
		case interruptible && s.softInterrupted:
			return Failed(ErrSoftInterrupted)
		case ctx != nil && ctx.Err() != nil:
			return Failed(ctx.Err())
		}

		s.maybeStartWorkersLocked()

		if len(s.queue) < s.maxQueueSizeLocked() {
			t := newTask(interruptible, args, s.seq)
			s.seq++
			s.queue = append(s.queue, t)
			s.ins.scheduled.Add(1)
			s.ins.queueDepth.Add(1)
			s.workCond.Signal()
			return t.future
		}

		s.callerCond.Wait()
	}
}

// InterruptSoft fails every queued interruptible task with ErrSoftInterrupted and rejects
// interruptible submissions from now on. Running tasks and queued non-interruptible tasks
// are left alone. Registered hooks run once, after the state change. Idempotent.
func (s *Scheduler) InterruptSoft() {
	s.mu.Lock()
	if s.softInterrupted {
		s.mu.Unlock()
		return
	}
	s.softInterrupted = true
	n := s.failQueuedLocked(func(t *task) bool { return t.interruptible }, ErrSoftInterrupted)
	s.callerCond.Broadcast()
	s.mu.Unlock()

	s.log.WithField("cancelled", n).Info("soft interruption")
	s.fireSoftHooks()
}

// InterruptHard fails every queued task with ErrHardInterrupted, aborts workers that are
// still starting and blocks until every worker thread has exited. Running tasks are not
// preempted; InterruptHard waits for them. Idempotent; concurrent callers all block until
// the teardown has completed. Soft-interruption hooks that have not run yet run afterwards,
// on the first caller's goroutine.
//
// InterruptHard must not be called from inside a WorkContext, since it waits for the task
// calling it.
func (s *Scheduler) InterruptHard() {
	s.teardown.Run()
	s.fireSoftHooks()
}

// Close hard-interrupts the scheduler and marks it closed. It is meant for scoped use:
//
//	s, err := scheduler.New(workers, wc)
//	if err != nil { ... }
//	defer s.Close()
func (s *Scheduler) Close() error {
	s.InterruptHard()

	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if !already {
		s.log.Debug("closed")
	}
	return nil
}

// OnSoftInterrupt registers a hook run once when the scheduler is first soft-interrupted
// (a hard interruption implies a soft one). Hooks registered afterwards never run. A hook
// may call InterruptHard or Close.
func (s *Scheduler) OnSoftInterrupt(hook func()) {
	if hook == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hooksFired {
		return
	}
	s.softHooks = append(s.softHooks, hook)
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return StateClosed
	case s.hardInterrupted:
		return StateHardInterrupted
	case s.softInterrupted:
		return StateSoftInterrupted
	default:
		return StateRunning
	}
}

// WorkerStates returns the state of every launched worker thread, in launch order.
func (s *Scheduler) WorkerStates() []WorkerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	states := make([]WorkerState, len(s.threads))
	for i, t := range s.threads {
		states[i] = t.state
	}
	return states
}

// QueueLen returns the number of queued tasks.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Capacity returns the maximum number of workers the scheduler may launch.
func (s *Scheduler) Capacity() int { return s.workers.Capacity() }

// markHardInterrupted is the locked part of the teardown.
func (s *Scheduler) markHardInterrupted() []Worker {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.softInterrupted = true
	s.hardInterrupted = true
	n := s.failQueuedLocked(func(*task) bool { return true }, ErrHardInterrupted)

	var pending []Worker
	for _, t := range s.threads {
		if t.state == WorkerPending {
			t.markDeadLocked()
			pending = append(pending, t.worker)
		}
	}

	s.workCond.Broadcast()
	s.callerCond.Broadcast()
	s.log.WithFields(logrus.Fields{"cancelled": n, "aborted_starts": len(pending)}).Info("hard interruption")
	return pending
}

// fireSoftHooks runs the registered hooks on the first call. Later and nested calls return
// immediately without waiting for the hooks.
func (s *Scheduler) fireSoftHooks() {
	s.mu.Lock()
	if s.hooksFired {
		s.mu.Unlock()
		return
	}
	s.hooksFired = true
	hooks := s.softHooks
	s.softHooks = nil
	s.mu.Unlock()

	for _, h := range hooks {
		h()
	}
}

// failQueuedLocked removes the queued tasks matching match, fails their futures with err
// and returns how many were removed. Queue order of the remaining tasks is kept.
func (s *Scheduler) failQueuedLocked(match func(*task) bool, err error) int {
	kept := s.queue[:0]
	n := 0
	for _, t := range s.queue {
		if match(t) {
			t.future.Fail(err)
			n++
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(s.queue); i++ {
		s.queue[i] = nil
	}
	s.queue = kept
	s.ins.queueDepth.Add(int64(-n))
	s.ins.interrupted.Add(int64(n))
	return n
}

// popLocked removes and returns the head of the queue. The queue must not be empty.
func (s *Scheduler) popLocked() *task {
	t := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	s.ins.queueDepth.Add(-1)
	return t
}

// settleLocked resolves the task's future with the outcome of its execution.
// It reports whether the outcome is fatal to the worker that ran it.
func (s *Scheduler) settleLocked(t *workerThread, tk *task, res any, err error) bool {
	switch {
	case err == nil:
		s.ins.completed.Add(1)
		tk.future.Resolve(res)
		return false

	case IsWorkerFailure(err):
		s.ins.errors.Add(1)
		tk.future.Fail(err)
		s.escalating = true
		s.escalator.report(err)
		return true

	default:
		s.ins.errors.Add(1)
		if s.config.ErrorTagging {
			err = newTaskTaggedError(err, t.worker.ID(), tk.index)
		}
		tk.future.Fail(err)
		return false
	}
}

// maybeStartWorkersLocked launches worker threads while more are wanted than alive and
// capacity remains.
func (s *Scheduler) maybeStartWorkersLocked() {
	if s.hardInterrupted || s.escalating {
		return
	}
	for s.idealWorkerCountLocked() > s.countLocked(func(st WorkerState) bool { return st != WorkerDead }) {
		w, ok := s.workers.Take()
		if !ok {
			return
		}
		t := newWorkerThread(s, w)
		s.threads = append(s.threads, t)
		s.threadsWG.Add(1)
		s.ins.workersStarted.Add(1)
		t.log.Debug("launching worker")
		go t.run()
	}
}

// checkAllDeadLocked escalates to a hard interruption when every launched worker is dead
// and none can be launched anymore: nothing could ever drain the queue otherwise.
func (s *Scheduler) checkAllDeadLocked() {
	if s.hardInterrupted || s.workers.Remaining() > 0 || len(s.threads) == 0 {
		return
	}
	if s.countLocked(func(st WorkerState) bool { return st != WorkerDead }) > 0 {
		return
	}
	s.escalating = true
	s.escalator.report(NewWorkerFailure("", fmt.Errorf("all %d workers are dead", len(s.threads))))
}

func (s *Scheduler) idealWorkerCountLocked() int {
	return s.blockedCallers + len(s.queue) + s.countLocked(func(st WorkerState) bool { return st == WorkerBusy })
}

func (s *Scheduler) maxQueueSizeLocked() int {
	n := s.countLocked(func(st WorkerState) bool { return st == WorkerReady || st == WorkerPending })
	if limit := int(s.config.QueueLimit); limit > 0 && limit < n {
		return limit
	}
	return n
}

func (s *Scheduler) countLocked(match func(WorkerState) bool) int {
	n := 0
	for _, t := range s.threads {
		if match(t.state) {
			n++
		}
	}
	return n
}
