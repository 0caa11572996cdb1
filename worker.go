package scheduler

import (
	"strconv"
	"sync"
)

// WorkContext is the caller-supplied payload every worker is initialized with.
// It performs one unit of work per call. A published WorkContext is treated as read-only
// and may be called from several goroutines at once.
type WorkContext interface {
	ExecuteWork(args ...any) (any, error)
}

// WorkContextFunc adapts a function to WorkContext.
type WorkContextFunc func(args ...any) (any, error)

func (fn WorkContextFunc) ExecuteWork(args ...any) (any, error) { return fn(args...) }

// Worker executes tasks on behalf of the scheduler.
//
// Start may block for a long time and fails with a *WorkerFailure if the worker cannot
// become ready. Execute returns a *WorkerFailure for faults of the worker itself; any other
// error fails only the current task. Stop is idempotent, never panics, may be called at any
// point of the worker's life (including while Start is still running) and must release
// external resources even if Start never completed.
type Worker interface {
	ID() string
	Start(wc WorkContext) error
	Execute(args ...any) (any, error)
	Stop()
}

// LocalWorker runs work in-process by calling the WorkContext directly.
type LocalWorker struct {
	id string

	mu      sync.Mutex
	wc      WorkContext
	stopped bool
}

// NewLocalWorker returns an in-process worker.
func NewLocalWorker(id string) *LocalWorker {
	return &LocalWorker{id: id}
}

// NewLocalWorkers returns n in-process workers named local-0 .. local-(n-1).
func NewLocalWorkers(n int) []Worker {
	ws := make([]Worker, 0, n)
	for i := 0; i < n; i++ {
		ws = append(ws, NewLocalWorker("local-"+strconv.Itoa(i)))
	}
	return ws
}

func (w *LocalWorker) ID() string { return w.id }

func (w *LocalWorker) Start(wc WorkContext) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return NewWorkerFailure(w.id, ErrWorkerStopped)
	}
	w.wc = wc
	return nil
}

func (w *LocalWorker) Execute(args ...any) (any, error) {
	w.mu.Lock()
	wc, stopped := w.wc, w.stopped
	w.mu.Unlock()

	switch {
	case stopped:
		return nil, NewWorkerFailure(w.id, ErrWorkerStopped)
	case wc == nil:
		return nil, NewWorkerFailure(w.id, ErrWorkerNotReady)
	}
	return wc.ExecuteWork(args...)
}

func (w *LocalWorker) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
}
