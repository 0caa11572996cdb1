package scheduler

import (
	"context"
	"fmt"
	"sync"
)

// Future is a write-once, read-many container delivering the outcome of a task.
// The first Resolve or Fail wins; later attempts are ignored and never disturb waiters.
// A Future is safe for concurrent use.
type Future struct {
	mu       sync.Mutex
	done     chan struct{}
	resolved bool

	value any
	err   error
}

// NewFuture returns a pending Future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Failed returns a Future already failed with err.
func Failed(err error) *Future {
	f := NewFuture()
	f.Fail(err)
	return f
}

// Go runs fn on a new goroutine and settles the returned Future with its outcome.
// A panic in fn fails the Future with ErrTaskPanicked.
func Go(fn func() (any, error)) *Future {
	f := NewFuture()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				f.Fail(fmt.Errorf("%w: %v", ErrTaskPanicked, r))
			}
		}()
		v, err := fn()
		if err != nil {
			f.Fail(err)
			return
		}
		f.Resolve(v)
	}()
	return f
}

// Resolve settles the Future with v. It reports whether this call settled it.
func (f *Future) Resolve(v any) bool { return f.settle(v, nil) }

// Fail settles the Future with err. It reports whether this call settled it.
// A nil err is replaced with an internal error so that a failed Future never looks successful.
func (f *Future) Fail(err error) bool {
	if err == nil {
		err = errNilFailure
	}
	return f.settle(nil, err)
}

func (f *Future) settle(v any, err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolved {
		return false
	}
	f.resolved = true
	f.value, f.err = v, err
	close(f.done)
	return true
}

// Done returns a channel closed once the Future is settled.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the Future is settled and returns its value or error.
func (f *Future) Wait() (any, error) {
	<-f.done
	return f.value, f.err
}

// WaitContext is Wait bounded by ctx. When ctx is done first, ctx.Err() is returned
// and the Future is left untouched.
func (f *Future) WaitContext(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Outcome returns OutcomePending until the Future is settled, then the classification
// of its error.
func (f *Future) Outcome() Outcome {
	select {
	case <-f.done:
		return Classify(f.err)
	default:
		return OutcomePending
	}
}
