package scheduler

import (
	"context"
	"sync"
)

// Result is the outcome of one task submitted through ScheduleStream.
// Index is the position of its argument list in the input stream.
type Result struct {
	Index int
	Value any
	Err   error
}

type streamConfig struct {
	preserveOrder bool
	buffer        int
}

// StreamOption configures ScheduleStream.
type StreamOption func(*streamConfig)

// PreserveOrder emits results in input order instead of completion order.
func PreserveOrder() StreamOption {
	return func(c *streamConfig) { c.preserveOrder = true }
}

// ResultsBuffer sets the capacity of the returned channel. Default: 0.
func ResultsBuffer(n int) StreamOption {
	return func(c *streamConfig) {
		if n >= 0 {
			c.buffer = n
		}
	}
}

// ScheduleStream schedules one task per argument list read from in and emits one Result
// per task. By default results come out in completion order.
//
// Intake stops when in is closed or ctx is done; tasks already scheduled still run and
// their results are still emitted. The returned channel is closed once every scheduled
// task has settled. The caller must drain it.
func ScheduleStream(ctx context.Context, s *Scheduler, interruptible bool, in <-chan []any, opts ...StreamOption) <-chan Result {
	var cfg streamConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	out := make(chan Result, cfg.buffer)
	events := out
	if cfg.preserveOrder {
		events = make(chan Result, cfg.buffer)
		go func() {
			defer close(out)
			newReorderer(events, out).run()
		}()
	}

	go func() {
		defer close(events)

		var waiters sync.WaitGroup
		defer waiters.Wait()

		for idx := 0; ; idx++ {
			var (
				args []any
				ok   bool
			)
			select {
			case <-ctx.Done():
				return
			case args, ok = <-in:
				if !ok {
					return
				}
			}

			f := s.ScheduleWorkContext(ctx, interruptible, args...)
			waiters.Add(1)
			go func(idx int, f *Future) {
				defer waiters.Done()
				v, err := f.Wait()
				events <- Result{Index: idx, Value: v, Err: err}
			}(idx, f)
		}
	}()

	return out
}
