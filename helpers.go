package scheduler

import (
	"errors"
)

// ScheduleAll submits one task per argument list, in order, and returns their futures in
// the same order. Like ScheduleWork it blocks while the queue is full.
func ScheduleAll(s *Scheduler, interruptible bool, argLists [][]any) []*Future {
	futures := make([]*Future, 0, len(argLists))
	for _, args := range argLists {
		futures = append(futures, s.ScheduleWork(interruptible, args...))
	}
	return futures
}

// WaitAll waits for every future and returns their values in input order.
// The returned error is errors.Join of all failures (nil if none); the value of a failed
// future is nil.
func WaitAll(futures []*Future) ([]any, error) {
	values := make([]any, len(futures))
	var errs []error
	for i, f := range futures {
		v, err := f.Wait()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		values[i] = v
	}
	return values, errors.Join(errs...)
}

// Map schedules one task per item, using toArgs to build its arguments, and waits for all
// of them. Results are returned in input order; the error aggregates every failure.
func Map[T any](s *Scheduler, interruptible bool, items []T, toArgs func(T) []any) ([]any, error) {
	if len(items) == 0 {
		return nil, nil
	}
	argLists := make([][]any, 0, len(items))
	for i := range items {
		argLists = append(argLists, toArgs(items[i]))
	}
	return WaitAll(ScheduleAll(s, interruptible, argLists))
}
