package scheduler_test

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/ygrebnov/scheduler"
)

// Example shows the basic flow: create a scheduler over in-process workers, submit work,
// wait for the futures and close the scheduler.
func Example() {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	square := scheduler.WorkContextFunc(func(args ...any) (any, error) {
		n := args[0].(int)
		return n * n, nil
	})

	s, err := scheduler.New(scheduler.NewLocalWorkers(2), square, scheduler.WithLogger(logger))
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	defer s.Close()

	futures := scheduler.ScheduleAll(s, false, [][]any{{1}, {2}, {3}})
	values, err := scheduler.WaitAll(futures)
	fmt.Println(values, err)

	// Output: [1 4 9] <nil>
}

// ExampleScheduler_InterruptSoft shows that a soft interruption rejects interruptible work
// and keeps accepting the rest.
func ExampleScheduler_InterruptSoft() {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	echo := scheduler.WorkContextFunc(func(args ...any) (any, error) { return args[0], nil })
	s, err := scheduler.New(scheduler.NewLocalWorkers(1), echo, scheduler.WithLogger(logger))
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	defer s.Close()

	s.InterruptSoft()

	_, err = s.ScheduleWork(true, "optional").Wait()
	fmt.Println(errors.Is(err, scheduler.ErrSoftInterrupted))

	v, err := s.ScheduleWork(false, "required").Wait()
	fmt.Println(v, err)

	// Output: true
	// required <nil>
}
