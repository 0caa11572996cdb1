package splitter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ygrebnov/scheduler"
	"github.com/ygrebnov/scheduler/provision"
	"github.com/ygrebnov/scheduler/remote"
)

const waitFor = 3 * time.Second

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func fastOpts() []Option {
	return []Option{WithLogger(quietLogger()), WithPollInterval(time.Millisecond, 20*time.Millisecond)}
}

var errNegative = errors.New("negative operand")

// mulContext multiplies its single integer argument by Factor.
// A negative argument is a task error and 13 panics.
type mulContext struct {
	Factor int `json:"factor"`
}

func (c *mulContext) ContextKind() string             { return "test.mul" }
func (c *mulContext) MarshalContext() ([]byte, error) { return json.Marshal(c) }

func (c *mulContext) DecodeArgs(raw []json.RawMessage) ([]any, error) {
	args := make([]any, 0, len(raw))
	for _, r := range raw {
		var n int
		if err := json.Unmarshal(r, &n); err != nil {
			return nil, err
		}
		args = append(args, n)
	}
	return args, nil
}

func (c *mulContext) ExecuteWork(args ...any) (any, error) {
	n := args[0].(int)
	switch {
	case n == 13:
		panic("unlucky operand")
	case n < 0:
		return nil, errNegative
	}
	return n * c.Factor, nil
}

func testRegistry(t *testing.T) *remote.Registry {
	t.Helper()
	reg := remote.NewRegistry()
	require.NoError(t, reg.Register("test.mul", func(payload []byte, _ *remote.Registry) (scheduler.WorkContext, error) {
		var c mulContext
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, err
		}
		return &c, nil
	}))
	require.NoError(t, Register(reg))
	return reg
}

// remoteBacking returns a remote worker served by an in-process platform.
func remoteBacking(t *testing.T, id string) (*remote.Client, *remote.LocalLauncher) {
	t.Helper()
	launcher := remote.NewLocalLauncher(testRegistry(t), quietLogger())
	platform := provision.NewPlatform(launcher, provision.WithPlatformLogger(quietLogger()))
	t.Cleanup(func() { _ = platform.Close(context.Background()) })

	c := remote.NewClient(platform, "split-pool",
		remote.WithID(id),
		remote.WithPollInterval(5*time.Millisecond),
		remote.WithMaxPolls(400),
		remote.WithRequestTimeout(2*time.Second),
		remote.WithClientLogger(quietLogger()),
	)
	return c, launcher
}

// gatedContext blocks every call until release is closed and tracks concurrency.
type gatedContext struct {
	release chan struct{}
	current atomic.Int32
	max     atomic.Int32
}

func (c *gatedContext) ExecuteWork(args ...any) (any, error) {
	n := c.current.Add(1)
	for {
		m := c.max.Load()
		if n <= m || c.max.CompareAndSwap(m, n) {
			break
		}
	}
	<-c.release
	c.current.Add(-1)
	return args[0], nil
}

// flakyWorker is a local backing worker whose Execute reports a WorkerFailure once
// failAt calls have been made.
type flakyWorker struct {
	*scheduler.LocalWorker
	failAt int32
	calls  atomic.Int32
}

func (w *flakyWorker) Execute(args ...any) (any, error) {
	if w.calls.Add(1) >= w.failAt {
		return nil, scheduler.NewWorkerFailure(w.ID(), errors.New("container lost"))
	}
	return w.LocalWorker.Execute(args...)
}

// startFailWorker never becomes ready.
type startFailWorker struct {
	*scheduler.LocalWorker
	starts atomic.Int32
}

func (w *startFailWorker) Start(scheduler.WorkContext) error {
	w.starts.Add(1)
	time.Sleep(20 * time.Millisecond)
	return scheduler.NewWorkerFailure(w.ID(), errors.New("image pull failed"))
}

func startAll(t *testing.T, ws []scheduler.Worker, wc scheduler.WorkContext) {
	t.Helper()
	errs := make(chan error, len(ws))
	for _, w := range ws {
		go func(w scheduler.Worker) { errs <- w.Start(wc) }(w)
	}
	for range ws {
		select {
		case err := <-errs:
			require.NoError(t, err)
		case <-time.After(waitFor):
			t.Fatal("sub-worker did not start")
		}
	}
}

type outcome struct {
	v   any
	err error
}

func executeAsync(w scheduler.Worker, args ...any) <-chan outcome {
	ch := make(chan outcome, 1)
	go func() {
		v, err := w.Execute(args...)
		ch <- outcome{v: v, err: err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(waitFor):
		t.Fatal("execute did not return")
		return outcome{}
	}
}
