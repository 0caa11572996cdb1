package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ygrebnov/scheduler"
	"github.com/ygrebnov/scheduler/provision"
)

const waitFor = 3 * time.Second

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

var errNegative = errors.New("negative operand")

// sumContext adds its integer arguments to Offset. A negative argument is a task error,
// 999 panics.
type sumContext struct {
	Offset int `json:"offset"`
}

func (c *sumContext) ContextKind() string             { return "test.sum" }
func (c *sumContext) MarshalContext() ([]byte, error) { return json.Marshal(c) }

func (c *sumContext) DecodeArgs(raw []json.RawMessage) ([]any, error) {
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

func (c *sumContext) ExecuteWork(args ...any) (any, error) {
	total := c.Offset
	for _, a := range args {
		n := a.(int)
		switch {
		case n == 999:
			panic("operand 999")
		case n < 0:
			return nil, errNegative
		}
		total += n
	}
	return total, nil
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register("test.sum", func(payload []byte, _ *Registry) (scheduler.WorkContext, error) {
		var c sumContext
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, err
		}
		return &c, nil
	}))
	return reg
}

// localPlatform wires a provisioning platform to in-process worker servers.
func localPlatform(t *testing.T) (*provision.Platform, *LocalLauncher) {
	t.Helper()
	launcher := NewLocalLauncher(testRegistry(t), quietLogger())
	platform := provision.NewPlatform(launcher, provision.WithPlatformLogger(quietLogger()))
	t.Cleanup(func() { _ = platform.Close(context.Background()) })
	return platform, launcher
}

func fastClientOpts(extra ...ClientOption) []ClientOption {
	return append([]ClientOption{
		WithPollInterval(5 * time.Millisecond),
		WithMaxPolls(400),
		WithRequestTimeout(2 * time.Second),
		WithClientLogger(quietLogger()),
	}, extra...)
}

// scriptedAPI answers worker requests from a fixed script; the last entry repeats.
type scriptedAPI struct {
	mu       sync.Mutex
	script   []provision.Assignment
	requests int
	releases []string
	gate     chan struct{}
}

func (a *scriptedAPI) RequestWorker(ctx context.Context, _, workerID string) (provision.Assignment, error) {
	if a.gate != nil {
		select {
		case <-a.gate:
		case <-ctx.Done():
			return provision.Assignment{}, ctx.Err()
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.requests
	if i >= len(a.script) {
		i = len(a.script) - 1
	}
	a.requests++
	return a.script[i], nil
}

func (a *scriptedAPI) ReleaseWorker(_ context.Context, _, workerID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.releases = append(a.releases, workerID)
	return nil
}

func (a *scriptedAPI) released() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.releases...)
}

func ints(n int) []any {
	out := make([]any, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, i)
	}
	return out
}

