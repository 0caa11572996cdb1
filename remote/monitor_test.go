package remote

import (
	"context"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMonitor(slowAfter time.Duration) (*StartupMonitor, *fakeClock, *logtest.Hook) {
	logger, hook := logtest.NewNullLogger()
	m := NewStartupMonitor(slowAfter, logger)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m.now = clock.now
	return m, clock, hook
}

func TestStartupMonitor_SlowStartRaisedAndRetracted(t *testing.T) {
	m, clock, hook := newTestMonitor(time.Minute)

	m.Pending("w1")
	m.Pending("w2")
	m.Check()
	require.Empty(t, m.Diagnostics())

	clock.advance(2 * time.Minute)
	m.Check()
	m.Check()
	diags := m.Diagnostics()
	require.Len(t, diags, 2)
	require.Equal(t, "w1", diags[0].WorkerID)
	require.Equal(t, DiagnosticSlowStart, diags[0].Kind)
	require.Equal(t, "worker pending for 2m0s", diags[0].Message)

	m.Ready("w1")
	diags = m.Diagnostics()
	require.Len(t, diags, 1)
	require.Equal(t, "w2", diags[0].WorkerID)

	m.Released("w2")
	require.Empty(t, m.Diagnostics())
	require.Equal(t, "diagnostic retracted", hook.LastEntry().Message)
}

func TestStartupMonitor_StartFailureOutlivesRelease(t *testing.T) {
	m, clock, _ := newTestMonitor(time.Minute)

	m.Pending("w1")
	clock.advance(time.Hour)
	m.Check()
	m.Dead("w1", "image not found")

	diags := m.Diagnostics()
	require.Len(t, diags, 1)
	require.Equal(t, DiagnosticStartFailed, diags[0].Kind)
	require.Equal(t, "worker failed to start: image not found", diags[0].Message)

	m.Released("w1")
	require.Len(t, m.Diagnostics(), 1)

	m.Clear("w1")
	require.Empty(t, m.Diagnostics())
}

func TestStartupMonitor_Suspend(t *testing.T) {
	m, clock, _ := newTestMonitor(time.Second)

	m.Pending("w1")
	clock.advance(time.Minute)
	m.Check()
	require.Len(t, m.Diagnostics(), 1)

	m.Suspend()
	m.Suspend()
	require.Empty(t, m.Diagnostics())

	m.Pending("w2")
	clock.advance(time.Minute)
	m.Check()
	require.Empty(t, m.Diagnostics())
}

func TestStartupMonitor_Run(t *testing.T) {
	m, clock, _ := newTestMonitor(time.Second)
	m.Pending("w1")
	clock.advance(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { m.Run(ctx, time.Millisecond); close(done) }()

	require.Eventually(t, func() bool { return len(m.Diagnostics()) == 1 }, time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestStartupMonitor_NilIsNoop(t *testing.T) {
	var m *StartupMonitor
	require.NotPanics(t, func() {
		m.Pending("w")
		m.Ready("w")
		m.Dead("w", "x")
		m.Released("w")
		m.Clear("w")
		m.Suspend()
		m.Check()
		m.Run(context.Background(), time.Millisecond)
	})
	require.Nil(t, m.Diagnostics())
}
