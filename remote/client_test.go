package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ygrebnov/scheduler"
	"github.com/ygrebnov/scheduler/provision"
)

func TestClient_RoundTrip(t *testing.T) {
	platform, launcher := localPlatform(t)
	c := NewClient(platform, "pool", fastClientOpts(WithID("remote-a"))...)
	require.Equal(t, "remote-a", c.ID())

	require.NoError(t, c.Start(&sumContext{Offset: 10}))
	require.Equal(t, 1, launcher.Running())

	v, err := c.Execute(ints(3)...)
	require.NoError(t, err)
	require.Equal(t, float64(16), v, "results arrive as decoded JSON")

	_, err = c.Execute(-1)
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	require.Equal(t, "remote-a", remoteErr.WorkerID)
	require.Contains(t, remoteErr.Message, errNegative.Error())
	require.False(t, scheduler.IsWorkerFailure(err))

	_, err = c.Execute(999)
	require.ErrorAs(t, err, &remoteErr)
	require.Contains(t, remoteErr.Message, "operand 999")

	// the link survives task-level errors
	v, err = c.Execute(1)
	require.NoError(t, err)
	require.Equal(t, float64(11), v)

	c.Stop()
	c.Stop()
	require.Eventually(t, func() bool { return launcher.Running() == 0 }, waitFor, 5*time.Millisecond)
	require.Empty(t, platform.ListWorkers("pool"))

	_, err = c.Execute(1)
	require.ErrorIs(t, err, scheduler.ErrWorkerStopped)
	require.True(t, scheduler.IsWorkerFailure(err))
}

func TestClient_ExecuteBeforeStart(t *testing.T) {
	c := NewClient(&scriptedAPI{script: []provision.Assignment{{Status: provision.StatusPending}}}, "pool", fastClientOpts()...)
	defer c.Stop()

	_, err := c.Execute(1)
	require.ErrorIs(t, err, scheduler.ErrWorkerNotReady)
}

func TestClient_StartRequiresPortableContext(t *testing.T) {
	api := &scriptedAPI{script: []provision.Assignment{{Status: provision.StatusPending}}}
	c := NewClient(api, "pool", fastClientOpts()...)
	defer c.Stop()

	err := c.Start(scheduler.WorkContextFunc(func(...any) (any, error) { return nil, nil }))
	require.ErrorIs(t, err, ErrNotPortable)
	require.True(t, scheduler.IsWorkerFailure(err))
}

func TestClient_DeadWorkerFailsStart(t *testing.T) {
	api := &scriptedAPI{script: []provision.Assignment{
		{Status: provision.StatusPending},
		{Status: provision.StatusDead, Reason: "out of quota"},
	}}
	monitor := NewStartupMonitor(time.Hour, quietLogger())
	c := NewClient(api, "pool", fastClientOpts(WithID("w-dead"), WithMonitor(monitor))...)

	err := c.Start(&sumContext{})
	require.True(t, scheduler.IsWorkerFailure(err))
	require.ErrorContains(t, err, "out of quota")

	diags := monitor.Diagnostics()
	require.Len(t, diags, 1)
	require.Equal(t, DiagnosticStartFailed, diags[0].Kind)
	require.Equal(t, "w-dead", diags[0].WorkerID)

	c.Stop()
	require.Equal(t, []string{"w-dead"}, api.released())
}

func TestClient_StartTimesOut(t *testing.T) {
	api := &scriptedAPI{script: []provision.Assignment{{Status: provision.StatusPending}}}
	c := NewClient(api, "pool", WithPollInterval(time.Millisecond), WithMaxPolls(3), WithClientLogger(quietLogger()))
	defer c.Stop()

	err := c.Start(&sumContext{})
	require.ErrorIs(t, err, ErrStartTimeout)
	require.True(t, scheduler.IsWorkerFailure(err))
}

func TestClient_StopDuringStartAbortsAndReleases(t *testing.T) {
	api := &scriptedAPI{script: []provision.Assignment{{Status: provision.StatusPending}}}
	c := NewClient(api, "pool", fastClientOpts(WithID("w-stop"))...)

	startErr := make(chan error, 1)
	go func() { startErr <- c.Start(&sumContext{}) }()

	require.Eventually(t, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return api.requests > 0
	}, waitFor, time.Millisecond)
	c.Stop()

	select {
	case err := <-startErr:
		require.ErrorIs(t, err, scheduler.ErrWorkerStopped)
		require.True(t, scheduler.IsWorkerFailure(err))
	case <-time.After(waitFor):
		t.Fatal("Start did not abort")
	}
	require.Equal(t, []string{"w-stop"}, api.released(), "release must happen even if the worker never became ready")
}

func TestClient_StopWhileBlockedInAPIRequest(t *testing.T) {
	api := &scriptedAPI{script: []provision.Assignment{{Status: provision.StatusPending}}, gate: make(chan struct{})}
	c := NewClient(api, "pool", fastClientOpts()...)

	startErr := make(chan error, 1)
	go func() { startErr <- c.Start(&sumContext{}) }()
	time.Sleep(10 * time.Millisecond)
	c.Stop()

	select {
	case err := <-startErr:
		require.ErrorIs(t, err, scheduler.ErrWorkerStopped)
	case <-time.After(waitFor):
		t.Fatal("Start did not abort")
	}
}

func TestClient_TransportFailureIsWorkerFailure(t *testing.T) {
	platform, launcher := localPlatform(t)
	c := NewClient(platform, "pool", fastClientOpts(WithID("w-link"))...)
	require.NoError(t, c.Start(&sumContext{}))

	require.NoError(t, launcher.Terminate(context.Background(), "pool", "w-link"))

	_, err := c.Execute(1)
	require.True(t, scheduler.IsWorkerFailure(err))

	// the failure stopped the worker and released it
	require.Eventually(t, func() bool { return len(platform.ListWorkers("pool")) == 0 }, waitFor, 5*time.Millisecond)
	_, err = c.Execute(1)
	require.ErrorIs(t, err, scheduler.ErrWorkerStopped)
}

func TestClient_RejectsWrongSecret(t *testing.T) {
	platform, _ := localPlatform(t)
	api := &secretMangler{API: platform}
	c := NewClient(api, "pool", fastClientOpts()...)
	defer c.Stop()

	err := c.Start(&sumContext{})
	require.True(t, scheduler.IsWorkerFailure(err))
	require.ErrorContains(t, err, "401")
}

type secretMangler struct{ provision.API }

func (m *secretMangler) RequestWorker(ctx context.Context, poolID, workerID string) (provision.Assignment, error) {
	a, err := m.API.RequestWorker(ctx, poolID, workerID)
	a.Secret = "wrong"
	return a, err
}

func TestClient_UnknownContextKindIsRejected(t *testing.T) {
	launcher := NewLocalLauncher(NewRegistry(), quietLogger())
	platform := provision.NewPlatform(launcher, provision.WithPlatformLogger(quietLogger()))
	defer platform.Close(context.Background())

	c := NewClient(platform, "pool", fastClientOpts()...)
	defer c.Stop()

	err := c.Start(&sumContext{})
	require.True(t, scheduler.IsWorkerFailure(err))
	require.ErrorContains(t, err, "unknown work context kind")
}

func TestScheduler_WithRemoteWorkers(t *testing.T) {
	platform, launcher := localPlatform(t)
	workers := NewClients(platform, provision.NewPoolID(), 3, fastClientOpts()...)

	s, err := scheduler.New(workers, &sumContext{Offset: 100}, scheduler.WithLogger(quietLogger()))
	require.NoError(t, err)

	futures := make([]*scheduler.Future, 0, 12)
	for i := 0; i < 12; i++ {
		futures = append(futures, s.ScheduleWork(false, i))
	}
	values, err := scheduler.WaitAll(futures)
	require.NoError(t, err)
	for i, v := range values {
		require.Equal(t, float64(100+i), v)
	}

	require.NoError(t, s.Close())
	require.Eventually(t, func() bool { return launcher.Running() == 0 }, waitFor, 5*time.Millisecond)
}

func TestScheduler_RemoteTaskErrorDoesNotEscalate(t *testing.T) {
	platform, _ := localPlatform(t)
	s, err := scheduler.New(NewClients(platform, "pool", 1, fastClientOpts()...), &sumContext{}, scheduler.WithLogger(quietLogger()))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.ScheduleWork(false, -5).Wait()
	var remoteErr *RemoteError
	require.True(t, errors.As(err, &remoteErr))
	require.Equal(t, scheduler.OutcomeFailed, scheduler.Classify(err))
	require.Equal(t, scheduler.StateRunning, s.State())
}
