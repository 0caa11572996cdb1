package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ygrebnov/scheduler/remote"
)

func TestMain(m *testing.M) {
	log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func demoConfig(mutate func(c *Config)) *Config {
	c := DefaultConfig()
	c.Run.Tasks = 6
	c.Run.Workers = 2
	c.Run.TaskDelay = "0s"
	c.Run.PollInterval = "5ms"
	if mutate != nil {
		mutate(c)
	}
	return c
}

func runToOutput(t *testing.T, c *Config, interrupts <-chan struct{}) (string, error) {
	t.Helper()
	require.NoError(t, c.Validate())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var out bytes.Buffer
	err := runDemo(ctx, c, &out, interrupts)
	return out.String(), err
}

func TestRunDemo_Local(t *testing.T) {
	out, err := runToOutput(t, demoConfig(func(c *Config) { c.Run.Offset = 1 }), nil)
	require.NoError(t, err)

	for _, line := range []string{
		"task 0: 1\n",
		"task 5: 26\n",
		"ok: 6\n",
		"scheduler_tasks_completed_total 6\n",
	} {
		require.Contains(t, out, line)
	}
}

func TestRunDemo_LocalSplit(t *testing.T) {
	out, err := runToOutput(t, demoConfig(func(c *Config) { c.Run.Split = 3 }), nil)
	require.NoError(t, err)
	require.Contains(t, out, "task 4: 16\n")
	require.Contains(t, out, "ok: 6\n")
}

func TestRunDemo_RemoteInProcessPlatform(t *testing.T) {
	out, err := runToOutput(t, demoConfig(func(c *Config) {
		c.Run.Mode = "remote"
		c.Run.Split = 2
		c.Run.Pool = "demo-pool"
	}), nil)
	require.NoError(t, err)
	require.Contains(t, out, "task 5: 25\n")
	require.Contains(t, out, "ok: 6\n")
	require.NotContains(t, out, "diagnostic")
}

func TestRunDemo_SoftInterruptCancelsQueuedTasks(t *testing.T) {
	interrupts := make(chan struct{}, 1)
	c := demoConfig(func(c *Config) {
		c.Run.Workers = 1
		c.Run.Tasks = 8
		c.Run.TaskDelay = "200ms"
		c.Run.Interruptible = true
	})
	go func() {
		time.Sleep(50 * time.Millisecond)
		interrupts <- struct{}{}
	}()

	out, err := runToOutput(t, c, interrupts)
	require.NoError(t, err, "interrupted tasks are not failures")
	require.Contains(t, out, "task 0: 0\n")
	require.Contains(t, out, "soft_interrupted: ")
	require.Contains(t, out, "task 7: soft_interrupted")
}

func TestSquareContext(t *testing.T) {
	reg := contextRegistry()
	spec, err := remote.SpecOf(&squareContext{Offset: 2})
	require.NoError(t, err)

	wc, err := reg.Build(spec)
	require.NoError(t, err)

	raw, err := remote.EncodeArgs([]any{4})
	require.NoError(t, err)
	args, err := remote.DecodeArgs(wc, raw)
	require.NoError(t, err)

	v, err := wc.ExecuteWork(args...)
	require.NoError(t, err)
	require.Equal(t, 18, v)

	_, err = wc.ExecuteWork("four")
	require.ErrorContains(t, err, "takes an int")
	_, err = wc.ExecuteWork()
	require.ErrorContains(t, err, "one argument")
}

func TestRootCmd_Help(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--help"})
	require.NoError(t, cmd.Execute())

	help := out.String()
	for _, sub := range []string{"worker", "platform", "run"} {
		require.True(t, strings.Contains(help, sub), "missing subcommand %s", sub)
	}
}
