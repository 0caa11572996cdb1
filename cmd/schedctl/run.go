package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	prom "github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ygrebnov/scheduler"
	"github.com/ygrebnov/scheduler/metrics"
	promprovider "github.com/ygrebnov/scheduler/metrics/prometheus"
	"github.com/ygrebnov/scheduler/provision"
	"github.com/ygrebnov/scheduler/remote"
	"github.com/ygrebnov/scheduler/splitter"
)

func newRunCmd(r *registry) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "schedule a batch of demo tasks on a local, remote or split pool",
		Args:  cobra.NoArgs,
	}

	defaults := DefaultConfig().Run
	flags := cmd.Flags()
	r.Int(flags, name("run", "workers"), defaults.Workers, "number of workers")
	r.Int(flags, name("run", "split"), defaults.Split, "sub-workers per worker (1 disables splitting)")
	r.Int(flags, name("run", "tasks"), defaults.Tasks, "number of tasks to schedule")
	r.Int(flags, name("run", "offset"), defaults.Offset, "added to every squared argument")
	r.String(flags, name("run", "task-delay"), defaults.TaskDelay, "simulated duration of every task")
	r.Bool(flags, name("run", "interruptible"), defaults.Interruptible,
		"schedule tasks as interruptible (cancelled by the first interrupt signal)")
	r.String(flags, name("run", "mode"), defaults.Mode, "worker kind: local or remote")
	r.String(flags, name("run", "platform"), defaults.Platform,
		"provisioning API base URL (empty runs an in-process platform)")
	r.String(flags, name("run", "token"), defaults.Token, "provisioning API bearer token")
	r.String(flags, name("run", "pool"), defaults.Pool, "worker pool id (generated when empty)")
	r.String(flags, name("run", "poll-interval"), defaults.PollInterval, "worker status poll interval")
	r.String(flags, name("run", "slow-start"), defaults.SlowStart,
		"warn about workers pending longer than this")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		c, err := setup(r)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		return runDemo(ctx, c, cmd.OutOrStdout(), interruptSignals(ctx))
	}
	return cmd
}

// interruptSignals forwards SIGINT and SIGTERM until ctx is done.
func interruptSignals(ctx context.Context) <-chan struct{} {
	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	out := make(chan struct{})
	go func() {
		defer signal.Stop(sigc)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigc:
				select {
				case out <- struct{}{}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// runDemo squares 0..tasks-1 on the configured pool and prints every outcome.
// The first value on interrupts soft-interrupts the scheduler, the second hard-interrupts it.
func runDemo(ctx context.Context, c *Config, out io.Writer, interrupts <-chan struct{}) error {
	l := log.WithField("component", "run")

	var (
		basic *metrics.BasicProvider
		mp    metrics.Provider
	)
	if c.Metrics.Listen != "" {
		reg := prom.NewRegistry()
		mp = promprovider.NewProvider(reg, promprovider.Options{Logger: l})
		serveMetrics(ctx, c.Metrics.Listen, reg)
	} else {
		basic = metrics.NewBasicProvider()
		mp = basic
	}

	monitor := remote.NewStartupMonitor(duration(c.Run.SlowStart), l.WithField("component", "monitor"))
	go monitor.Run(ctx, time.Second)

	workers, cleanup, err := buildWorkers(c, monitor, l)
	if err != nil {
		return err
	}
	defer cleanup()

	wc := &squareContext{Offset: c.Run.Offset, DelayMS: int(duration(c.Run.TaskDelay) / time.Millisecond)}
	s, err := scheduler.New(workers, wc,
		scheduler.WithName("schedctl"),
		scheduler.WithLogger(l),
		scheduler.WithMetrics(mp),
		scheduler.WithErrorTagging(),
	)
	if err != nil {
		return err
	}
	defer s.Close()
	s.OnSoftInterrupt(monitor.Suspend)

	go func() {
		for _, interrupt := range []func(){s.InterruptSoft, s.InterruptHard} {
			select {
			case <-ctx.Done():
				return
			case <-interrupts:
				l.WithField("state", s.State()).Warn("interrupt received")
				interrupt()
			}
		}
	}()

	futures := make([]*scheduler.Future, 0, c.Run.Tasks)
	for i := 0; i < c.Run.Tasks; i++ {
		futures = append(futures, s.ScheduleWorkContext(ctx, c.Run.Interruptible, i))
	}

	tally := make(map[scheduler.Outcome]int)
	for i, f := range futures {
		v, err := f.Wait()
		o := f.Outcome()
		tally[o]++
		if err != nil {
			fmt.Fprintf(out, "task %d: %s: %v\n", i, o, err)
			continue
		}
		fmt.Fprintf(out, "task %d: %v\n", i, v)
	}

	if err := s.Close(); err != nil {
		return err
	}
	printTally(out, tally)
	if basic != nil {
		printSnapshot(out, basic.Snapshot())
	}
	for _, d := range monitor.Diagnostics() {
		fmt.Fprintf(out, "diagnostic %s %s: %s\n", d.WorkerID, d.Kind, d.Message)
	}

	if failed := tally[scheduler.OutcomeFailed] + tally[scheduler.OutcomeWorkerFailure]; failed > 0 {
		return errors.Errorf("%d of %d tasks failed", failed, len(futures))
	}
	return nil
}

// buildWorkers returns the configured pool and a function releasing what it holds.
func buildWorkers(c *Config, monitor *remote.StartupMonitor, l log.FieldLogger) ([]scheduler.Worker, func(), error) {
	cleanup := func() {}

	var backing []scheduler.Worker
	switch c.Run.Mode {
	case "local":
		backing = scheduler.NewLocalWorkers(c.Run.Workers)

	case "remote":
		var api provision.API
		if c.Run.Platform != "" {
			api = provision.NewHTTPClient(c.Run.Platform, provision.WithToken(c.Run.Token))
		} else {
			platform := newLocalPlatform(c.Platform, l)
			api = platform
			cleanup = func() {
				ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := platform.Close(ctx); err != nil {
					l.WithError(err).Warn("closing platform")
				}
			}
		}
		pool := c.Run.Pool
		if pool == "" {
			pool = provision.NewPoolID()
		}
		l.WithField("pool", pool).Info("requesting remote workers")
		backing = remote.NewClients(api, pool, c.Run.Workers,
			remote.WithPollInterval(duration(c.Run.PollInterval)),
			remote.WithMonitor(monitor),
			remote.WithClientLogger(l),
		)

	default:
		return nil, nil, errors.Errorf("unknown mode %q", c.Run.Mode)
	}

	if c.Run.Split <= 1 {
		return backing, cleanup, nil
	}
	workers := make([]scheduler.Worker, 0, len(backing)*c.Run.Split)
	for _, w := range backing {
		workers = append(workers, splitter.Split(w, c.Run.Split, splitter.WithLogger(l))...)
	}
	return workers, cleanup, nil
}

func printTally(out io.Writer, tally map[scheduler.Outcome]int) {
	for o := scheduler.OutcomeOK; o <= scheduler.OutcomeFailed; o++ {
		if n := tally[o]; n > 0 {
			fmt.Fprintf(out, "%s: %d\n", o, n)
		}
	}
}

func printSnapshot(out io.Writer, snap metrics.Snapshot) {
	for _, n := range snap.Names() {
		switch {
		case hasKey(snap.Counters, n):
			fmt.Fprintf(out, "%s %d\n", n, snap.Counters[n])
		case hasKey(snap.UpDownCounters, n):
			u := snap.UpDownCounters[n]
			fmt.Fprintf(out, "%s %d (max %d)\n", n, u.Value, u.Max)
		case hasKey(snap.Histograms, n):
			h := snap.Histograms[n]
			fmt.Fprintf(out, "%s count=%d mean=%.4f max=%.4f\n", n, h.Count, h.Mean, h.Max)
		}
	}
}

func hasKey[V any](m map[string]V, k string) bool {
	_, ok := m[k]
	return ok
}
