package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ygrebnov/scheduler/remote"
)

func newWorkerCmd(r *registry) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "serve remote work over a websocket link",
		Args:  cobra.NoArgs,
	}

	defaults := DefaultConfig().Worker
	r.String(cmd.Flags(), name("worker", "listen"), defaults.Listen, "address to accept links on")
	r.String(cmd.Flags(), name("worker", "secret"), defaults.Secret, "secret every link must present")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		c, err := setup(r)
		if err != nil {
			return err
		}
		if c.Worker.Secret == "" {
			return errors.New("worker.secret is required")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runWorker(ctx, c.Worker)
	}
	return cmd
}

func runWorker(ctx context.Context, c WorkerConfig) error {
	ln, err := net.Listen("tcp", c.Listen)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	srv := remote.NewServer(contextRegistry(), c.Secret, log.WithField("component", "worker"))

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	log.WithField("address", ln.Addr().String()).Info("worker accepting links")

	select {
	case err := <-errc:
		return errors.Wrap(err, "worker server")
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}
