package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ygrebnov/scheduler/provision"
	"github.com/ygrebnov/scheduler/remote"
)

func newPlatformCmd(r *registry) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "platform",
		Short: "serve the provisioning API, launching workers in-process",
		Args:  cobra.NoArgs,
	}

	defaults := DefaultConfig().Platform
	r.String(cmd.Flags(), name("platform", "listen"), defaults.Listen, "address to serve the API on")
	r.Int(cmd.Flags(), name("platform", "capacity"), defaults.Capacity,
		"maximum launched workers per pool (0 is unlimited)")
	r.String(cmd.Flags(), name("platform", "start-delay"), defaults.StartDelay,
		"simulated container start time")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		c, err := setup(r)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runPlatform(ctx, c.Platform)
	}
	return cmd
}

// newLocalPlatform returns a platform whose workers are in-process remote servers.
func newLocalPlatform(c PlatformConfig, l log.FieldLogger) *provision.Platform {
	launcher := remote.NewLocalLauncher(contextRegistry(), l.WithField("component", "launcher"))
	launcher.StartDelay = duration(c.StartDelay)
	return provision.NewPlatform(launcher,
		provision.WithCapacity(c.Capacity),
		provision.WithPlatformLogger(l.WithField("component", "platform")),
	)
}

func runPlatform(ctx context.Context, c PlatformConfig) error {
	platform := newLocalPlatform(c, log.StandardLogger())
	srv := provision.NewServer(platform, log.WithField("component", "api"))

	errc := make(chan error, 1)
	go func() { errc <- srv.Start(c.Listen) }()
	log.WithField("address", c.Listen).Info("provisioning API listening")

	var serveErr error
	select {
	case serveErr = <-errc:
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var result *multierror.Error
	if serveErr != nil {
		result = multierror.Append(result, errors.Wrap(serveErr, "api server"))
	}
	if err := srv.Shutdown(sctx); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "shutdown api server"))
	}
	if err := platform.Close(sctx); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "close platform"))
	}
	return result.ErrorOrNil()
}
