package main

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ygrebnov/scheduler/logger"
)

var version = "dev"

const shutdownTimeout = 10 * time.Second

func newRootCmd() *cobra.Command {
	r := newRegistry()

	cmd := &cobra.Command{
		Use:           "schedctl",
		Short:         "run and exercise distributed work schedulers",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	defaults := DefaultConfig()
	r.String(flags, name("config-file"), "", "location of config file")
	r.String(flags, name("log", "level"), defaults.Log.Level,
		"choose logging level from [trace, debug, info, warn, error, fatal]")
	r.Bool(flags, name("log", "color"), defaults.Log.Color, "output logs in color")
	r.Bool(flags, name("log", "json"), defaults.Log.JSON, "output logs as JSON")
	r.String(flags, name("metrics", "listen"), "", "serve Prometheus metrics on this address")

	cmd.AddCommand(newWorkerCmd(r))
	cmd.AddCommand(newPlatformCmd(r))
	cmd.AddCommand(newRunCmd(r))
	return cmd
}

// setup loads the configuration and configures global logging.
func setup(r *registry) (*Config, error) {
	c, err := r.load()
	if err != nil {
		return nil, err
	}
	logger.SetLogrus(c.Log)
	return c, nil
}

// serveMetrics exposes reg on addr until ctx is done. It does nothing for an empty addr.
func serveMetrics(ctx context.Context, addr string, reg *prom.Registry) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	go func() {
		log.WithField("address", addr).Info("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server failed")
		}
	}()
}
