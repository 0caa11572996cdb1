package scheduler

import (
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/ygrebnov/errorc"

	"github.com/ygrebnov/scheduler/metrics"
)

// config holds Scheduler configuration.
type config struct {
	// Name identifies the scheduler in logs.
	// Default: "scheduler".
	Name string

	// Logger receives lifecycle and failure logs.
	// Default: logrus.StandardLogger().
	Logger logrus.FieldLogger

	// Metrics records scheduler instruments.
	// Default: metrics.NoopProvider.
	Metrics metrics.Provider

	// ErrorTagging wraps task-level errors with the task submission index and the ID of
	// the worker that ran it.
	// Default: false.
	ErrorTagging bool

	// QueueLimit caps the queue below the number of ready and pending workers.
	// Zero means the queue is bounded by the ready and pending workers only.
	// Default: 0.
	QueueLimit uint
}

// defaultConfig centralizes default values for config.
func defaultConfig() config {
	return config{
		Name:         Namespace,
		Logger:       logrus.StandardLogger(),
		Metrics:      metrics.NewNoopProvider(),
		ErrorTagging: false,
		QueueLimit:   0,
	}
}

// validateConfig checks invariants that individual options cannot see on their own.
func validateConfig(cfg *config) error {
	if cfg.Logger == nil {
		return errorc.With(ErrInvalidConfig, errorc.String("logger", "must not be nil"))
	}
	if cfg.Metrics == nil {
		return errorc.With(ErrInvalidConfig, errorc.String("metrics", "must not be nil"))
	}
	return nil
}

// Option configures a Scheduler. Use New(workers, wc, opts...) to apply options.
type Option func(*config) error

// WithName sets the name used in scheduler logs.
func WithName(name string) Option {
	return func(cfg *config) error {
		if name == "" {
			return errorc.With(ErrInvalidConfig, errorc.String("", "WithName requires a non-empty name"))
		}
		cfg.Name = name
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(cfg *config) error {
		if l == nil {
			return errorc.With(ErrInvalidConfig, errorc.String("", "WithLogger requires a non-nil logger"))
		}
		cfg.Logger = l
		return nil
	}
}

// WithMetrics sets the metrics provider.
func WithMetrics(p metrics.Provider) Option {
	return func(cfg *config) error {
		if p == nil {
			return errorc.With(ErrInvalidConfig, errorc.String("", "WithMetrics requires a non-nil provider"))
		}
		cfg.Metrics = p
		return nil
	}
}

// WithErrorTagging enables wrapping task-level errors with task index and worker ID.
func WithErrorTagging() Option {
	return func(cfg *config) error { cfg.ErrorTagging = true; return nil }
}

// WithQueueLimit caps the number of queued tasks (must be > 0).
func WithQueueLimit(n uint) Option {
	return func(cfg *config) error {
		if n == 0 {
			return errorc.With(
				ErrInvalidConfig,
				errorc.String("", "WithQueueLimit requires n > 0, got "+strconv.FormatUint(uint64(n), 10)),
			)
		}
		cfg.QueueLimit = n
		return nil
	}
}
