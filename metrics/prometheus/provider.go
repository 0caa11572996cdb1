// Package prometheus exports scheduler instruments as Prometheus collectors.
package prometheus

import (
	"errors"
	"fmt"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/ygrebnov/scheduler/metrics"
)

// Options controls collector configuration.
type Options struct {
	// DurationBuckets are used for every histogram. Defaults to prom.DefBuckets.
	DurationBuckets []float64
	// Logger receives registration failures. Defaults to logrus.StandardLogger().
	Logger logrus.FieldLogger
}

// Provider implements metrics.Provider on top of a Prometheus registerer.
// Counters map to prom.Counter, up/down counters to prom.Gauge and histograms to
// prom.Histogram. Instrument attributes become constant labels.
type Provider struct {
	reg     prom.Registerer
	buckets []float64
	log     logrus.FieldLogger

	mu         sync.Mutex
	counters   map[string]metrics.Counter
	updowns    map[string]metrics.UpDownCounter
	histograms map[string]metrics.Histogram
}

var _ metrics.Provider = (*Provider)(nil)

// NewProvider returns a Provider registering into reg (prom.DefaultRegisterer when nil).
func NewProvider(reg prom.Registerer, opts Options) *Provider {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Provider{
		reg:        reg,
		buckets:    buckets,
		log:        log,
		counters:   make(map[string]metrics.Counter),
		updowns:    make(map[string]metrics.UpDownCounter),
		histograms: make(map[string]metrics.Histogram),
	}
}

func help(name string, cfg metrics.InstrumentConfig) string {
	if cfg.Description != "" {
		return cfg.Description
	}
	return name
}

// Counter returns a counter registered under name.
func (p *Provider) Counter(name string, opts ...metrics.InstrumentOption) metrics.Counter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.counters[name]; ok {
		return c
	}
	cfg := metrics.Apply(opts)
	c, err := registerCollector(p.reg, prom.NewCounter(prom.CounterOpts{
		Name:        name,
		Help:        help(name, cfg),
		ConstLabels: cfg.Attributes,
	}))
	if err != nil {
		p.log.WithError(err).WithField("metric", name).Warn("metric registration failed")
		return metrics.NewNoopProvider().Counter(name)
	}
	p.counters[name] = counter{c}
	return p.counters[name]
}

// UpDownCounter returns a gauge registered under name.
func (p *Provider) UpDownCounter(name string, opts ...metrics.InstrumentOption) metrics.UpDownCounter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if u, ok := p.updowns[name]; ok {
		return u
	}
	cfg := metrics.Apply(opts)
	g, err := registerCollector(p.reg, prom.NewGauge(prom.GaugeOpts{
		Name:        name,
		Help:        help(name, cfg),
		ConstLabels: cfg.Attributes,
	}))
	if err != nil {
		p.log.WithError(err).WithField("metric", name).Warn("metric registration failed")
		return metrics.NewNoopProvider().UpDownCounter(name)
	}
	p.updowns[name] = gauge{g}
	return p.updowns[name]
}

// Histogram returns a histogram registered under name.
func (p *Provider) Histogram(name string, opts ...metrics.InstrumentOption) metrics.Histogram {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.histograms[name]; ok {
		return h
	}
	cfg := metrics.Apply(opts)
	h, err := registerCollector(p.reg, prom.NewHistogram(prom.HistogramOpts{
		Name:        name,
		Help:        help(name, cfg),
		ConstLabels: cfg.Attributes,
		Buckets:     p.buckets,
	}))
	if err != nil {
		p.log.WithError(err).WithField("metric", name).Warn("metric registration failed")
		return metrics.NewNoopProvider().Histogram(name)
	}
	p.histograms[name] = histogram{h}
	return p.histograms[name]
}

type counter struct{ c prom.Counter }

// Add ignores negative values; prom.Counter panics on them.
func (c counter) Add(n int64) {
	if n > 0 {
		c.c.Add(float64(n))
	}
}

type gauge struct{ g prom.Gauge }

func (g gauge) Add(n int64) { g.g.Add(float64(n)) }

type histogram struct{ h prom.Histogram }

func (h histogram) Record(v float64) { h.h.Observe(v) }

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
