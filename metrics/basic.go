package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
)

// BasicProvider is an in-memory Provider for tests, the CLI summary and small deployments.
// Instruments are created on first use and reused for the same name.
type BasicProvider struct {
	mu         sync.RWMutex
	counters   map[string]*BasicCounter
	updowns    map[string]*BasicUpDownCounter
	histograms map[string]*BasicHistogram
	meta       map[string]InstrumentConfig
}

// NewBasicProvider constructs a new BasicProvider.
func NewBasicProvider() *BasicProvider {
	return &BasicProvider{
		counters:   make(map[string]*BasicCounter),
		updowns:    make(map[string]*BasicUpDownCounter),
		histograms: make(map[string]*BasicHistogram),
		meta:       make(map[string]InstrumentConfig),
	}
}

// getOrCreate looks name up under the read lock, then creates it under the write lock.
func getOrCreate[T any](p *BasicProvider, m map[string]T, name string, opts []InstrumentOption, mk func() T) T {
	p.mu.RLock()
	v, ok := m[name]
	p.mu.RUnlock()
	if ok {
		return v
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok = m[name]; ok {
		return v
	}
	p.meta[name] = Apply(opts)
	v = mk()
	m[name] = v
	return v
}

// Counter returns the counter registered under name.
func (p *BasicProvider) Counter(name string, opts ...InstrumentOption) Counter {
	return p.BasicCounter(name, opts...)
}

// BasicCounter is Counter returning the concrete type.
func (p *BasicProvider) BasicCounter(name string, opts ...InstrumentOption) *BasicCounter {
	return getOrCreate(p, p.counters, name, opts, func() *BasicCounter { return &BasicCounter{} })
}

// UpDownCounter returns the up/down counter registered under name.
func (p *BasicProvider) UpDownCounter(name string, opts ...InstrumentOption) UpDownCounter {
	return p.BasicUpDownCounter(name, opts...)
}

// BasicUpDownCounter is UpDownCounter returning the concrete type.
func (p *BasicProvider) BasicUpDownCounter(name string, opts ...InstrumentOption) *BasicUpDownCounter {
	return getOrCreate(p, p.updowns, name, opts, func() *BasicUpDownCounter { return &BasicUpDownCounter{} })
}

// Histogram returns the histogram registered under name.
func (p *BasicProvider) Histogram(name string, opts ...InstrumentOption) Histogram {
	return p.BasicHistogram(name, opts...)
}

// BasicHistogram is Histogram returning the concrete type.
func (p *BasicProvider) BasicHistogram(name string, opts ...InstrumentOption) *BasicHistogram {
	return getOrCreate(p, p.histograms, name, opts, func() *BasicHistogram { return &BasicHistogram{} })
}

// Config returns the metadata an instrument was created with.
func (p *BasicProvider) Config(name string) (InstrumentConfig, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.meta[name]
	return c, ok
}

// Snapshot is a point-in-time copy of every instrument of a BasicProvider.
type Snapshot struct {
	Counters       map[string]int64
	UpDownCounters map[string]UpDownSnapshot
	Histograms     map[string]HistSnapshot
}

// Names returns every instrument name in the snapshot, sorted.
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s.Counters)+len(s.UpDownCounters)+len(s.Histograms))
	for n := range s.Counters {
		names = append(names, n)
	}
	for n := range s.UpDownCounters {
		names = append(names, n)
	}
	for n := range s.Histograms {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Snapshot copies the current value of every instrument.
func (p *BasicProvider) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := Snapshot{
		Counters:       make(map[string]int64, len(p.counters)),
		UpDownCounters: make(map[string]UpDownSnapshot, len(p.updowns)),
		Histograms:     make(map[string]HistSnapshot, len(p.histograms)),
	}
	for n, c := range p.counters {
		s.Counters[n] = c.Snapshot()
	}
	for n, u := range p.updowns {
		s.UpDownCounters[n] = u.Snapshot()
	}
	for n, h := range p.histograms {
		s.Histograms[n] = h.Snapshot()
	}
	return s
}

// BasicCounter is a thread-safe monotonic counter.
type BasicCounter struct {
	val atomic.Int64
}

// Add increments the counter by n. Negative values are ignored.
func (c *BasicCounter) Add(n int64) {
	if n > 0 {
		c.val.Add(n)
	}
}

// Snapshot returns the current value.
func (c *BasicCounter) Snapshot() int64 { return c.val.Load() }

// BasicUpDownCounter is a thread-safe up/down counter that remembers its high-water mark.
type BasicUpDownCounter struct {
	mu  sync.Mutex
	val int64
	max int64
}

// Add adds n (positive or negative) to the current value.
func (u *BasicUpDownCounter) Add(n int64) {
	u.mu.Lock()
	u.val += n
	if u.val > u.max {
		u.max = u.val
	}
	u.mu.Unlock()
}

// UpDownSnapshot is the current value and the highest value ever observed.
type UpDownSnapshot struct {
	Value int64
	Max   int64
}

// Snapshot returns the current value and high-water mark.
func (u *BasicUpDownCounter) Snapshot() UpDownSnapshot {
	u.mu.Lock()
	defer u.mu.Unlock()
	return UpDownSnapshot{Value: u.val, Max: u.max}
}

// BasicHistogram tracks count, sum, min and max. It keeps no buckets.
type BasicHistogram struct {
	mu    sync.Mutex
	count int64
	sum   float64
	min   float64
	max   float64
}

// Record adds a measurement.
func (h *BasicHistogram) Record(v float64) {
	h.mu.Lock()
	if h.count == 0 || v < h.min {
		h.min = v
	}
	if h.count == 0 || v > h.max {
		h.max = v
	}
	h.count++
	h.sum += v
	h.mu.Unlock()
}

// HistSnapshot is an immutable snapshot of a BasicHistogram.
type HistSnapshot struct {
	Count int64
	Sum   float64
	Min   float64
	Max   float64
	Mean  float64
}

// Snapshot returns a copy of the histogram state.
func (h *BasicHistogram) Snapshot() HistSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := HistSnapshot{Count: h.count, Sum: h.sum, Min: h.min, Max: h.max}
	if h.count > 0 {
		s.Mean = h.sum / float64(h.count)
	}
	return s
}
