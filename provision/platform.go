package provision

import (
	"context"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrPlatformClosed is returned by a closed Platform.
var ErrPlatformClosed = errors.New("provision: platform closed")

// Endpoint is where a launched worker accepts its link.
type Endpoint struct {
	Host   string
	Port   int
	Secret string
}

// Launcher starts and terminates the processes that back reserved workers.
type Launcher interface {
	// Launch blocks until the worker accepts connections or ctx is done.
	Launch(ctx context.Context, poolID, workerID string) (Endpoint, error)
	Terminate(ctx context.Context, poolID, workerID string) error
}

// WorkerInfo describes one reservation.
type WorkerInfo struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
}

// Lister lists the reservations of a pool.
type Lister interface {
	ListWorkers(poolID string) []WorkerInfo
}

type reservation struct {
	workerID string
	seq      int
	status   Status
	endpoint Endpoint
	reason   string

	launched bool
	released bool
	cancel   context.CancelFunc
}

func (r *reservation) assignment() Assignment {
	a := Assignment{Status: r.status, Reason: r.reason}
	if r.status == StatusReady {
		a.Host, a.Port, a.Secret = r.endpoint.Host, r.endpoint.Port, r.endpoint.Secret
	}
	return a
}

// Platform is an in-process API implementation. It launches at most Capacity workers per
// pool at a time; further reservations stay pending until a slot frees up.
type Platform struct {
	launcher Launcher
	capacity int
	log      logrus.FieldLogger

	mu     sync.Mutex
	pools  map[string]map[string]*reservation
	seq    int
	closed bool

	wg sync.WaitGroup
}

var (
	_ API    = (*Platform)(nil)
	_ Lister = (*Platform)(nil)
)

// PlatformOption configures a Platform.
type PlatformOption func(*Platform)

// WithCapacity limits the number of launched workers per pool. Zero means unlimited.
func WithCapacity(n int) PlatformOption {
	return func(p *Platform) {
		if n >= 0 {
			p.capacity = n
		}
	}
}

// WithPlatformLogger sets the platform logger.
func WithPlatformLogger(l logrus.FieldLogger) PlatformOption {
	return func(p *Platform) {
		if l != nil {
			p.log = l
		}
	}
}

// NewPlatform returns a Platform launching workers with launcher.
func NewPlatform(launcher Launcher, opts ...PlatformOption) *Platform {
	p := &Platform{
		launcher: launcher,
		log:      logrus.StandardLogger(),
		pools:    make(map[string]map[string]*reservation),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RequestWorker reserves the worker on first call and reports its status afterwards.
func (p *Platform) RequestWorker(_ context.Context, poolID, workerID string) (Assignment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return Assignment{}, ErrPlatformClosed
	}

	pool, ok := p.pools[poolID]
	if !ok {
		pool = make(map[string]*reservation)
		p.pools[poolID] = pool
	}
	r, ok := pool[workerID]
	if !ok {
		p.seq++
		r = &reservation{workerID: workerID, seq: p.seq, status: StatusPending}
		pool[workerID] = r
		p.log.WithFields(logrus.Fields{"pool": poolID, "worker": workerID}).Debug("worker reserved")
		p.promoteLocked(poolID)
	}
	return r.assignment(), nil
}

// ReleaseWorker cancels a pending launch or terminates a ready worker.
func (p *Platform) ReleaseWorker(ctx context.Context, poolID, workerID string) error {
	p.mu.Lock()
	r, ok := p.pools[poolID][workerID]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	delete(p.pools[poolID], workerID)
	r.released = true
	if r.cancel != nil {
		r.cancel()
	}
	ready := r.status == StatusReady
	p.promoteLocked(poolID)
	p.mu.Unlock()

	p.log.WithFields(logrus.Fields{"pool": poolID, "worker": workerID}).Debug("worker released")
	if !ready {
		return nil
	}
	return errors.Wrapf(p.launcher.Terminate(ctx, poolID, workerID), "terminate worker %s/%s", poolID, workerID)
}

// ListWorkers returns the reservations of poolID ordered by reservation time.
func (p *Platform) ListWorkers(poolID string) []WorkerInfo {
	type entry struct {
		seq  int
		info WorkerInfo
	}

	// status is written by launch goroutines; copy it under the lock.
	p.mu.Lock()
	entries := make([]entry, 0, len(p.pools[poolID]))
	for _, r := range p.pools[poolID] {
		entries = append(entries, entry{seq: r.seq, info: WorkerInfo{ID: r.workerID, Status: r.status}})
	}
	p.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	infos := make([]WorkerInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, e.info)
	}
	return infos
}

// Close releases every reservation and waits for in-flight launches.
func (p *Platform) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	type key struct{ pool, worker string }
	var keys []key
	for poolID, pool := range p.pools {
		for workerID := range pool {
			keys = append(keys, key{poolID, workerID})
		}
	}
	p.mu.Unlock()

	var result *multierror.Error
	for _, k := range keys {
		if err := p.ReleaseWorker(ctx, k.pool, k.worker); err != nil {
			result = multierror.Append(result, err)
		}
	}
	p.wg.Wait()
	return result.ErrorOrNil()
}

// promoteLocked launches waiting reservations of poolID, oldest first, while capacity allows.
func (p *Platform) promoteLocked(poolID string) {
	if p.closed {
		return
	}
	var waiting []*reservation
	running := 0
	for _, r := range p.pools[poolID] {
		switch {
		case !r.launched:
			waiting = append(waiting, r)
		case r.status != StatusDead:
			running++
		}
	}
	sort.Slice(waiting, func(i, j int) bool { return waiting[i].seq < waiting[j].seq })
	for _, r := range waiting {
		if p.capacity > 0 && running >= p.capacity {
			return
		}
		p.launchLocked(poolID, r)
		running++
	}
}

func (p *Platform) launchLocked(poolID string, r *reservation) {
	ctx, cancel := context.WithCancel(context.Background())
	r.launched = true
	r.cancel = cancel
	log := p.log.WithFields(logrus.Fields{"pool": poolID, "worker": r.workerID})

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()

		ep, err := p.launcher.Launch(ctx, poolID, r.workerID)

		p.mu.Lock()
		if r.released {
			p.mu.Unlock()
			if err == nil {
				if terr := p.launcher.Terminate(context.Background(), poolID, r.workerID); terr != nil {
					log.WithError(terr).Warn("failed to terminate released worker")
				}
			}
			return
		}
		if err != nil {
			r.status = StatusDead
			r.reason = err.Error()
			log.WithError(err).Warn("worker launch failed")
			p.promoteLocked(poolID)
		} else {
			r.status = StatusReady
			r.endpoint = ep
			log.Debug("worker ready")
		}
		p.mu.Unlock()
	}()
}
