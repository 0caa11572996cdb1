// Package splitter multiplexes several logical workers onto one backing worker.
//
// A backing worker that can run n tasks at once (a large container, for example) is split
// into n sub-workers. The first sub-worker to start starts the backing worker with a
// ProxyContext; every sub-worker then submits its task to a shared poll loop that ships
// batches of sub-requests to the backing worker and routes the results back.
package splitter

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ygrebnov/scheduler"
	"github.com/ygrebnov/scheduler/remote"
)

const (
	defaultMinInterval = 10 * time.Millisecond
	defaultMaxInterval = time.Second
)

// ErrTaskInFlight is returned when a sub-worker is asked to execute while it still has
// a task outstanding.
var ErrTaskInFlight = errors.New("splitter: sub-worker already has a task in flight")

type config struct {
	log         logrus.FieldLogger
	minInterval time.Duration
	maxInterval time.Duration
}

// Option configures Split.
type Option func(*config)

// WithLogger sets the logger. Default: logrus.StandardLogger().
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *config) {
		if l != nil {
			c.log = l
		}
	}
}

// WithPollInterval bounds the adaptive poll interval. Defaults: 10ms and 1s.
// Values that do not form a valid range are ignored.
func WithPollInterval(lo, hi time.Duration) Option {
	return func(c *config) {
		if lo > 0 && hi >= lo {
			c.minInterval, c.maxInterval = lo, hi
		}
	}
}

// Split returns n sub-workers sharing backing. With n == 1 backing itself is returned;
// with n < 1 the result is nil. Sub-workers are named "<backing id>/<i>".
func Split(backing scheduler.Worker, n int, opts ...Option) []scheduler.Worker {
	switch {
	case n < 1 || backing == nil:
		return nil
	case n == 1:
		return []scheduler.Worker{backing}
	}

	cfg := config{
		log:         logrus.StandardLogger(),
		minInterval: defaultMinInterval,
		maxInterval: defaultMaxInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	g := &group{
		backing: backing,
		threads: n,
		cfg:     cfg,
		log:     cfg.log.WithFields(logrus.Fields{"worker": backing.ID(), "subworkers": n}),
		pending: make(map[string]*call),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
	ws := make([]scheduler.Worker, 0, n)
	for i := 0; i < n; i++ {
		ws = append(ws, &SubWorker{id: backing.ID() + "/" + strconv.Itoa(i), g: g})
	}
	return ws
}

// SubWorker is one logical worker of a split backing worker.
type SubWorker struct {
	id  string
	g   *group
	seq atomic.Uint64
}

var _ scheduler.Worker = (*SubWorker)(nil)

func (w *SubWorker) ID() string { return w.id }

// Start starts the shared backing worker, or waits for the start already in progress.
// Every sub-worker observes the same start error.
func (w *SubWorker) Start(wc scheduler.WorkContext) error {
	_, err := w.g.start(wc).Wait()
	if err == nil {
		return nil
	}
	if scheduler.IsWorkerFailure(err) {
		return err
	}
	return scheduler.NewWorkerFailure(w.id, err)
}

// Execute submits args to the backing worker and waits for the result.
// A failure of the backing worker is reported as a *scheduler.WorkerFailure.
func (w *SubWorker) Execute(args ...any) (any, error) {
	f, err := w.g.submit(SubRequest{ID: w.id, Seq: w.seq.Add(1), Args: args})
	if err != nil {
		return nil, err
	}
	return f.Wait()
}

// Stop tears down the whole group: the first sub-worker to stop stops the backing worker
// and fails every outstanding task of every sub-worker.
// TODO: stop the backing worker only once the last sub-worker has stopped.
func (w *SubWorker) Stop() { w.g.stop() }

type call struct {
	seq    uint64
	future *scheduler.Future
}

// group is the state shared by the sub-workers of one backing worker.
type group struct {
	backing scheduler.Worker
	threads int
	cfg     config
	log     logrus.FieldLogger

	startOnce sync.Once
	started   *scheduler.Future

	mu       sync.Mutex
	running  bool
	closed   error
	pending  map[string]*call
	unsent   []SubRequest
	loopDone chan struct{}

	wake     chan struct{}
	stopOnce sync.Once
	stopCh   chan struct{}
}

func (g *group) start(wc scheduler.WorkContext) *scheduler.Future {
	g.startOnce.Do(func() {
		g.started = scheduler.Go(func() (any, error) {
			if err := g.closedErr(); err != nil {
				return nil, scheduler.NewWorkerFailure(g.backing.ID(), err)
			}
			if err := g.backing.Start(NewProxyContext(wc, g.threads)); err != nil {
				g.log.WithError(err).Warn("backing worker failed to start")
				return nil, err
			}
			return nil, g.launch()
		})
	})
	return g.started
}

func (g *group) closedErr() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

func (g *group) launch() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed != nil {
		return scheduler.NewWorkerFailure(g.backing.ID(), g.closed)
	}
	g.running = true
	g.loopDone = make(chan struct{})
	go g.loop(g.loopDone)
	g.log.Debug("poll loop started")
	return nil
}

func (g *group) submit(req SubRequest) (*scheduler.Future, error) {
	g.mu.Lock()
	switch {
	case g.closed != nil:
		err := g.closed
		g.mu.Unlock()
		return nil, scheduler.NewWorkerFailure(req.ID, err)
	case !g.running:
		g.mu.Unlock()
		return nil, scheduler.NewWorkerFailure(req.ID, scheduler.ErrWorkerNotReady)
	}
	if _, busy := g.pending[req.ID]; busy {
		g.mu.Unlock()
		return nil, errors.Wrap(ErrTaskInFlight, req.ID)
	}
	f := scheduler.NewFuture()
	g.pending[req.ID] = &call{seq: req.Seq, future: f}
	g.unsent = append(g.unsent, req)
	g.mu.Unlock()

	select {
	case g.wake <- struct{}{}:
	default:
	}
	return f, nil
}

// loop ships pending sub-requests to the backing worker and routes results back.
// The interval halves whenever a poll sends or receives something and doubles otherwise;
// with nothing outstanding the loop sleeps until the next submission.
func (g *group) loop(done chan struct{}) {
	defer close(done)

	interval := g.cfg.minInterval
	for {
		g.mu.Lock()
		batch := g.unsent
		g.unsent = nil
		outstanding := len(g.pending)
		g.mu.Unlock()

		if len(batch) == 0 && outstanding == 0 {
			select {
			case <-g.stopCh:
				return
			case <-g.wake:
				continue
			}
		}

		args := make([]any, 0, len(batch))
		for _, r := range batch {
			args = append(args, r)
		}
		v, err := g.backing.Execute(args...)
		if err != nil {
			if scheduler.IsWorkerFailure(err) {
				select {
				case <-g.stopCh:
					g.log.WithError(err).Debug("backing worker stopped")
				default:
					g.log.WithError(err).Error("backing worker failed")
				}
				g.fail(err)
				return
			}
			g.failBatch(batch, err)
		}

		var results []SubResult
		if err == nil {
			results, err = normalizeResults(v)
			if err != nil {
				g.log.WithError(err).Error("unreadable results from backing worker")
				g.fail(scheduler.NewWorkerFailure(g.backing.ID(), err))
				return
			}
			g.resolve(results)
		}

		if len(batch) > 0 || len(results) > 0 {
			interval = max(interval/2, g.cfg.minInterval)
		} else {
			interval = min(interval*2, g.cfg.maxInterval)
		}

		timer := time.NewTimer(interval)
		select {
		case <-g.stopCh:
			timer.Stop()
			return
		case <-g.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (g *group) resolve(results []SubResult) {
	for _, r := range results {
		c := g.take(r.ID, r.Seq)
		if c == nil {
			g.log.WithFields(logrus.Fields{"subworker": r.ID, "seq": r.Seq}).Debug("dropping result without a waiting task")
			continue
		}
		switch {
		case r.Err != nil:
			c.future.Fail(r.Err)
		case r.Error != "":
			c.future.Fail(&remote.RemoteError{WorkerID: r.ID, Message: r.Error})
		default:
			c.future.Resolve(r.Result)
		}
	}
}

// failBatch fails the tasks of a batch the backing worker rejected as a whole.
func (g *group) failBatch(batch []SubRequest, err error) {
	for _, r := range batch {
		if c := g.take(r.ID, r.Seq); c != nil {
			c.future.Fail(errors.Wrapf(err, "sub-request %s", r.ID))
		}
	}
}

// take removes and returns the outstanding call matching id and seq, if any.
func (g *group) take(id string, seq uint64) *call {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.pending[id]
	if !ok || c.seq != seq {
		return nil
	}
	delete(g.pending, id)
	return c
}

// fail closes the group with cause and fails every outstanding task with a WorkerFailure.
func (g *group) fail(cause error) {
	g.mu.Lock()
	if g.closed == nil {
		g.closed = cause
	}
	pending := g.pending
	g.pending = make(map[string]*call)
	g.unsent = nil
	g.mu.Unlock()

	for id, c := range pending {
		c.future.Fail(scheduler.NewWorkerFailure(id, cause))
	}
}

func (g *group) stop() {
	g.stopOnce.Do(func() {
		g.mu.Lock()
		if g.closed == nil {
			g.closed = scheduler.ErrWorkerStopped
		}
		done := g.loopDone
		g.mu.Unlock()

		close(g.stopCh)
		g.backing.Stop()
		if done != nil {
			<-done
		}
		g.fail(scheduler.ErrWorkerStopped)
		g.log.Debug("split worker stopped")
	})
}
