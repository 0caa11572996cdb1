// Package remote implements workers that run on remotely provisioned containers and the
// server side those containers run.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ygrebnov/scheduler"
	"github.com/ygrebnov/scheduler/provision"
)

// ErrStartTimeout is the cause of the WorkerFailure returned when a worker is still not
// ready after the maximum number of polls.
var ErrStartTimeout = errors.New("remote: worker did not become ready in time")

// RemoteError is an application-level error returned by the remote work context.
// It fails only the task that produced it.
type RemoteError struct {
	WorkerID string
	Message  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote worker %s: %s", e.WorkerID, e.Message)
}

// Client is a scheduler.Worker backed by a container reserved through a provisioning API.
// Start polls the API until the container is ready, opens a link to it and ships the
// shared work context. Execute forwards each task over the link.
type Client struct {
	id     string
	poolID string
	api    provision.API
	dialer Dialer

	pollInterval   time.Duration
	maxPolls       int
	requestTimeout time.Duration
	releaseTimeout time.Duration
	monitor        *StartupMonitor
	log            logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	link    Link

	stopOnce sync.Once
}

var _ scheduler.Worker = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithID overrides the generated worker ID.
func WithID(id string) ClientOption {
	return func(c *Client) {
		if id != "" {
			c.id = id
		}
	}
}

// WithPollInterval sets the delay between status polls. Default: 2s.
func WithPollInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithMaxPolls bounds the number of status polls. Default: 900.
func WithMaxPolls(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxPolls = n
		}
	}
}

// WithRequestTimeout bounds every link round trip. Zero means no timeout.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.requestTimeout = d }
}

// WithMonitor reports startup progress to m.
func WithMonitor(m *StartupMonitor) ClientOption {
	return func(c *Client) { c.monitor = m }
}

// WithClientLogger sets the logger.
func WithClientLogger(l logrus.FieldLogger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) ClientOption {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// NewClient returns a remote worker reserved in poolID through api.
func NewClient(api provision.API, poolID string, opts ...ClientOption) *Client {
	c := &Client{
		id:             "remote-" + uuid.NewString(),
		poolID:         poolID,
		api:            api,
		dialer:         WebsocketDialer{},
		pollInterval:   2 * time.Second,
		maxPolls:       900,
		releaseTimeout: 10 * time.Second,
		log:            logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithFields(logrus.Fields{"worker": c.id, "pool": poolID})
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// NewClients returns n remote workers sharing api, poolID and opts.
func NewClients(api provision.API, poolID string, n int, opts ...ClientOption) []scheduler.Worker {
	ws := make([]scheduler.Worker, 0, n)
	for i := 0; i < n; i++ {
		ws = append(ws, NewClient(api, poolID, opts...))
	}
	return ws
}

func (c *Client) ID() string { return c.id }

func (c *Client) failure(err error) error { return scheduler.NewWorkerFailure(c.id, err) }

func (c *Client) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Start reserves the container, waits until it is ready, connects and ships wc.
// wc must implement Portable.
func (c *Client) Start(wc scheduler.WorkContext) error {
	spec, err := SpecOf(wc)
	if err != nil {
		return c.failure(err)
	}
	if c.isStopped() {
		return c.failure(scheduler.ErrWorkerStopped)
	}

	a, err := c.awaitReady()
	if err != nil {
		return err
	}

	link, err := c.dialer.Dial(c.ctx, provision.Endpoint{Host: a.Host, Port: a.Port, Secret: a.Secret})
	if err != nil {
		if c.isStopped() {
			return c.failure(scheduler.ErrWorkerStopped)
		}
		return c.failure(err)
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		_ = link.Close()
		return c.failure(scheduler.ErrWorkerStopped)
	}
	c.link = link
	c.mu.Unlock()

	ctx, cancel := c.requestContext()
	defer cancel()
	ack, err := link.SendAndAwait(ctx, Message{Kind: KindInit, Context: &spec})
	switch {
	case err != nil:
		return c.failure(errors.Wrap(err, "send work context"))
	case ack.Kind != KindInitAck:
		return c.failure(errors.Wrapf(ErrProtocol, "expected %s, got %s", KindInitAck, ack.Kind))
	case ack.Error != "":
		return c.failure(errors.Errorf("work context rejected: %s", ack.Error))
	}

	c.monitor.Ready(c.id)
	c.log.WithField("address", a.Address()).Info("remote worker ready")
	return nil
}

// awaitReady polls the provisioning API until the worker is ready.
func (c *Client) awaitReady() (provision.Assignment, error) {
	for i := 0; i < c.maxPolls; i++ {
		if c.isStopped() {
			return provision.Assignment{}, c.failure(scheduler.ErrWorkerStopped)
		}

		a, err := c.api.RequestWorker(c.ctx, c.poolID, c.id)
		switch {
		case err != nil:
			if c.ctx.Err() != nil {
				return provision.Assignment{}, c.failure(scheduler.ErrWorkerStopped)
			}
			c.log.WithError(err).Warn("worker status request failed")
		case a.Status == provision.StatusReady:
			return a, nil
		case a.Status == provision.StatusDead:
			c.monitor.Dead(c.id, a.Reason)
			return provision.Assignment{}, c.failure(errors.Errorf("worker reported dead: %s", a.Reason))
		default:
			c.monitor.Pending(c.id)
		}

		select {
		case <-c.ctx.Done():
			return provision.Assignment{}, c.failure(scheduler.ErrWorkerStopped)
		case <-time.After(c.pollInterval):
		}
	}
	c.monitor.Dead(c.id, ErrStartTimeout.Error())
	return provision.Assignment{}, c.failure(ErrStartTimeout)
}

// Execute runs one task remotely. Transport failures stop the worker and are reported as
// a *scheduler.WorkerFailure; an error raised by the remote work context is a *RemoteError.
// Results arrive as decoded JSON values.
func (c *Client) Execute(args ...any) (any, error) {
	c.mu.Lock()
	link, stopped := c.link, c.stopped
	c.mu.Unlock()
	switch {
	case stopped:
		return nil, c.failure(scheduler.ErrWorkerStopped)
	case link == nil:
		return nil, c.failure(scheduler.ErrWorkerNotReady)
	}

	raw, err := EncodeArgs(args)
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.requestContext()
	defer cancel()
	resp, err := link.SendAndAwait(ctx, Message{Kind: KindExecute, Args: raw})
	if err != nil {
		c.Stop()
		return nil, c.failure(err)
	}
	if resp.Kind != KindResult {
		c.Stop()
		return nil, c.failure(errors.Wrapf(ErrProtocol, "expected %s, got %s", KindResult, resp.Kind))
	}
	if resp.Error != "" {
		return nil, &RemoteError{WorkerID: c.id, Message: resp.Error}
	}
	if len(resp.Result) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(resp.Result, &v); err != nil {
		return nil, errors.Wrap(err, "decode result")
	}
	return v, nil
}

// Stop closes the link and releases the container. It is idempotent, safe to call
// concurrently with Start and Execute, and always notifies the provisioning API.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		link := c.link
		c.link = nil
		c.mu.Unlock()

		c.cancel()
		if link != nil {
			if err := link.Close(); err != nil {
				c.log.WithError(err).Debug("closing link")
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.releaseTimeout)
		defer cancel()
		if err := c.api.ReleaseWorker(ctx, c.poolID, c.id); err != nil {
			c.log.WithError(err).Warn("failed to release worker")
		}
		c.monitor.Released(c.id)
		c.log.Debug("remote worker stopped")
	})
}

func (c *Client) requestContext() (context.Context, context.CancelFunc) {
	if c.requestTimeout > 0 {
		return context.WithTimeout(c.ctx, c.requestTimeout)
	}
	return context.WithCancel(c.ctx)
}
