package remote

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/ygrebnov/scheduler/provision"
)

const (
	// LinkPath is the HTTP path a worker accepts its link on.
	LinkPath = "/link"
	// SecretHeader carries the worker secret handed out by the provisioning API.
	SecretHeader = "X-Worker-Secret"
)

var (
	ErrLinkClosed = errors.New("remote: link closed")
	ErrProtocol   = errors.New("remote: protocol violation")
)

// Link is a strict request/response channel to one remote worker.
// SendAndAwait assigns the request ID; calls are serialized.
type Link interface {
	SendAndAwait(ctx context.Context, req Message) (Message, error)
	Close() error
}

// Dialer opens links to provisioned workers.
type Dialer interface {
	Dial(ctx context.Context, ep provision.Endpoint) (Link, error)
}

// WebsocketDialer dials links over websockets.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
}

// Dial connects to ws://host:port/link presenting the endpoint secret.
func (d WebsocketDialer) Dial(ctx context.Context, ep provision.Endpoint) (Link, error) {
	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: websocket.DefaultDialer.HandshakeTimeout,
	}
	if d.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = d.HandshakeTimeout
	}

	addr := fmt.Sprintf("ws://%s:%d%s", ep.Host, ep.Port, LinkPath)
	header := http.Header{}
	header.Set(SecretHeader, ep.Secret)

	conn, resp, err := dialer.DialContext(ctx, addr, header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "error connecting to worker at %s (HTTP %d)", addr, resp.StatusCode)
		}
		return nil, errors.Wrapf(err, "error connecting to worker at %s", addr)
	} else if err = resp.Body.Close(); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "failed to read worker response on connection")
	}
	return newWSLink(conn), nil
}

type wsLink struct {
	conn *websocket.Conn

	mu     sync.Mutex
	nextID uint64

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSLink(conn *websocket.Conn) *wsLink {
	return &wsLink{conn: conn, closed: make(chan struct{})}
}

func (l *wsLink) SendAndAwait(ctx context.Context, req Message) (Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	select {
	case <-l.closed:
		return Message{}, ErrLinkClosed
	default:
	}

	// a cancelled request leaves the pairing undefined, so the link is closed
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	l.nextID++
	req.ID = l.nextID
	if err := l.conn.WriteJSON(req); err != nil {
		return Message{}, l.fail(ctx, errors.Wrap(err, "write request"))
	}

	var resp Message
	if err := l.conn.ReadJSON(&resp); err != nil {
		return Message{}, l.fail(ctx, errors.Wrap(err, "read response"))
	}
	if resp.ID != req.ID {
		return Message{}, l.fail(ctx, errors.Wrapf(ErrProtocol, "response id %d for request %d", resp.ID, req.ID))
	}
	return resp, nil
}

// fail closes the link and reports the cancellation cause when there is one.
func (l *wsLink) fail(ctx context.Context, err error) error {
	_ = l.Close()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func (l *wsLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		_ = l.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = l.conn.Close()
	})
	return err
}
