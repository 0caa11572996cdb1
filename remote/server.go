package remote

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/ygrebnov/scheduler"
)

// Server is the worker side of a link. It accepts links on LinkPath, rebuilds the shared
// work context from the init message and executes requests one at a time per link.
type Server struct {
	registry *Registry
	secret   string
	log      logrus.FieldLogger
	echo     *echo.Echo
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   map[*websocket.Conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

// NewServer returns a Server building work contexts from registry and accepting links
// that present secret.
func NewServer(registry *Registry, secret string, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		registry: registry,
		secret:   secret,
		log:      log,
		echo:     echo.New(),
		conns:    make(map[*websocket.Conn]struct{}),
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.Recover())
	s.echo.GET(LinkPath, s.handleLink)
	return s
}

// Handler returns the HTTP handler accepting links.
func (s *Server) Handler() http.Handler { return s.echo }

// Serve accepts links on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.echo.Listener = l
	err := s.echo.Start("")
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting links, closes open ones and waits for their handlers.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)
	s.mu.Lock()
	s.closing = true
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Server) handleLink(c echo.Context) error {
	got := c.Request().Header.Get(SecretHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.secret)) != 1 {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid worker secret")
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader already wrote the error response
		return nil
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
		s.wg.Done()
	}()

	s.serveConn(conn)
	return nil
}

func (s *Server) serveConn(conn *websocket.Conn) {
	log := s.log.WithField("peer", conn.RemoteAddr().String())
	log.Debug("link opened")
	defer log.Debug("link closed")

	var wc scheduler.WorkContext
	for {
		var req Message
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("link read failed")
			}
			return
		}

		var resp Message
		switch req.Kind {
		case KindInit:
			resp = replyTo(req, KindInitAck)
			switch {
			case wc != nil:
				resp.Error = "work context already initialized"
			case req.Context == nil:
				resp.Error = "init without work context"
			default:
				built, err := s.registry.Build(*req.Context)
				if err != nil {
					resp.Error = err.Error()
					break
				}
				wc = built
				log.WithField("context", req.Context.Kind).Info("work context initialized")
			}

		case KindExecute:
			resp = replyTo(req, KindResult)
			if wc == nil {
				resp.Error = "work context not initialized"
				break
			}
			result, err := execute(wc, req.Args)
			if err != nil {
				resp.Error = err.Error()
				break
			}
			resp.Result = result

		default:
			resp = replyTo(req, KindResult)
			resp.Error = fmt.Sprintf("unsupported message kind %q", req.Kind)
		}

		if err := conn.WriteJSON(resp); err != nil {
			log.WithError(err).Debug("link write failed")
			return
		}
	}
}

// execute decodes args, runs the work context and encodes its result.
// A panic is reported as an error of the task.
func execute(wc scheduler.WorkContext, rawArgs []json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("%w: %v", scheduler.ErrTaskPanicked, r)
		}
	}()

	args, err := DecodeArgs(wc, rawArgs)
	if err != nil {
		return nil, err
	}
	v, err := wc.ExecuteWork(args...)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
