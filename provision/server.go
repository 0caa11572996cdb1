package provision

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
)

// Server exposes an API over HTTP:
//
//	PUT    /api/v1/pools/:pool/workers/:worker  request (or poll) a worker
//	DELETE /api/v1/pools/:pool/workers/:worker  release a worker
//	GET    /api/v1/pools/:pool/workers          list reservations, when the API is a Lister
type Server struct {
	echo *echo.Echo
	api  API
	log  logrus.FieldLogger
}

// NewServer returns a Server backed by api.
func NewServer(api API, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{echo: echo.New(), api: api, log: log}

	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.Recover())
	s.echo.Use(requestLogger(log))

	g := s.echo.Group("/api/v1/pools/:pool/workers")
	g.PUT("/:worker", s.requestWorker)
	g.DELETE("/:worker", s.releaseWorker)
	if _, ok := api.(Lister); ok {
		g.GET("", s.listWorkers)
	}
	s.echo.GET("/healthz", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })
	return s
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on addr and serves until Shutdown.
func (s *Server) Start(addr string) error {
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error { return s.echo.Shutdown(ctx) }

func (s *Server) requestWorker(c echo.Context) error {
	pool, worker := c.Param("pool"), c.Param("worker")
	a, err := s.api.RequestWorker(c.Request().Context(), pool, worker)
	if err != nil {
		if errors.Is(err, ErrPlatformClosed) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, a)
}

func (s *Server) releaseWorker(c echo.Context) error {
	pool, worker := c.Param("pool"), c.Param("worker")
	if err := s.api.ReleaseWorker(c.Request().Context(), pool, worker); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listWorkers(c echo.Context) error {
	return c.JSON(http.StatusOK, s.api.(Lister).ListWorkers(c.Param("pool")))
}

// requestLogger logs every request at debug level.
func requestLogger(log logrus.FieldLogger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			began := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			log.WithFields(logrus.Fields{
				"method":   c.Request().Method,
				"path":     c.Request().URL.Path,
				"status":   c.Response().Status,
				"duration": time.Since(began),
			}).Debug("request")
			return nil
		}
	}
}
