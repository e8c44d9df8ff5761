// Package transport serves the mirror's query and control API over HTTP.
package transport

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/clawback/mirror/internal/observ"
)

const shutdownTimeout = 10 * time.Second

// Server wraps the echo instance serving the API.
type Server struct {
	echo *echo.Echo
	addr string
}

func NewServer(api *API, addr string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(requestLogging())

	api.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(observ.Handler()))

	return &Server{echo: e, addr: addr}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		observ.Log("http_listening", map[string]any{"addr": s.addr})
		if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(sctx); err != nil {
		return err
	}
	observ.Log("http_stopped", nil)
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.echo }

func requestLogging() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			route := c.Path()
			status := c.Response().Status
			observ.Debug("http_request", map[string]any{
				"method":     c.Request().Method,
				"route":      route,
				"status":     status,
				"latency_ms": time.Since(start).Milliseconds(),
			})
			observ.RecordDuration("http_request", time.Since(start), map[string]string{"route": route})
			return nil
		}
	}
}
