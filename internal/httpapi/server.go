// Package httpapi exposes the operational surface of the memory engine:
// liveness/health and Prometheus metrics. It carries no memory CRUD
// routes — those are served over the assistant-facing protocol the engine
// embeds in, not HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/memoryd/engine/internal/storage"
)

// Server serves /health and /metrics for the running engine.
type Server struct {
	echo   *echo.Echo
	logger *zap.Logger
	store  storage.Store
}

// Config holds the bind address for the operational HTTP server.
type Config struct {
	Host string
	Port int
}

// DefaultConfig binds to localhost:9091, outside the range typically used
// by the assistant-facing protocol port.
func DefaultConfig() Config {
	return Config{Host: "127.0.0.1", Port: 9091}
}

// NewServer builds the operational server. store is polled on every
// /health request; it may be nil, in which case /health always reports ok
// with no backend detail.
func NewServer(store storage.Store, logger *zap.Logger, cfg Config) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Debug("httpapi request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return err
		}
	})

	s := &Server{echo: e, logger: logger, store: store}
	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	return s
}

// healthResponse is the /health body.
type healthResponse struct {
	Status          string `json:"status"`
	Backend         string `json:"backend,omitempty"`
	MemoryCount     int64  `json:"memory_count,omitempty"`
	QueueDepth      int    `json:"queue_depth,omitempty"`
	DeadLetterCount int64  `json:"dead_letter_count,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	if s.store == nil {
		return c.JSON(http.StatusOK, healthResponse{Status: "ok"})
	}

	h, err := s.store.Health(c.Request().Context())
	if err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, healthResponse{Status: "error"})
	}

	resp := healthResponse{
		Status:          h.Status,
		Backend:         h.Backend,
		MemoryCount:     h.MemoryCount,
		QueueDepth:      h.QueueDepth,
		DeadLetterCount: h.DeadLetterCount,
	}
	code := http.StatusOK
	if h.Status != "healthy" && h.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}

// Start runs the server until the process is signaled to stop; callers
// invoke it in its own goroutine and call Shutdown for graceful exit.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
