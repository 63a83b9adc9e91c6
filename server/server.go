package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/martinemde/agentd/agentloop"
	"github.com/martinemde/agentd/eventbus"
	"github.com/martinemde/agentd/store"
)

// Server exposes the session API and event streams over HTTP.
type Server struct {
	echo      *echo.Echo
	http      *http.Server
	store     *store.Store
	bus       *eventbus.Bus
	loop      *agentloop.Loop
	logger    *slog.Logger
	heartbeat time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// Option adjusts server construction.
type Option func(*Server)

// WithHeartbeatInterval overrides the SSE keep-alive cadence.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// New builds the HTTP server and registers all routes.
func New(st *store.Store, bus *eventbus.Bus, loop *agentloop.Loop, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.Use(middleware.Recover())
	// echo v5 requires explicit origins; the daemon serves local tooling.
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
	}))

	s := &Server{
		echo:      e,
		store:     st,
		bus:       bus,
		loop:      loop,
		logger:    logger,
		heartbeat: defaultHeartbeatInterval,
		cancels:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}

	e.GET("/healthz", s.healthz)

	g := e.Group("/api/v1")
	g.GET("/sessions", s.listSessions)
	g.POST("/sessions", s.createSession)
	g.GET("/sessions/:uid", s.getSession)
	g.PATCH("/sessions/:uid", s.updateSession)
	g.GET("/sessions/:uid/messages", s.listMessages)
	g.POST("/sessions/:uid/turns", s.submitTurn)
	g.DELETE("/sessions/:uid/turns", s.cancelTurn)
	g.GET("/sessions/:uid/events", s.streamSessionEvents)
	g.GET("/sessions/:uid/connections", s.sessionConnections)
	g.GET("/events", s.streamAllEvents)
	g.GET("/diagnostics", s.busDiagnostics)

	return s
}

// Start begins serving on addr and blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start(addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.echo}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()
	s.logger.Info("http server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown cancels active turns and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) healthz(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// registerCancel records the cancel func for a session's active turn.
// An existing registration is never overwritten, so a racing submit
// cannot strand a running turn without its cancel handle; the caller
// treats a false return as a conflict.
func (s *Server) registerCancel(sessionUID string, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.cancels[sessionUID]; exists {
		return false
	}
	s.cancels[sessionUID] = cancel
	return true
}

func (s *Server) clearCancel(sessionUID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancels, sessionUID)
}

func (s *Server) cancelFor(sessionUID string) (context.CancelFunc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.cancels[sessionUID]
	return cancel, ok
}

// defaultHeartbeatInterval paces SSE keep-alive frames.
const defaultHeartbeatInterval = 5 * time.Second
