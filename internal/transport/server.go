package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/tphakala/statesync/internal/logger"
	"github.com/tphakala/statesync/internal/observability"
	"github.com/tphakala/statesync/internal/observability/metrics"
	"github.com/tphakala/statesync/internal/state"
)

const (
	DefaultPath           = "/ws"
	DefaultSendQueueSize  = 256
	DefaultWriteWait      = 10 * time.Second
	DefaultPongWait       = 60 * time.Second
	DefaultMaxMessageSize = 64 * 1024
	shutdownTimeout       = 5 * time.Second
)

// Config holds the server and session parameters
type Config struct {
	Listen         string
	Path           string
	SendQueueSize  int
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = DefaultSendQueueSize
	}
	if c.WriteWait <= 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = DefaultPongWait
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	return c
}

// PingPeriod is how often pings are sent; it must be shorter than PongWait
func (c Config) PingPeriod() time.Duration {
	return (c.PongWait * 9) / 10
}

// Server exposes a store over websockets plus a small read-only HTTP API
type Server struct {
	echo     *echo.Echo
	store    *state.Store
	cfg      Config
	logger   logger.Logger
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
	started  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithLogger sets the server logger
func WithLogger(log logger.Logger) ServerOption {
	return func(s *Server) { s.logger = log }
}

// WithMetrics enables transport metrics and the /metrics route
func WithMetrics(m *observability.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a server for store. Routes are registered immediately so
// Handler can be used without Run.
func NewServer(store *state.Store, cfg Config, opts ...ServerOption) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		store:    store,
		cfg:      cfg.withDefaults(),
		started:  time.Now(),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Global().Module("transport")
	}

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(echomw.Recover())
	s.echo.Use(s.requestLogger())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.echo.GET(s.cfg.Path, s.handleWebsocket)
	s.echo.GET("/healthz", s.healthCheck)

	api := s.echo.Group("/api/v1")
	api.GET("/schemas", s.listSchemas)
	api.GET("/schemas/:name", s.getSchema)
	api.GET("/instances", s.listInstances)
	api.GET("/instances/:id", s.getInstance)

	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler(s.logger)))
	}
}

// requestLogger logs plain HTTP requests; websocket sessions log their own lifecycle
func (s *Server) requestLogger() echo.MiddlewareFunc {
	return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			return c.Path() == s.cfg.Path || c.Path() == "/metrics"
		},
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			fields := []logger.Field{
				logger.String("method", v.Method),
				logger.String("uri", v.URI),
				logger.Int("status", v.Status),
				logger.String("ip", v.RemoteIP),
				logger.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, logger.Error(v.Error))
			}
			s.logger.Debug("request", fields...)
			return nil
		},
	})
}

// Handler returns the HTTP handler serving all routes
func (s *Server) Handler() http.Handler { return s.echo }

// Store returns the served store
func (s *Server) Store() *state.Store { return s.store }

// SessionCount returns the number of open sessions
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Run listens on cfg.Listen until ctx is cancelled, then closes every
// session and shuts the HTTP server down.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.Listen == "" {
		return fmt.Errorf("transport: listen address is empty")
	}
	listener, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("transport: listen on %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx is cancelled
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.echo.Listener = listener

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("state server listening",
			logger.String("address", listener.Addr().String()),
			logger.String("path", s.cfg.Path))
		errCh <- s.echo.Start("")
	}()

	select {
	case err := <-errCh:
		s.Shutdown()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("transport: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown closes every open session and waits for them to end. Hijacked
// websocket connections are not covered by the HTTP server shutdown.
func (s *Server) Shutdown() {
	s.mu.Lock()
	for _, sess := range s.sessions {
		sess.fail(websocket.CloseGoingAway, "server shutting down")
	}
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) handleWebsocket(c echo.Context) error {
	if s.ctx.Err() != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "server is shutting down")
	}
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", logger.Error(err))
		return nil
	}

	var m *metrics.TransportMetrics
	if s.metrics != nil {
		m = s.metrics.Transport
	}
	sess := newSession(s.ctx, conn, s.store, s.cfg, s.logger, m)

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	s.sessions[sess.id] = sess
	s.wg.Add(1)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()
		s.wg.Done()
	}()

	sess.run()
	return nil
}

func (s *Server) healthCheck(c echo.Context) error {
	uptime := time.Since(s.started)
	return c.JSON(http.StatusOK, map[string]any{
		"status":         "healthy",
		"uptime":         uptime.String(),
		"uptime_seconds": uptime.Seconds(),
		"sessions":       s.SessionCount(),
		"store":          s.store.Stats(),
		"timestamp":      time.Now().Format(time.RFC3339),
	})
}

func (s *Server) listSchemas(c echo.Context) error {
	registry := s.store.Registry()
	out := make([]any, 0)
	for _, name := range registry.Names() {
		if sc, ok := registry.Get(name); ok {
			out = append(out, sc)
		}
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) getSchema(c echo.Context) error {
	sc, ok := s.store.Registry().Get(c.Param("name"))
	if !ok {
		return c.JSON(http.StatusNotFound, &WireError{Code: "unknown_schema", Message: "unknown schema " + c.Param("name")})
	}
	return c.JSON(http.StatusOK, sc)
}

func (s *Server) listInstances(c echo.Context) error {
	return c.JSON(http.StatusOK, s.store.List(c.QueryParam("schema")))
}

// getInstance returns a snapshot, or 410 Gone with the deletion cause while
// the id is still remembered as deleted.
func (s *Server) getInstance(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return c.JSON(http.StatusBadRequest, &WireError{Code: CodeInvalidRequest, Message: "instance id must be a positive integer"})
	}
	snap, err := s.store.Get(id)
	if err == nil {
		return c.JSON(http.StatusOK, snap)
	}
	if cause, gone := s.store.Tombstone(id); gone {
		return c.JSON(http.StatusGone, map[string]any{"id": id, "cause": cause})
	}
	return c.JSON(http.StatusNotFound, NewWireError(err))
}
