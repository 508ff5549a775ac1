package app

import (
	"context"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/tphakala/statesync/internal/logger"
	"github.com/tphakala/statesync/internal/mqtt"
	"github.com/tphakala/statesync/internal/observability"
	"github.com/tphakala/statesync/internal/state"
	"github.com/tphakala/statesync/internal/transport"
)

// Server is the state store with its websocket transport, and the MQTT
// bridge and telemetry endpoint when they are enabled
type Server struct {
	rt        *Runtime
	log       logger.Logger
	store     *state.Store
	transport *transport.Server
	bridge    *mqtt.Bridge
	endpoint  *observability.Endpoint
}

// NewServer builds the schema registry and every server component from
// the runtime settings. Nothing is started until Run or Serve.
func NewServer(rt *Runtime) (*Server, error) {
	s := rt.Settings
	log := rt.Logger("server")

	registry, err := s.BuildRegistry(rt.Logger("schema"))
	if err != nil {
		return nil, err
	}

	store := state.NewStore(registry,
		state.WithLogger(rt.Logger("state")),
		state.WithMetrics(rt.Metrics.State),
		state.WithQueueSize(s.Server.QueueSize),
		state.WithObserverQueueSize(s.Server.ObserverQueueSize),
		state.WithTombstoneTTL(s.Server.TombstoneTTL))

	srv := &Server{
		rt:    rt,
		log:   log,
		store: store,
		transport: transport.NewServer(store, transport.Config{
			Listen:         s.Server.Listen,
			Path:           s.Server.Path,
			SendQueueSize:  s.Server.SendQueueSize,
			WriteWait:      s.Server.WriteTimeout,
			PongWait:       s.Server.PongWait,
			MaxMessageSize: s.Server.MaxMessageSize,
		},
			transport.WithLogger(rt.Logger("transport")),
			transport.WithMetrics(rt.Metrics)),
	}

	if s.MQTT.Enabled {
		cfg := mqttConfig(rt)
		client, err := mqtt.NewClient(cfg, rt.Metrics.MQTT, rt.Logger("mqtt"))
		if err != nil {
			return nil, err
		}
		srv.bridge = mqtt.NewBridge(store, client, cfg, s.MQTT.Schemas, rt.Metrics.MQTT, rt.Logger("mqtt"))
	}

	if s.Telemetry.Enabled {
		srv.endpoint, err = observability.NewEndpoint(s.Telemetry.Listen, rt.Metrics, rt.Logger("telemetry"))
		if err != nil {
			return nil, err
		}
	}

	return srv, nil
}

// Store returns the state store served by s
func (s *Server) Store() *state.Store { return s.store }

// Run listens on the configured address until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.rt.Settings.Server.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listener)
}

// Serve opens the store, accepts state connections on listener and runs the
// optional components until ctx is cancelled or one of them fails. The
// store is closed last so every attachment sees its terminal event.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if err := s.store.Open(); err != nil {
		_ = listener.Close()
		return err
	}
	defer func() {
		if err := s.store.Close(); err != nil {
			s.log.Warn("failed to close state store", logger.Error(err))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.transport.Serve(gctx, listener) })
	if s.bridge != nil {
		g.Go(func() error { return s.bridge.Run(gctx) })
	}
	if s.endpoint != nil {
		g.Go(func() error { return s.endpoint.Run(gctx) })
	}

	s.log.Info("state server started",
		logger.String("address", listener.Addr().String()),
		logger.Any("schemas", s.store.Registry().Names()),
		logger.Bool("mqtt", s.bridge != nil),
		logger.Bool("telemetry", s.endpoint != nil))

	err := g.Wait()
	stats := s.store.Stats()
	s.log.Info("state server stopped",
		logger.Int("instances", stats.Instances),
		logger.Int("attachments", stats.Attachments))
	return err
}

// Serve runs the state server until ctx is cancelled
func Serve(ctx context.Context, rt *Runtime) error {
	rt.LogStartup(ctx, "serve")
	srv, err := NewServer(rt)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

func mqttConfig(rt *Runtime) mqtt.Config {
	s := rt.Settings.MQTT
	cfg := mqtt.DefaultConfig()
	cfg.Broker = s.Broker
	cfg.ClientID = s.ClientID
	if cfg.ClientID == "" {
		cfg.ClientID = rt.Settings.Main.Name
	}
	cfg.Username = s.Username
	cfg.Password = s.Password
	if s.Topic != "" {
		cfg.Topic = s.Topic
	}
	cfg.Retain = s.Retain
	return cfg
}
