package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/tphakala/statesync/internal/logger"
)

const shutdownTimeout = 5 * time.Second

// Endpoint serves Prometheus metrics on a dedicated listener, used by the
// producer and watcher commands which have no HTTP server of their own.
type Endpoint struct {
	listenAddress string
	metrics       *Metrics
	logger        logger.Logger
}

// NewEndpoint creates a metrics endpoint for listenAddress
func NewEndpoint(listenAddress string, m *Metrics, log logger.Logger) (*Endpoint, error) {
	if listenAddress == "" {
		return nil, errors.New("metrics listen address is empty")
	}
	if m == nil {
		return nil, errors.New("metrics are required")
	}
	if log == nil {
		log = logger.Global().Module("telemetry")
	}
	return &Endpoint{listenAddress: listenAddress, metrics: m, logger: log}, nil
}

// Run serves until ctx is cancelled, then shuts the server down gracefully
func (e *Endpoint) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	e.metrics.RegisterHandlers(mux, e.logger)

	server := &http.Server{
		Addr:              e.listenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		e.logger.Info("telemetry endpoint starting", logger.String("address", e.listenAddress))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	e.logger.Info("stopping telemetry endpoint")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	return nil
}
