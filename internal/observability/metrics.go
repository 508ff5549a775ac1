// Package observability provides metrics and monitoring capabilities for statesync.
package observability

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tphakala/statesync/internal/logger"
	"github.com/tphakala/statesync/internal/observability/metrics"
)

// Metrics holds all the metric collectors for the application.
type Metrics struct {
	registry  *prometheus.Registry
	State     *metrics.StateMetrics
	Producer  *metrics.ProducerMetrics
	Transport *metrics.TransportMetrics
	MQTT      *metrics.MQTTMetrics
}

// NewMetrics creates a new instance of Metrics on a private registry,
// including Go runtime and process collectors.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	stateMetrics, err := metrics.NewStateMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create state metrics: %w", err)
	}
	producerMetrics, err := metrics.NewProducerMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create producer metrics: %w", err)
	}
	transportMetrics, err := metrics.NewTransportMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport metrics: %w", err)
	}
	mqttMetrics, err := metrics.NewMQTTMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create MQTT metrics: %w", err)
	}

	return &Metrics{
		registry:  registry,
		State:     stateMetrics,
		Producer:  producerMetrics,
		Transport: transportMetrics,
		MQTT:      mqttMetrics,
	}, nil
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the /metrics HTTP handler for this registry
func (m *Metrics) Handler(log logger.Logger) http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:      slogErrorLog{log: log},
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// RegisterHandlers registers the metrics endpoint with the provided mux
func (m *Metrics) RegisterHandlers(mux *http.ServeMux, log logger.Logger) {
	mux.Handle("/metrics", m.Handler(log))
}

// slogErrorLog adapts Logger to promhttp.Logger
type slogErrorLog struct {
	log logger.Logger
}

func (l slogErrorLog) Println(v ...any) {
	if l.log == nil {
		slog.Error("metrics handler error", "detail", fmt.Sprint(v...))
		return
	}
	l.log.Error("metrics handler error", logger.String("detail", fmt.Sprint(v...)))
}
