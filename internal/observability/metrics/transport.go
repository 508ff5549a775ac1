package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// TransportMetrics covers websocket sessions on the server and requests
// issued by clients. It implements Recorder.
// All methods are safe to call on a nil receiver.
type TransportMetrics struct {
	sessions        prometheus.Gauge
	framesIn        *prometheus.CounterVec
	framesOut       *prometheus.CounterVec
	sendOverflows   prometheus.Counter
	operations      *prometheus.CounterVec
	errors          *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	registry        *prometheus.Registry
}

// NewTransportMetrics creates and registers the transport metrics
func NewTransportMetrics(registry *prometheus.Registry) (*TransportMetrics, error) {
	m := &TransportMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register transport metrics: %w", err)
	}
	return m, nil
}

func (m *TransportMetrics) initMetrics() {
	m.sessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "statesync_transport_sessions",
		Help: "Open websocket sessions",
	})
	m.framesIn = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "statesync_transport_frames_received_total",
		Help: "Frames received by frame type",
	}, []string{"type"})
	m.framesOut = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "statesync_transport_frames_sent_total",
		Help: "Frames sent by frame type",
	}, []string{"type"})
	m.sendOverflows = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "statesync_transport_send_overflows_total",
		Help: "Sessions closed because their send queue was full",
	})
	m.operations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "statesync_transport_operations_total",
		Help: "Requests by operation and status",
	}, []string{"operation", "status"})
	m.errors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "statesync_transport_errors_total",
		Help: "Request errors by operation and error code",
	}, []string{"operation", "code"})
	m.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "statesync_transport_request_duration_seconds",
		Help:    "Request handling or round trip time by operation",
		Buckets: requestBuckets,
	}, []string{"operation"})
}

// SessionOpened records a new session
func (m *TransportMetrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

// SessionClosed records a closed session
func (m *TransportMetrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

// FrameReceived records an inbound frame
func (m *TransportMetrics) FrameReceived(frameType string) {
	if m == nil {
		return
	}
	m.framesIn.WithLabelValues(frameType).Inc()
}

// FrameSent records an outbound frame
func (m *TransportMetrics) FrameSent(frameType string) {
	if m == nil {
		return
	}
	m.framesOut.WithLabelValues(frameType).Inc()
}

// SendOverflow records a session dropped for a full send queue
func (m *TransportMetrics) SendOverflow() {
	if m == nil {
		return
	}
	m.sendOverflows.Inc()
}

// RecordOperation implements Recorder
func (m *TransportMetrics) RecordOperation(operation, status string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, status).Inc()
}

// RecordDuration implements Recorder
func (m *TransportMetrics) RecordDuration(operation string, seconds float64) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordError implements Recorder
func (m *TransportMetrics) RecordError(operation, errorType string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(operation, errorType).Inc()
}

// Describe implements the prometheus.Collector interface.
func (m *TransportMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.sessions.Desc()
	m.framesIn.Describe(ch)
	m.framesOut.Describe(ch)
	ch <- m.sendOverflows.Desc()
	m.operations.Describe(ch)
	m.errors.Describe(ch)
	m.requestDuration.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *TransportMetrics) Collect(ch chan<- prometheus.Metric) {
	ch <- m.sessions
	m.framesIn.Collect(ch)
	m.framesOut.Collect(ch)
	ch <- m.sendOverflows
	m.operations.Collect(ch)
	m.errors.Collect(ch)
	m.requestDuration.Collect(ch)
}
