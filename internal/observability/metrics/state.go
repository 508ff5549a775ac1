package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StateMetrics contains Prometheus metrics for the shared state store.
// All methods are safe to call on a nil receiver.
type StateMetrics struct {
	instances      *prometheus.GaugeVec
	attachments    *prometheus.GaugeVec
	observers      prometheus.Gauge
	operations     *prometheus.CounterVec
	rejections     *prometheus.CounterVec
	eventsQueued   *prometheus.CounterVec
	detaches       *prometheus.CounterVec
	fanOutDuration prometheus.Histogram
	lastSequence   *prometheus.GaugeVec
	registry       *prometheus.Registry
}

// NewStateMetrics creates and registers the state store metrics
func NewStateMetrics(registry *prometheus.Registry) (*StateMetrics, error) {
	m := &StateMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register state metrics: %w", err)
	}
	return m, nil
}

func (m *StateMetrics) initMetrics() {
	m.instances = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "statesync_instances",
		Help: "Number of live state instances per schema",
	}, []string{"schema"})

	m.attachments = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "statesync_attachments",
		Help: "Number of live attachments per schema",
	}, []string{"schema"})

	m.observers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "statesync_observers",
		Help: "Number of registered discovery observers",
	})

	m.operations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "statesync_operations_total",
		Help: "Accepted store operations by operation and schema",
	}, []string{"operation", "schema"})

	m.rejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "statesync_rejections_total",
		Help: "Rejected store operations by operation and error code",
	}, []string{"operation", "code"})

	m.eventsQueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "statesync_events_queued_total",
		Help: "Events queued on attachments by schema and kind",
	}, []string{"schema", "kind"})

	m.detaches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "statesync_detaches_total",
		Help: "Attachments ended, by reason",
	}, []string{"reason"})

	m.fanOutDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "statesync_fanout_duration_seconds",
		Help:    "Time spent queueing one accepted update on every attachment",
		Buckets: fanOutBuckets,
	})

	m.lastSequence = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "statesync_last_sequence",
		Help: "Last sequence number assigned, per schema",
	}, []string{"schema"})
}

// InstanceCreated records a new instance
func (m *StateMetrics) InstanceCreated(schema string) {
	if m == nil {
		return
	}
	m.instances.WithLabelValues(schema).Inc()
	m.operations.WithLabelValues(OpCreate, schema).Inc()
}

// InstanceDeleted records a destroyed instance
func (m *StateMetrics) InstanceDeleted(schema string) {
	if m == nil {
		return
	}
	m.instances.WithLabelValues(schema).Dec()
	m.operations.WithLabelValues(OpDelete, schema).Inc()
}

// UpdateAccepted records an accepted update, its sequence number and fan-out time
func (m *StateMetrics) UpdateAccepted(schema string, seq uint64, fanOut time.Duration, receivers int) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(OpUpdate, schema).Inc()
	m.lastSequence.WithLabelValues(schema).Set(float64(seq))
	m.eventsQueued.WithLabelValues(schema, KindUpdate).Add(float64(receivers))
	m.fanOutDuration.Observe(fanOut.Seconds())
}

// TerminalQueued records terminal events queued on deletion
func (m *StateMetrics) TerminalQueued(schema string, receivers int) {
	if m == nil {
		return
	}
	m.eventsQueued.WithLabelValues(schema, KindDeleted).Add(float64(receivers))
}

// Rejected records an operation refused with the given error code
func (m *StateMetrics) Rejected(operation, code string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(operation, code).Inc()
}

// Attached records a new attachment
func (m *StateMetrics) Attached(schema string) {
	if m == nil {
		return
	}
	m.attachments.WithLabelValues(schema).Inc()
	m.operations.WithLabelValues(OpAttach, schema).Inc()
}

// Detached records an ended attachment
func (m *StateMetrics) Detached(schema, reason string) {
	if m == nil {
		return
	}
	m.attachments.WithLabelValues(schema).Dec()
	m.detaches.WithLabelValues(reason).Inc()
}

// ObserverAdded records a registered observer
func (m *StateMetrics) ObserverAdded() {
	if m == nil {
		return
	}
	m.observers.Inc()
}

// ObserverRemoved records a closed observer
func (m *StateMetrics) ObserverRemoved() {
	if m == nil {
		return
	}
	m.observers.Dec()
}

// Describe implements the prometheus.Collector interface.
func (m *StateMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.instances.Describe(ch)
	m.attachments.Describe(ch)
	m.observers.Describe(ch)
	m.operations.Describe(ch)
	m.rejections.Describe(ch)
	m.eventsQueued.Describe(ch)
	m.detaches.Describe(ch)
	m.fanOutDuration.Describe(ch)
	m.lastSequence.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *StateMetrics) Collect(ch chan<- prometheus.Metric) {
	m.instances.Collect(ch)
	m.attachments.Collect(ch)
	m.observers.Collect(ch)
	m.operations.Collect(ch)
	m.rejections.Collect(ch)
	m.eventsQueued.Collect(ch)
	m.detaches.Collect(ch)
	m.fanOutDuration.Collect(ch)
	m.lastSequence.Collect(ch)
}
