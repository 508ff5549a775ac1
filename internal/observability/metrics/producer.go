package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ProducerMetrics covers the sample buffer and the envelope producer loop.
// All methods are safe to call on a nil receiver.
type ProducerMetrics struct {
	samplesWritten  prometheus.Counter
	samplesDropped  prometheus.Counter
	gaps            prometheus.Counter
	bufferFill      prometheus.Gauge
	cycles          *prometheus.CounterVec
	blocksPublished prometheus.Counter
	overruns        prometheus.Counter
	cycleDuration   prometheus.Histogram
	lastBlockTime   prometheus.Gauge
	registry        *prometheus.Registry
}

// NewProducerMetrics creates and registers the producer metrics
func NewProducerMetrics(registry *prometheus.Registry) (*ProducerMetrics, error) {
	m := &ProducerMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register producer metrics: %w", err)
	}
	return m, nil
}

func (m *ProducerMetrics) initMetrics() {
	m.samplesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "statesync_producer_samples_written_total",
		Help: "Samples written into the sample buffer",
	})
	m.samplesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "statesync_producer_samples_dropped_total",
		Help: "Oldest samples discarded because the sample buffer was full",
	})
	m.gaps = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "statesync_producer_gaps_total",
		Help: "Source discontinuities that reset the sample buffer",
	})
	m.bufferFill = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "statesync_producer_buffer_fill_ratio",
		Help: "Fraction of the sample buffer currently holding unread samples",
	})
	m.cycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "statesync_producer_cycles_total",
		Help: "Producer cycles by status",
	}, []string{"status"})
	m.blocksPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "statesync_producer_blocks_published_total",
		Help: "Envelope blocks written to the shared state instance",
	})
	m.overruns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "statesync_producer_overruns_total",
		Help: "Cycles that finished after the next cycle was already due",
	})
	m.cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "statesync_producer_cycle_duration_seconds",
		Help:    "Wall time of one producer cycle including the blocking read",
		Buckets: cycleBuckets,
	})
	m.lastBlockTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "statesync_producer_last_block_time_seconds",
		Help: "Stream timestamp of the last published block",
	})
}

// SamplesWritten records samples accepted by the buffer
func (m *ProducerMetrics) SamplesWritten(n int) {
	if m == nil {
		return
	}
	m.samplesWritten.Add(float64(n))
}

// SamplesDropped records samples discarded on overflow
func (m *ProducerMetrics) SamplesDropped(n int) {
	if m == nil {
		return
	}
	m.samplesDropped.Add(float64(n))
}

// Gap records a source discontinuity
func (m *ProducerMetrics) Gap() {
	if m == nil {
		return
	}
	m.gaps.Inc()
}

// BufferFill sets the current buffer fill ratio
func (m *ProducerMetrics) BufferFill(ratio float64) {
	if m == nil {
		return
	}
	m.bufferFill.Set(ratio)
}

// CycleCompleted records a finished cycle
func (m *ProducerMetrics) CycleCompleted(blocks int, lastBlockTime float64, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(StatusSuccess).Inc()
	m.blocksPublished.Add(float64(blocks))
	m.lastBlockTime.Set(lastBlockTime)
	m.cycleDuration.Observe(elapsed.Seconds())
}

// CycleFailed records a cycle aborted by a read or write error
func (m *ProducerMetrics) CycleFailed() {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(StatusError).Inc()
}

// Overrun records a late cycle
func (m *ProducerMetrics) Overrun() {
	if m == nil {
		return
	}
	m.overruns.Inc()
}

// Describe implements the prometheus.Collector interface.
func (m *ProducerMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.samplesWritten.Desc()
	ch <- m.samplesDropped.Desc()
	ch <- m.gaps.Desc()
	ch <- m.bufferFill.Desc()
	m.cycles.Describe(ch)
	ch <- m.blocksPublished.Desc()
	ch <- m.overruns.Desc()
	ch <- m.cycleDuration.Desc()
	ch <- m.lastBlockTime.Desc()
}

// Collect implements the prometheus.Collector interface.
func (m *ProducerMetrics) Collect(ch chan<- prometheus.Metric) {
	ch <- m.samplesWritten
	ch <- m.samplesDropped
	ch <- m.gaps
	ch <- m.bufferFill
	m.cycles.Collect(ch)
	ch <- m.blocksPublished
	ch <- m.overruns
	ch <- m.cycleDuration
	ch <- m.lastBlockTime
}
