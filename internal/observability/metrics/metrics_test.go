package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMetricsLifecycle(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewStateMetrics(registry)
	require.NoError(t, err)

	m.InstanceCreated("player")
	m.Attached("player")
	m.Attached("player")
	m.UpdateAccepted("player", 3, 5*time.Microsecond, 2)
	m.Detached("player", "overflow")
	m.InstanceDeleted("player")
	m.TerminalQueued("player", 1)
	m.Rejected(OpUpdate, "not_owner")

	assert.InDelta(t, 0, testutil.ToFloat64(m.instances.WithLabelValues("player")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.attachments.WithLabelValues("player")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.lastSequence.WithLabelValues("player")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.eventsQueued.WithLabelValues("player", KindUpdate)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.eventsQueued.WithLabelValues("player", KindDeleted)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.detaches.WithLabelValues("overflow")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.rejections.WithLabelValues(OpUpdate, "not_owner")), 0)

	count, err := testutil.GatherAndCount(registry, "statesync_fanout_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNilMetricsAreNoOps(t *testing.T) {
	t.Parallel()

	var (
		s *StateMetrics
		p *ProducerMetrics
		c *TransportMetrics
		q *MQTTMetrics
	)
	assert.NotPanics(t, func() {
		s.InstanceCreated("x")
		s.UpdateAccepted("x", 1, time.Millisecond, 1)
		p.SamplesDropped(3)
		p.CycleCompleted(4, 0.384, time.Millisecond)
		c.RecordOperation(OpAttach, StatusSuccess)
		c.SendOverflow()
		q.UpdateConnectionStatus(true)
		q.MessageDelivered("player", 10, time.Millisecond)
	})

	var r Recorder = c
	assert.NotPanics(t, func() { r.RecordError(OpRequest, "timeout") })
}

func TestProducerMetricsCycle(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewProducerMetrics(registry)
	require.NoError(t, err)

	m.SamplesWritten(512)
	m.SamplesDropped(128)
	m.Gap()
	m.CycleCompleted(4, 0.384, 20*time.Millisecond)
	m.Overrun()

	assert.InDelta(t, 512, testutil.ToFloat64(m.samplesWritten), 0)
	assert.InDelta(t, 128, testutil.ToFloat64(m.samplesDropped), 0)
	assert.InDelta(t, 4, testutil.ToFloat64(m.blocksPublished), 0)
	assert.InDelta(t, 0.384, testutil.ToFloat64(m.lastBlockTime), 1e-12)
	assert.InDelta(t, 1, testutil.ToFloat64(m.cycles.WithLabelValues(StatusSuccess)), 0)

	var metric dto.Metric
	require.NoError(t, m.cycleDuration.Write(&metric))
	assert.Equal(t, uint64(1), metric.GetHistogram().GetSampleCount())
}

func TestTransportMetricsRecorder(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewTransportMetrics(registry)
	require.NoError(t, err)

	var r Recorder = m
	r.RecordOperation(OpAttach, StatusSuccess)
	r.RecordError(OpUpdate, "type_mismatch")
	r.RecordDuration(OpUpdate, 0.002)
	m.SessionOpened()
	m.FrameSent("update")

	assert.InDelta(t, 1, testutil.ToFloat64(m.operations.WithLabelValues(OpAttach, StatusSuccess)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.errors.WithLabelValues(OpUpdate, "type_mismatch")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.sessions), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.framesOut.WithLabelValues("update")), 0)
}

func TestMQTTMetricsConnectionStatus(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewMQTTMetrics(registry)
	require.NoError(t, err)

	m.UpdateConnectionStatus(true)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ConnectionStatus), 0)
	assert.Positive(t, testutil.ToFloat64(m.LastConnectTime))

	m.UpdateConnectionStatus(false)
	assert.InDelta(t, 0, testutil.ToFloat64(m.ConnectionStatus), 0)

	m.MessageDelivered("player", 128, 2*time.Millisecond)
	assert.InDelta(t, 1, testutil.ToFloat64(m.MessagesDelivered.WithLabelValues("player")), 0)
}

func TestDuplicateRegistrationFails(t *testing.T) {
	registry := prometheus.NewRegistry()
	_, err := NewStateMetrics(registry)
	require.NoError(t, err)
	_, err = NewStateMetrics(registry)
	require.Error(t, err)
}
