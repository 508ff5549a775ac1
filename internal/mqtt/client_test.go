package mqtt

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/statesync/internal/errors"
	"github.com/tphakala/statesync/internal/logger"
	"github.com/tphakala/statesync/internal/observability/metrics"
)

const testBroker = "tcp://test.mosquitto.org:1883"

func isMosquittoTestServerAvailable() bool {
	conn, err := net.DialTimeout("tcp", "test.mosquitto.org:1883", 5*time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func createTestClient(t *testing.T, broker string) (Client, *metrics.MQTTMetrics) {
	t.Helper()
	m, err := metrics.NewMQTTMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Broker = broker
	cfg.ClientID = "statesync-test-" + time.Now().Format("150405.000000")
	cfg.Topic = "statesync-test"
	cfg.ConnectTimeout = 10 * time.Second

	c, err := NewClient(cfg, m, logger.NewDiscardLogger())
	require.NoError(t, err)
	return c, m
}

func TestNewClientRequiresBroker(t *testing.T) {
	_, err := NewClient(DefaultConfig(), nil, logger.NewDiscardLogger())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestPublishWhileDisconnected(t *testing.T) {
	c, m := createTestClient(t, testBroker)

	err := c.Publish(t.Context(), "statesync-test/x", []byte("{}"), false)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryMQTTConnection))
	assert.False(t, c.IsConnected())
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.Errors.WithLabelValues("publish")), 1e-9)

	// disconnecting a client that never connected is a no-op
	c.Disconnect()
}

func TestConnectInvalidBrokerURL(t *testing.T) {
	tests := []struct {
		name   string
		broker string
	}{
		{"missing host", "tcp://:1883"},
		{"unresolvable hostname", "tcp://unresolvable.invalid:1883"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, m := createTestClient(t, tt.broker)
			ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
			defer cancel()

			err := c.Connect(ctx)
			require.Error(t, err)
			assert.True(t, errors.IsCategory(err, errors.CategoryMQTTConnection))
			assert.False(t, c.IsConnected())
			assert.InDelta(t, 1.0, testutil.ToFloat64(m.Errors.WithLabelValues("connect")), 1e-9)
		})
	}
}

func TestMQTTClientAgainstPublicBroker(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping broker test in short mode")
	}
	if !isMosquittoTestServerAvailable() {
		t.Skip("Skipping MQTT tests: test.mosquitto.org is not available")
	}

	c, m := createTestClient(t, testBroker)
	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	defer cancel()

	require.NoError(t, c.Connect(ctx))
	require.True(t, c.IsConnected())
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.ConnectionStatus), 1e-9)

	require.NoError(t, c.Publish(ctx, "statesync-test/player/1", []byte(`{"kind":"snapshot"}`), false))

	c.Disconnect()
	assert.False(t, c.IsConnected())
	assert.InDelta(t, 0.0, testutil.ToFloat64(m.ConnectionStatus), 1e-9)
}
