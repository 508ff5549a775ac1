package observability

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/statesync/internal/logger"
)

// NewMetrics uses a private registry, so concurrent construction must not collide
func TestNewMetricsConcurrency(t *testing.T) {
	const numGoroutines = 20

	var wg sync.WaitGroup
	for range numGoroutines {
		wg.Go(func() {
			m, err := NewMetrics()
			if !assert.NoError(t, err) {
				return
			}
			assert.NotNil(t, m.State)
			assert.NotNil(t, m.Producer)
			assert.NotNil(t, m.Transport)
			assert.NotNil(t, m.MQTT)
		})
	}
	wg.Wait()
}

func TestMetricsHandlerExposesStateMetrics(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)

	m.State.InstanceCreated("player")
	m.Producer.SamplesWritten(128)

	mux := http.NewServeMux()
	m.RegisterHandlers(mux, logger.NewDiscardLogger())

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `statesync_instances{schema="player"} 1`)
	assert.Contains(t, body, "statesync_producer_samples_written_total 128")
	assert.Contains(t, body, "go_goroutines")
}

func TestNewEndpointValidation(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)

	_, err = NewEndpoint("", m, nil)
	require.Error(t, err)
	_, err = NewEndpoint(":0", nil, nil)
	require.Error(t, err)

	e, err := NewEndpoint("127.0.0.1:0", m, logger.NewDiscardLogger())
	require.NoError(t, err)
	assert.NotNil(t, e)
}
