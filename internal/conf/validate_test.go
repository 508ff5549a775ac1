package conf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/statesync/internal/errors"
	"github.com/tphakala/statesync/internal/logger"
)

// validSettings returns settings matching the defaults in config.yaml
func validSettings() *Settings {
	return &Settings{
		Main: MainSettings{Name: "statesync"},
		Logging: logger.LoggingConfig{
			DefaultLevel: "info",
			Console:      &logger.ConsoleOutput{Enabled: true, Level: "info"},
		},
		Server: ServerSettings{
			Listen:            "127.0.0.1:8420",
			Path:              "/ws",
			QueueSize:         256,
			ObserverQueueSize: 64,
			SendQueueSize:     256,
			TombstoneTTL:      10 * time.Minute,
			WriteTimeout:      10 * time.Second,
			PongWait:          60 * time.Second,
			MaxMessageSize:    65536,
		},
		Client: ClientSettings{
			URL:               "ws://127.0.0.1:8420/ws",
			RequestTimeout:    10 * time.Second,
			ReconnectDelay:    time.Second,
			MaxReconnectDelay: 30 * time.Second,
			MirrorQueueSize:   256,
		},
		Producer: ProducerSettings{
			Name:          "thing",
			SampleRate:    48000,
			BlockSize:     1024,
			BufferDepth:   8,
			BufferSeconds: 2,
			Source:        SourceSettings{Type: SourceTone, Frequency: 440, Amplitude: 0.5},
		},
		Watch:     WatchSettings{Name: "thing", Width: 60},
		MQTT:      MQTTSettings{Broker: "tcp://localhost:1883", Topic: "statesync"},
		Telemetry: TelemetrySettings{Listen: "127.0.0.1:8421"},
	}
}

func TestValidateSettings(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(s *Settings)
		wantErr string
	}{
		{
			name:   "defaults pass",
			modify: func(*Settings) {},
		},
		{
			name:    "invalid log level",
			modify:  func(s *Settings) { s.Logging.DefaultLevel = "loud" },
			wantErr: "logging settings",
		},
		{
			name:    "invalid module log level",
			modify:  func(s *Settings) { s.Logging.ModuleLevels = map[string]string{"state": "chatty"} },
			wantErr: "module state",
		},
		{
			name:    "listen without port",
			modify:  func(s *Settings) { s.Server.Listen = "localhost" },
			wantErr: "server settings",
		},
		{
			name:    "zero queue size",
			modify:  func(s *Settings) { s.Server.QueueSize = 0 },
			wantErr: "queuesize must be positive",
		},
		{
			name:    "http client url",
			modify:  func(s *Settings) { s.Client.URL = "http://localhost/ws" },
			wantErr: "must use ws or wss",
		},
		{
			name:    "reconnect ceiling below delay",
			modify:  func(s *Settings) { s.Client.MaxReconnectDelay = time.Millisecond },
			wantErr: "maxreconnectdelay",
		},
		{
			name:    "buffer smaller than one cycle",
			modify:  func(s *Settings) { s.Producer.BufferSeconds = 0.1 },
			wantErr: "cannot hold one cycle",
		},
		{
			name:    "tone above nyquist",
			modify:  func(s *Settings) { s.Producer.Source.Frequency = 30000 },
			wantErr: "Nyquist",
		},
		{
			name: "wav without file",
			modify: func(s *Settings) {
				s.Producer.Source.Type = SourceWAV
			},
			wantErr: "source file is required",
		},
		{
			name: "capture needs nothing else",
			modify: func(s *Settings) {
				s.Producer.Source = SourceSettings{Type: SourceCapture}
			},
		},
		{
			name:    "unknown source",
			modify:  func(s *Settings) { s.Producer.Source.Type = "mic" },
			wantErr: "unknown source type",
		},
		{
			name:    "narrow renderer",
			modify:  func(s *Settings) { s.Watch.Width = 3 },
			wantErr: "width must be at least 10",
		},
		{
			name: "mqtt disabled ignores broker",
			modify: func(s *Settings) {
				s.MQTT.Broker = ""
			},
		},
		{
			name: "mqtt wildcard topic",
			modify: func(s *Settings) {
				s.MQTT.Enabled = true
				s.MQTT.Topic = "state/#"
			},
			wantErr: "must not contain wildcards",
		},
		{
			name: "mqtt unsupported scheme",
			modify: func(s *Settings) {
				s.MQTT.Enabled = true
				s.MQTT.Broker = "http://broker:1883"
			},
			wantErr: "unsupported scheme",
		},
		{
			name: "telemetry bad listen",
			modify: func(s *Settings) {
				s.Telemetry.Enabled = true
				s.Telemetry.Listen = "nowhere"
			},
			wantErr: "telemetry settings",
		},
		{
			name:    "sentry without dsn",
			modify:  func(s *Settings) { s.Sentry.Enabled = true },
			wantErr: "dsn is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSettings()
			tt.modify(s)
			err := ValidateSettings(s)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateSettingsCollectsEverySection(t *testing.T) {
	s := validSettings()
	s.Server.Path = "ws"
	s.Client.URL = "tcp://x"
	s.Sentry.Enabled = true

	err := ValidateSettings(s)
	var ve ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Errors, 3)
}

func TestSectionErrorsAreConfigurationErrors(t *testing.T) {
	s := validSettings()
	s.Producer.SampleRate = 0
	err := validateProducerSettings(s)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
	v, ok := errors.ContextValue(err, "section")
	require.True(t, ok)
	assert.Equal(t, "producer", v)
}
