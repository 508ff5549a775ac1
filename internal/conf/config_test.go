package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/statesync/internal/logger"
	"github.com/tphakala/statesync/internal/schema"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "main:\n  name: node-a\n")

	settings, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "node-a", settings.Main.Name)
	assert.Equal(t, path, settings.ConfigFile)
	assert.Equal(t, "127.0.0.1:8420", settings.Server.Listen)
	assert.Equal(t, "/ws", settings.Server.Path)
	assert.Equal(t, 256, settings.Server.QueueSize)
	assert.Equal(t, 10*time.Minute, settings.Server.TombstoneTTL)
	assert.Equal(t, int64(65536), settings.Server.MaxMessageSize)
	assert.Equal(t, 10*time.Second, settings.Client.RequestTimeout)
	assert.Equal(t, "thing", settings.Producer.Name)
	assert.Equal(t, 8, settings.Producer.BufferDepth)
	assert.Equal(t, SourceTone, settings.Producer.Source.Type)
	assert.False(t, settings.Producer.PublishRMS)
	assert.False(t, settings.MQTT.Enabled)
	require.NotNil(t, settings.Logging.Console)
	assert.True(t, settings.Logging.Console.Enabled)
	assert.Empty(t, settings.Schemas)

	assert.Same(t, settings, GetSettings())
}

func TestLoadEmbeddedDefaultIsValid(t *testing.T) {
	path := writeConfig(t, getDefaultConfig())

	settings, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "statesync", settings.Main.Name)
	assert.Equal(t, 60, settings.Watch.Width)
	assert.Equal(t, "statesync", settings.MQTT.Topic)
}

func TestLoadParsesDurationsAndLists(t *testing.T) {
	path := writeConfig(t, `
server:
  tombstonettl: 90s
  writetimeout: 2s
mqtt:
  enabled: true
  broker: tcp://broker.local:1883
  schemas: [player, room]
  retain: true
`)
	settings, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 90*time.Second, settings.Server.TombstoneTTL)
	assert.Equal(t, 2*time.Second, settings.Server.WriteTimeout)
	assert.True(t, settings.MQTT.Enabled)
	assert.Equal(t, []string{"player", "room"}, settings.MQTT.Schemas)
	assert.True(t, settings.MQTT.Retain)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("STATESYNC_SERVER_LISTEN", "0.0.0.0:9000")
	t.Setenv("STATESYNC_PRODUCER_PUBLISHRMS", "true")
	t.Setenv("STATESYNC_MQTT_PASSWORD", "secret")
	t.Setenv("STATESYNC_WATCH_NAME", "other")

	settings, err := Load(writeConfig(t, "server:\n  listen: 127.0.0.1:1\n"))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", settings.Server.Listen)
	assert.True(t, settings.Producer.PublishRMS)
	assert.Equal(t, "secret", settings.MQTT.Password)
	assert.Equal(t, "other", settings.Watch.Name)
}

func TestLoadInlineSchemasPreserveFieldCase(t *testing.T) {
	path := writeConfig(t, `
schemas:
  room:
    roomTitle: { type: string, default: lobby }
    memberCount: { type: integer, default: 0 }
`)
	settings, err := Load(path)
	require.NoError(t, err)

	require.Contains(t, settings.Schemas, "room")
	room := settings.Schemas["room"]
	assert.Contains(t, room, "roomTitle")
	assert.Contains(t, room, "memberCount")
	assert.Equal(t, schema.TypeInteger, room["memberCount"].Type)

	registry, err := settings.BuildRegistry(logger.NewDiscardLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"player", "room"}, registry.Names())

	values, err := registry.ValidateCreate("room", nil)
	require.NoError(t, err)
	assert.Equal(t, "lobby", values["roomTitle"])
}

func TestBuildRegistryInlinePlayerReplacesBuiltin(t *testing.T) {
	settings := &Settings{Schemas: schema.Definitions{
		"player": {"name": {Type: schema.TypeString, Default: "anonymous"}},
	}}
	registry, err := settings.BuildRegistry(logger.NewDiscardLogger())
	require.NoError(t, err)

	s, ok := registry.Get("player")
	require.True(t, ok)
	assert.Len(t, s.Fields, 1)
}

func TestBuildRegistryLoadsSchemaFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "schemas.yaml")
	require.NoError(t, os.WriteFile(file, []byte("schemas:\n  lamp:\n    on: { type: boolean, default: false }\n"), 0o600))

	settings := &Settings{SchemaFile: file}
	registry, err := settings.BuildRegistry(logger.NewDiscardLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"lamp", "player"}, registry.Names())

	settings.SchemaFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = settings.BuildRegistry(logger.NewDiscardLogger())
	require.Error(t, err)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	path := writeConfig(t, `
server:
  path: ws
producer:
  source:
    type: microphone
`)
	_, err := Load(path)
	require.Error(t, err)

	var ve ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Errors, 2)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadCreatesDefaultConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	t.Chdir(t.TempDir())

	paths, err := GetDefaultConfigPaths()
	require.NoError(t, err)
	if _, err := os.Stat(filepath.Join(paths[len(paths)-1], "config.yaml")); err == nil {
		t.Skip("a system wide config exists")
	}

	settings, err := Load("")
	require.NoError(t, err)

	created := filepath.Join(paths[0], "config.yaml")
	assert.FileExists(t, created)
	assert.Equal(t, created, settings.ConfigFile)
	assert.Equal(t, "statesync", settings.Main.Name)
}

func TestLogLevel(t *testing.T) {
	s := &Settings{}
	assert.Equal(t, "info", s.LogLevel())
	s.Logging.DefaultLevel = "warn"
	assert.Equal(t, "warn", s.LogLevel())
	s.Main.Debug = true
	assert.Equal(t, "debug", s.LogLevel())
}
