// Package conf loads statesync settings from config.yaml, environment
// variables and defaults.
package conf

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/statesync/internal/errors"
	"github.com/tphakala/statesync/internal/logger"
	"github.com/tphakala/statesync/internal/schema"
)

//go:embed config.yaml
var configFiles embed.FS

// EnvPrefix prefixes every environment variable read by Load
const EnvPrefix = "STATESYNC"

// MainSettings contains the general settings
type MainSettings struct {
	Name  string // node name, used in logs and as MQTT client id fallback
	Debug bool   // true to enable debug logging everywhere
}

// ServerSettings configures the state server
type ServerSettings struct {
	Listen            string        // websocket/http listen address
	Path              string        // websocket path
	QueueSize         int           // per-attachment event queue
	ObserverQueueSize int           // per-observer discovery queue
	SendQueueSize     int           // per-connection outbound frame queue
	TombstoneTTL      time.Duration // how long deleted ids report their cause
	WriteTimeout      time.Duration // websocket write deadline
	PongWait          time.Duration // websocket read deadline without a pong
	MaxMessageSize    int64         // largest accepted inbound frame
}

// ClientSettings configures connections to a state server
type ClientSettings struct {
	URL               string        // websocket URL, ws:// or wss://
	RequestTimeout    time.Duration // per request acknowledgement timeout
	ReconnectDelay    time.Duration // first reconnect delay after connection loss
	MaxReconnectDelay time.Duration // reconnect backoff ceiling
	MirrorQueueSize   int           // per-mirror event queue
}

// SourceSettings selects the audio source of the producer
type SourceSettings struct {
	Type      string  // tone, wav or capture
	File      string  // wav file path
	Loop      bool    // restart the wav file at its end
	Device    string  // capture device name or id, empty for default
	Frequency float64 // tone frequency in Hz
	Amplitude float64 // tone amplitude, 0..1
}

// ProducerSettings configures the envelope producer
type ProducerSettings struct {
	Name          string  // value of the name field of the published instance
	SampleRate    int     // samples per second
	BlockSize     int     // samples per envelope block
	BufferDepth   int     // blocks lagged behind the write head
	BufferSeconds float64 // sample buffer capacity
	PublishRMS    bool    // publish one rms update per cycle
	Source        SourceSettings
}

// WatchSettings configures the consumer
type WatchSettings struct {
	Name     string // only attach to instances whose name field equals this
	Announce bool   // also create a player instance for this consumer
	Width    int    // renderer line width
}

// MQTTSettings configures the MQTT bridge
type MQTTSettings struct {
	Enabled  bool     // true to bridge state to MQTT
	Broker   string   // MQTT broker URL
	ClientID string   // client id, defaults to main.name
	Username string   // MQTT username
	Password string   // MQTT password
	Topic    string   // topic prefix
	Schemas  []string // schemas to bridge, empty for all
	Retain   bool     // retain the latest message of every instance
}

// TelemetrySettings configures the Prometheus endpoint
type TelemetrySettings struct {
	Enabled bool   // true to serve metrics on a dedicated listener
	Listen  string // metrics listen address
}

// SentrySettings configures error reporting
type SentrySettings struct {
	Enabled     bool   // true to report errors to Sentry
	DSN         string // Sentry DSN
	Environment string // reported environment name
}

// Settings contains all configuration options
type Settings struct {
	Main      MainSettings
	Logging   logger.LoggingConfig
	Server    ServerSettings
	Client    ClientSettings
	Producer  ProducerSettings
	Watch     WatchSettings
	MQTT      MQTTSettings
	Telemetry TelemetrySettings
	Sentry    SentrySettings

	// SchemaFile is an extra YAML file with a top level schemas key
	SchemaFile string

	// Schemas holds the inline schema definitions of the config file. They
	// are parsed separately because viper lowercases map keys.
	Schemas schema.Definitions `mapstructure:"-"`

	// ConfigFile is the path the settings were read from, empty when only
	// defaults and environment were used
	ConfigFile string `mapstructure:"-"`
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads configFile, or config.yaml from the default search paths when
// configFile is empty, overlays STATESYNC_ environment variables and
// validates the result. A missing default config is created from the
// embedded template.
func Load(configFile string) (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	v, err := initViper(configFile)
	if err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}
	settings.ConfigFile = v.ConfigFileUsed()

	if settings.ConfigFile != "" {
		defs, err := readInlineSchemas(settings.ConfigFile)
		if err != nil {
			return nil, err
		}
		settings.Schemas = defs
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// initViper sets defaults, environment bindings and reads the config file
func initViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaultConfig(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindEnvVars(v); err != nil {
		GetLogger().Warn("environment configuration problems", logger.Error(err))
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.New(fmt.Errorf("fatal error reading config file: %w", err)).
				Component("conf").
				Category(errors.CategoryConfiguration).
				Context("path", configFile).
				Build()
		}
		return v, nil
	}

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return nil, fmt.Errorf("error getting default config paths: %w", err)
	}
	v.SetConfigName("config")
	v.AddConfigPath(".")
	for _, path := range configPaths {
		v.AddConfigPath(path)
	}

	err = v.ReadInConfig()
	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			return v, createDefaultConfig(v, configPaths[0])
		}
		return nil, fmt.Errorf("fatal error reading config file: %w", err)
	}
	return v, nil
}

// createDefaultConfig writes the embedded config.yaml to dir and reads it
func createDefaultConfig(v *viper.Viper, dir string) error {
	configPath := filepath.Join(dir, "config.yaml")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.New(fmt.Errorf("error creating directories for config file: %w", err)).
			Component("conf").
			Category(errors.CategoryFileIO).
			Context("path", dir).
			Build()
	}
	if err := os.WriteFile(configPath, []byte(getDefaultConfig()), 0o644); err != nil {
		return errors.New(fmt.Errorf("error writing default config file: %w", err)).
			Component("conf").
			Category(errors.CategoryFileIO).
			Context("path", configPath).
			Build()
	}

	GetLogger().Info("created default config file", logger.String("path", configPath))
	v.SetConfigFile(configPath)
	return v.ReadInConfig()
}

// getDefaultConfig returns the embedded config.yaml
func getDefaultConfig() string {
	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		panic(fmt.Sprintf("embedded config.yaml: %v", err))
	}
	return string(data)
}

// readInlineSchemas parses the schemas section of a config file,
// preserving the case of field names
func readInlineSchemas(path string) (schema.Definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(fmt.Errorf("read config file: %w", err)).
			Component("conf").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	var doc struct {
		Schemas schema.Definitions `yaml:"schemas"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.New(fmt.Errorf("parse schemas in %s: %w", path, err)).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return doc.Schemas, nil
}

// GetSettings returns the settings of the last successful Load
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// BuildRegistry returns a registry holding the built-in player schema, the
// inline schemas and the schemas of SchemaFile. An inline player definition
// replaces the built-in one.
func (s *Settings) BuildRegistry(log logger.Logger) (*schema.Registry, error) {
	registry := schema.NewRegistry(log)

	if _, ok := s.Schemas[schema.PlayerSchemaName]; !ok {
		if err := registry.Register(schema.PlayerSchemaName, schema.PlayerSchema()); err != nil {
			return nil, err
		}
	}
	if err := registry.RegisterAll(s.Schemas); err != nil {
		return nil, err
	}
	if s.SchemaFile != "" {
		if err := registry.LoadFile(s.SchemaFile); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// LogLevel returns the effective default log level
func (s *Settings) LogLevel() string {
	if s.Main.Debug {
		return "debug"
	}
	if s.Logging.DefaultLevel == "" {
		return logger.DefaultLogLevel
	}
	return s.Logging.DefaultLevel
}
