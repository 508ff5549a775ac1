// env.go - Environment variable configuration and validation
package conf

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// envBinding holds metadata for environment variable bindings (internal use)
type envBinding struct {
	ConfigKey string             // Viper config key
	EnvVar    string             // Environment variable name
	Validate  func(string) error // Optional validation function
}

// getEnvBindings returns the environment variables that are validated
// before use. Every other key is still readable as STATESYNC_<SECTION>_<KEY>.
func getEnvBindings() []envBinding {
	return []envBinding{
		{"main.debug", "STATESYNC_MAIN_DEBUG", validateEnvBool},

		{"server.listen", "STATESYNC_SERVER_LISTEN", validateEnvListen},
		{"server.queuesize", "STATESYNC_SERVER_QUEUESIZE", validateEnvPositiveInt},
		{"server.tombstonettl", "STATESYNC_SERVER_TOMBSTONETTL", validateEnvDuration},

		{"client.url", "STATESYNC_CLIENT_URL", validateEnvURL},
		{"client.requesttimeout", "STATESYNC_CLIENT_REQUESTTIMEOUT", validateEnvDuration},

		{"producer.samplerate", "STATESYNC_PRODUCER_SAMPLERATE", validateEnvPositiveInt},
		{"producer.blocksize", "STATESYNC_PRODUCER_BLOCKSIZE", validateEnvPositiveInt},
		{"producer.bufferdepth", "STATESYNC_PRODUCER_BUFFERDEPTH", validateEnvPositiveInt},
		{"producer.publishrms", "STATESYNC_PRODUCER_PUBLISHRMS", validateEnvBool},

		{"mqtt.enabled", "STATESYNC_MQTT_ENABLED", validateEnvBool},
		{"mqtt.broker", "STATESYNC_MQTT_BROKER", validateEnvURL},
		{"mqtt.username", "STATESYNC_MQTT_USERNAME", nil},
		{"mqtt.password", "STATESYNC_MQTT_PASSWORD", nil},

		{"sentry.enabled", "STATESYNC_SENTRY_ENABLED", validateEnvBool},
		{"sentry.dsn", "STATESYNC_SENTRY_DSN", nil},
	}
}

// bindEnvVars sets up environment variable bindings with validation (internal)
func bindEnvVars(v *viper.Viper) error {
	var warnings []string

	for _, binding := range getEnvBindings() {
		if err := v.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("Failed to bind %s: %v", binding.EnvVar, err))
			continue
		}

		if binding.Validate != nil {
			if envValue := os.Getenv(binding.EnvVar); envValue != "" {
				if err := binding.Validate(envValue); err != nil {
					warnings = append(warnings, fmt.Sprintf("Invalid %s value '%s': %v", binding.EnvVar, envValue, err))
				}
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}
	return nil
}

// validateEnvBool validates boolean environment variables
func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("invalid boolean value '%s': must be true/false, 1/0, t/f, TRUE/FALSE, T/F", value)
	}
	return nil
}

func validateEnvPositiveInt(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid integer: %w", err)
	}
	if n <= 0 {
		return fmt.Errorf("must be positive, got %d", n)
	}
	return nil
}

func validateEnvDuration(value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	if d < 0 {
		return fmt.Errorf("must not be negative, got %s", d)
	}
	return nil
}

func validateEnvListen(value string) error {
	if _, _, err := net.SplitHostPort(value); err != nil {
		return fmt.Errorf("listen address must be host:port: %w", err)
	}
	return nil
}

func validateEnvURL(value string) error {
	u, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("URL must include scheme and host, got '%s'", value)
	}
	return nil
}
