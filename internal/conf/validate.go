// conf/validate.go
package conf

import (
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"

	"github.com/tphakala/statesync/internal/errors"
)

// Source types understood by the producer
const (
	SourceTone    = "tone"
	SourceWAV     = "wav"
	SourceCapture = "capture"
)

var validLogLevels = []string{"trace", "debug", "info", "warn", "warning", "error"}

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	for _, validate := range []func(*Settings) error{
		validateLoggingSettings,
		validateServerSettings,
		validateClientSettings,
		validateProducerSettings,
		validateWatchSettings,
		validateMQTTSettings,
		validateTelemetrySettings,
		validateSentrySettings,
	} {
		if err := validate(settings); err != nil {
			ve.Errors = append(ve.Errors, err.Error())
		}
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

// joinErrors builds one configuration error out of the collected problems
func joinErrors(section string, errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Newf("%s settings: %s", section, strings.Join(errs, "; ")).
		Component("conf").
		Category(errors.CategoryConfiguration).
		Context("section", section).
		Build()
}

func validateLoggingSettings(s *Settings) error {
	var errs []string
	check := func(key, level string) {
		if level != "" && !isValidLogLevel(level) {
			errs = append(errs, fmt.Sprintf("invalid log level %q for %s", level, key))
		}
	}
	check("defaultlevel", s.Logging.DefaultLevel)
	if s.Logging.Console != nil {
		check("console", s.Logging.Console.Level)
	}
	if s.Logging.FileOutput != nil {
		check("fileoutput", s.Logging.FileOutput.Level)
		if s.Logging.FileOutput.Enabled && s.Logging.FileOutput.Path == "" {
			errs = append(errs, "fileoutput path is required when file output is enabled")
		}
	}
	for module, level := range s.Logging.ModuleLevels {
		check("module "+module, level)
	}
	return joinErrors("logging", errs)
}

func isValidLogLevel(level string) bool {
	return slices.Contains(validLogLevels, strings.ToLower(level))
}

func validateServerSettings(s *Settings) error {
	var errs []string
	srv := &s.Server

	if _, _, err := net.SplitHostPort(srv.Listen); err != nil {
		errs = append(errs, fmt.Sprintf("listen address %q must be host:port", srv.Listen))
	}
	if !strings.HasPrefix(srv.Path, "/") {
		errs = append(errs, fmt.Sprintf("path %q must start with /", srv.Path))
	}
	if srv.QueueSize <= 0 {
		errs = append(errs, fmt.Sprintf("queuesize must be positive, got %d", srv.QueueSize))
	}
	if srv.ObserverQueueSize <= 0 {
		errs = append(errs, fmt.Sprintf("observerqueuesize must be positive, got %d", srv.ObserverQueueSize))
	}
	if srv.SendQueueSize <= 0 {
		errs = append(errs, fmt.Sprintf("sendqueuesize must be positive, got %d", srv.SendQueueSize))
	}
	if srv.TombstoneTTL < 0 {
		errs = append(errs, "tombstonettl must not be negative")
	}
	if srv.WriteTimeout <= 0 {
		errs = append(errs, "writetimeout must be positive")
	}
	if srv.PongWait <= 0 {
		errs = append(errs, "pongwait must be positive")
	}
	if srv.MaxMessageSize <= 0 {
		errs = append(errs, fmt.Sprintf("maxmessagesize must be positive, got %d", srv.MaxMessageSize))
	}
	return joinErrors("server", errs)
}

func validateClientSettings(s *Settings) error {
	var errs []string
	c := &s.Client

	u, err := url.Parse(c.URL)
	switch {
	case err != nil:
		errs = append(errs, fmt.Sprintf("invalid url %q: %v", c.URL, err))
	case u.Scheme != "ws" && u.Scheme != "wss":
		errs = append(errs, fmt.Sprintf("url %q must use ws or wss", c.URL))
	case u.Host == "":
		errs = append(errs, fmt.Sprintf("url %q has no host", c.URL))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, "requesttimeout must be positive")
	}
	if c.ReconnectDelay <= 0 {
		errs = append(errs, "reconnectdelay must be positive")
	}
	if c.MaxReconnectDelay < c.ReconnectDelay {
		errs = append(errs, "maxreconnectdelay must not be below reconnectdelay")
	}
	if c.MirrorQueueSize <= 0 {
		errs = append(errs, fmt.Sprintf("mirrorqueuesize must be positive, got %d", c.MirrorQueueSize))
	}
	return joinErrors("client", errs)
}

func validateProducerSettings(s *Settings) error {
	var errs []string
	p := &s.Producer

	if p.SampleRate <= 0 {
		errs = append(errs, fmt.Sprintf("samplerate must be positive, got %d", p.SampleRate))
	}
	if p.BlockSize <= 0 {
		errs = append(errs, fmt.Sprintf("blocksize must be positive, got %d", p.BlockSize))
	}
	if p.BufferDepth < 0 {
		errs = append(errs, fmt.Sprintf("bufferdepth must not be negative, got %d", p.BufferDepth))
	}
	if p.SampleRate > 0 && p.BlockSize > 0 {
		// the sample buffer must hold at least one full cycle
		depth := max(p.BufferDepth, 1)
		if p.BufferSeconds*float64(p.SampleRate) < float64(depth*p.BlockSize) {
			errs = append(errs, fmt.Sprintf("bufferseconds %.3f cannot hold one cycle of %d samples",
				p.BufferSeconds, depth*p.BlockSize))
		}
	}

	switch p.Source.Type {
	case SourceTone:
		if p.Source.Frequency <= 0 || (p.SampleRate > 0 && p.Source.Frequency >= float64(p.SampleRate)/2) {
			errs = append(errs, fmt.Sprintf("tone frequency %.1f must be between 0 and the Nyquist frequency", p.Source.Frequency))
		}
		if p.Source.Amplitude <= 0 || p.Source.Amplitude > 1 {
			errs = append(errs, fmt.Sprintf("tone amplitude %.2f must be in (0, 1]", p.Source.Amplitude))
		}
	case SourceWAV:
		if p.Source.File == "" {
			errs = append(errs, "source file is required for wav source")
		}
	case SourceCapture:
	default:
		errs = append(errs, fmt.Sprintf("unknown source type %q, expected tone, wav or capture", p.Source.Type))
	}
	return joinErrors("producer", errs)
}

func validateWatchSettings(s *Settings) error {
	if s.Watch.Width < 10 {
		return joinErrors("watch", []string{fmt.Sprintf("width must be at least 10, got %d", s.Watch.Width)})
	}
	return nil
}

func validateMQTTSettings(s *Settings) error {
	if !s.MQTT.Enabled {
		return nil
	}
	var errs []string

	u, err := url.Parse(s.MQTT.Broker)
	switch {
	case s.MQTT.Broker == "":
		errs = append(errs, "broker is required when mqtt is enabled")
	case err != nil:
		errs = append(errs, fmt.Sprintf("invalid broker %q: %v", s.MQTT.Broker, err))
	default:
		switch u.Scheme {
		case "tcp", "ssl", "tls", "mqtt", "mqtts", "ws", "wss":
		default:
			errs = append(errs, fmt.Sprintf("broker %q has unsupported scheme %q", s.MQTT.Broker, u.Scheme))
		}
	}
	if s.MQTT.Topic == "" {
		errs = append(errs, "topic is required when mqtt is enabled")
	}
	if strings.ContainsAny(s.MQTT.Topic, "+#") {
		errs = append(errs, fmt.Sprintf("topic %q must not contain wildcards", s.MQTT.Topic))
	}
	return joinErrors("mqtt", errs)
}

func validateTelemetrySettings(s *Settings) error {
	if !s.Telemetry.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(s.Telemetry.Listen); err != nil {
		return joinErrors("telemetry", []string{fmt.Sprintf("listen address %q must be host:port", s.Telemetry.Listen)})
	}
	return nil
}

func validateSentrySettings(s *Settings) error {
	if s.Sentry.Enabled && s.Sentry.DSN == "" {
		return joinErrors("sentry", []string{"dsn is required when sentry is enabled"})
	}
	return nil
}
