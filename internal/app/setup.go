// Package app runs the serve, produce and watch commands: it wires the
// configured settings into the state store, transport, client, producer and
// renderer and keeps them running until the context is cancelled.
package app

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/tphakala/statesync/internal/buildinfo"
	"github.com/tphakala/statesync/internal/conf"
	"github.com/tphakala/statesync/internal/errors"
	"github.com/tphakala/statesync/internal/logger"
	"github.com/tphakala/statesync/internal/observability"
)

const sentryFlushTimeout = 2 * time.Second

// Runtime holds the process wide services shared by every command
type Runtime struct {
	Settings *conf.Settings
	Build    *buildinfo.Context
	Metrics  *observability.Metrics

	central *logger.CentralLogger
	sentry  bool
}

// Setup installs the global logger, optional Sentry reporting and a metrics
// registry for settings. Close releases them.
func Setup(settings *conf.Settings, build *buildinfo.Context) (*Runtime, error) {
	logCfg := settings.Logging
	logCfg.DefaultLevel = settings.LogLevel()
	central, err := logger.NewCentralLogger(&logCfg)
	if err != nil {
		return nil, errors.New(err).
			Component("app").
			Category(errors.CategoryConfiguration).
			Context("section", "logging").
			Build()
	}
	logger.SetGlobal(central)

	m, err := observability.NewMetrics()
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		Settings: settings,
		Build:    build,
		Metrics:  m,
		central:  central,
	}

	if settings.Sentry.Enabled {
		if err := errors.InitSentry(settings.Sentry.DSN, build.GetVersion(), settings.Sentry.Environment); err != nil {
			rt.Logger("app").Warn("error reporting disabled", logger.Error(err))
		} else {
			rt.sentry = true
		}
	}

	return rt, nil
}

// Logger returns the module logger for name
func (rt *Runtime) Logger(name string) logger.Logger {
	return rt.central.Module(name)
}

// LogStartup prints the build and host details once per process
func (rt *Runtime) LogStartup(ctx context.Context, command string) {
	log := rt.Logger("app")
	fields := []logger.Field{
		logger.String("command", command),
		logger.String("version", rt.Build.GetVersion()),
		logger.String("build_date", rt.Build.GetBuildDate()),
		logger.String("instance_id", rt.Build.GetInstanceID()),
		logger.String("node", rt.Settings.Main.Name),
		logger.String("arch", runtime.GOARCH),
	}
	if info, err := host.InfoWithContext(ctx); err == nil {
		fields = append(fields,
			logger.String("os", info.OS),
			logger.String("platform", info.Platform),
			logger.String("platform_version", info.PlatformVersion))
	} else {
		log.Debug("host details unavailable", logger.Error(err))
	}
	if rt.Settings.ConfigFile != "" {
		fields = append(fields, logger.String("config_file", rt.Settings.ConfigFile))
	}
	log.Info("statesync starting", fields...)
}

// Close flushes pending error reports and log output
func (rt *Runtime) Close() {
	if rt.sentry {
		errors.FlushSentry(sentryFlushTimeout)
	}
	_ = rt.central.Flush()
}

// Run sets up a runtime for settings, runs fn with it and releases it
func Run(ctx context.Context, settings *conf.Settings, build *buildinfo.Context, fn func(context.Context, *Runtime) error) error {
	rt, err := Setup(settings, build)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := fn(ctx, rt); err != nil {
		rt.Logger("app").Error("command failed", logger.Error(err))
		return err
	}
	return nil
}
