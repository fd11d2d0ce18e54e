package bench

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/timzifer/plscan/autorange"
	"github.com/timzifer/plscan/config"
	"github.com/timzifer/plscan/deviceio"
	"github.com/timzifer/plscan/notify"
	"github.com/timzifer/plscan/telemetry"
)

// Option configures the bench during construction.
type Option func(*benchOptions) error

// Devices overrides the drivers built from the configuration. Nil members
// fall back to the configured driver.
type Devices struct {
	Monochromator deviceio.Device
	FilterWheel   deviceio.Device
	Lockin        deviceio.Device
}

type benchOptions struct {
	config            *config.Config
	configPath        string
	logger            zerolog.Logger
	customLogger      bool
	telemetry         telemetry.Collector
	telemetryProvided bool
	sinks             []notify.Sink
	devices           Devices
	sleeper           autorange.Sleeper
}

// WithLogger provides a custom logger instance for the bench.
func WithLogger(logger zerolog.Logger) Option {
	return func(cfg *benchOptions) error {
		if cfg == nil {
			return nil
		}
		cfg.logger = logger
		cfg.customLogger = true
		return nil
	}
}

// WithConfig supplies an already loaded configuration instance.
func WithConfig(cfgData *config.Config) Option {
	return func(cfg *benchOptions) error {
		if cfg == nil {
			return nil
		}
		cfg.config = cfgData
		return nil
	}
}

// WithConfigPath loads the configuration from path and enables Reload and
// hot reloading.
func WithConfigPath(path string) Option {
	return func(cfg *benchOptions) error {
		if cfg == nil {
			return nil
		}
		cfg.configPath = strings.TrimSpace(path)
		return nil
	}
}

// WithTelemetry injects a collector instance overriding the configuration.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(cfg *benchOptions) error {
		if cfg == nil {
			return nil
		}
		if collector == nil {
			collector = telemetry.Noop()
		}
		cfg.telemetry = collector
		cfg.telemetryProvided = true
		return nil
	}
}

// WithNotifier adds notification sinks next to the configured ones.
func WithNotifier(sinks ...notify.Sink) Option {
	return func(cfg *benchOptions) error {
		if cfg == nil {
			return nil
		}
		for _, sink := range sinks {
			if sink != nil {
				cfg.sinks = append(cfg.sinks, sink)
			}
		}
		return nil
	}
}

// WithDevices replaces configured drivers, typically with simulators.
func WithDevices(devices Devices) Option {
	return func(cfg *benchOptions) error {
		if cfg == nil {
			return nil
		}
		cfg.devices = devices
		return nil
	}
}

// WithSleeper replaces the settle and auto-range sleeper.
func WithSleeper(sleep autorange.Sleeper) Option {
	return func(cfg *benchOptions) error {
		if cfg == nil {
			return nil
		}
		cfg.sleeper = sleep
		return nil
	}
}
