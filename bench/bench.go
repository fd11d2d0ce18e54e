// Package bench assembles the instruments, notification sinks, settings
// store and scan controller described by a configuration, and keeps them
// in step with configuration reloads.
package bench

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/timzifer/plscan/bands"
	"github.com/timzifer/plscan/config"
	"github.com/timzifer/plscan/deviceio"
	"github.com/timzifer/plscan/instruments"
	"github.com/timzifer/plscan/internal/logging"
	"github.com/timzifer/plscan/internal/reload"
	"github.com/timzifer/plscan/notify"
	"github.com/timzifer/plscan/notify/influxsink"
	"github.com/timzifer/plscan/notify/mqttsink"
	"github.com/timzifer/plscan/runtime/bus"
	"github.com/timzifer/plscan/scan"
	"github.com/timzifer/plscan/settings"
	"github.com/timzifer/plscan/spectrum"
	"github.com/timzifer/plscan/telemetry"
)

const reloadInterval = time.Second

// Bench owns every long lived component of a running instrument bench.
type Bench struct {
	mu sync.Mutex

	config     *config.Config
	configPath string

	logger    zerolog.Logger
	cleanup   func()
	collector telemetry.Collector

	hub          *notify.Hub
	store        *settings.Store
	buses        []*bus.Bus
	spectrometer *instruments.Spectrometer
	lockin       *instruments.Lockin
	controller   *scan.Controller
	columns      []spectrum.Column
	response     *spectrum.SystemResponse
	watcher      *reload.Watcher

	closeOnce sync.Once
	closeErr  error
}

// New builds a bench from the supplied options. Devices are created but not
// opened; call Initialize before scanning.
func New(ctx context.Context, opts ...Option) (*Bench, error) {
	if ctx != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cfg := benchOptions{
		logger:    zerolog.Nop(),
		telemetry: telemetry.Noop(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if cfg.config == nil {
		if cfg.configPath == "" {
			return nil, errors.New("configuration path required")
		}
		loaded, err := config.Load(cfg.configPath)
		if err != nil {
			return nil, fmt.Errorf("load configuration: %w", err)
		}
		cfg.config = loaded
	}

	b := &Bench{config: cfg.config, configPath: cfg.configPath, cleanup: func() {}}
	if cfg.customLogger {
		b.logger = cfg.logger
	} else {
		logger, cleanup, err := logging.Setup(cfg.config.Logging)
		if err != nil {
			return nil, err
		}
		b.logger = logger
		b.cleanup = cleanup
		log.Logger = logger
	}
	b.logger = b.logger.With().Str("bench", cfg.config.Name).Logger()

	b.collector = cfg.telemetry
	if !cfg.telemetryProvided {
		collector, err := newTelemetryCollector(cfg.config.Telemetry)
		if err != nil {
			b.logger.Warn().Err(err).Msg("telemetry disabled")
			collector = telemetry.Noop()
		}
		b.collector = collector
	}

	if err := b.build(ctx, cfg); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bench) build(ctx context.Context, opts benchOptions) error {
	cfg := b.config

	store, err := settings.Open(cfg.Settings.Path)
	if err != nil {
		return err
	}
	b.store = store

	b.hub = notify.NewHub(b.logger, opts.sinks...)
	b.addConfiguredSinks(cfg.Notify)

	devices, err := buildDevices(cfg.Devices, opts.devices, b.logger)
	if err != nil {
		return err
	}
	newBus := func(d deviceio.Device) *bus.Bus {
		bb := bus.New(d,
			bus.WithLogger(b.logger),
			bus.WithEmitter(b.hub),
			bus.WithTelemetry(b.collector),
			bus.WithCommandTimeout(cfg.Devices.CommandTimeout.Duration))
		b.buses = append(b.buses, bb)
		return bb
	}
	monoBus := newBus(devices.Monochromator)
	wheelBus := newBus(devices.FilterWheel)
	lockinBus := newBus(devices.Lockin)
	b.spectrometer = instruments.NewSpectrometer(monoBus, wheelBus)
	b.lockin = instruments.NewLockin(lockinBus)

	table, err := b.bandTable(ctx, cfg)
	if err != nil {
		return err
	}
	lockinSettings, err := b.lockinSettings(ctx, cfg.Lockin)
	if err != nil {
		return err
	}
	entrance, exit, err := b.mirrors(ctx, cfg.Mirrors)
	if err != nil {
		return err
	}
	columns, err := compileColumns(cfg.Export)
	if err != nil {
		return err
	}
	b.columns = columns

	scanOpts := []scan.Option{
		scan.WithLogger(b.logger),
		scan.WithEmitter(b.hub),
		scan.WithTelemetry(b.collector),
		scan.WithResolver(bands.NewResolver(table)),
		scan.WithLockinSettings(lockinSettings),
		scan.WithMirrors(entrance, exit),
		scan.WithCapacity(cfg.Scan.Capacity),
	}
	if opts.sleeper != nil {
		scanOpts = append(scanOpts, scan.WithSleeper(opts.sleeper))
	}
	b.controller = scan.New(b.spectrometer, b.lockin, scanOpts...)
	b.loadResponse(ctx, cfg.Scan.SystemResponse)

	if b.configPath != "" && cfg.HotReload {
		watcher, err := reload.NewWatcher(cfg, b.responseSource())
		if err != nil {
			return err
		}
		b.watcher = watcher
	}
	return nil
}

// addConfiguredSinks attaches the sinks enabled in cfg. A sink that cannot
// connect is logged and skipped so the bench still runs without it.
func (b *Bench) addConfiguredSinks(cfg config.NotifyConfig) {
	if cfg.Log {
		b.hub.AddSink(notify.LogSink{Logger: b.logger.With().Str("component", "events").Logger()})
	}
	if cfg.MQTT.Enabled {
		sink, err := mqttsink.New(cfg.MQTT, b.logger)
		if err != nil {
			b.logger.Error().Err(err).Msg("mqtt notifications disabled")
		} else {
			b.hub.AddSink(sink)
		}
	}
	if cfg.Influx.Enabled {
		sink, err := influxsink.New(cfg.Influx, b.logger)
		if err != nil {
			b.logger.Error().Err(err).Msg("influxdb notifications disabled")
		} else {
			b.hub.AddSink(sink)
		}
	}
}

// bandTable prefers the configured table over the stored one.
func (b *Bench) bandTable(ctx context.Context, cfg *config.Config) (*bands.Table, error) {
	table, err := cfg.BandTable()
	if err != nil {
		return nil, err
	}
	if table != nil {
		return table, nil
	}
	return b.store.LoadConfig(ctx)
}

func (b *Bench) lockinSettings(ctx context.Context, cfg config.LockinConfig) (instruments.LockinSettings, error) {
	out, err := b.store.LoadLockin(ctx)
	if err != nil {
		return out, err
	}
	if cfg.TimeConstantIndex != nil {
		out.TimeConstantIndex = *cfg.TimeConstantIndex
	}
	if cfg.ReserveMode != nil {
		out.ReserveMode = *cfg.ReserveMode
	}
	if cfg.InputLineFilter != nil {
		out.InputLineFilter = *cfg.InputLineFilter
	}
	return out, nil
}

// mirrors resolves the diverter positions and records them in the store.
func (b *Bench) mirrors(ctx context.Context, cfg config.MirrorsConfig) (float64, float64, error) {
	entrance, exit, err := b.store.LoadMirrors(ctx)
	if err != nil {
		return 0, 0, err
	}
	if cfg.Entrance != "" {
		if entrance, err = deviceio.ParseMirror(cfg.Entrance); err != nil {
			return 0, 0, err
		}
	}
	if cfg.Exit != "" {
		if exit, err = deviceio.ParseMirror(cfg.Exit); err != nil {
			return 0, 0, err
		}
	}
	if err := b.store.SaveMirrors(ctx, entrance, exit); err != nil {
		return 0, 0, err
	}
	return entrance, exit, nil
}

func compileColumns(cfg config.ExportConfig) ([]spectrum.Column, error) {
	columns := spectrum.DefaultColumns()
	for _, c := range cfg.Columns {
		col, err := spectrum.CompileColumn(c.Name, c.Expression)
		if err != nil {
			return nil, err
		}
		columns = append(columns, col)
	}
	return columns, nil
}

// loadResponse loads the system response from path, or from the stored
// path when path is empty. A missing or unreadable file only disables
// normalisation.
func (b *Bench) loadResponse(ctx context.Context, path string) {
	if path == "" {
		stored, err := b.store.SystemResponsePath(ctx)
		if err != nil {
			b.logger.Warn().Err(err).Msg("reading stored system response path")
			return
		}
		path = stored
	}
	if path == "" {
		return
	}
	if err := b.LoadSystemResponse(ctx, path); err != nil {
		b.logger.Warn().Err(err).Str("path", path).Msg("system response unavailable, spectra stay unnormalised")
		b.hub.Emit(notify.Event{Kind: notify.KindWarning, Text: "system response unavailable", Error: err.Error()})
	}
}

// Initialize opens every device on its own worker. All devices are tried;
// the returned error combines the failures.
func (b *Bench) Initialize(ctx context.Context) error {
	b.mu.Lock()
	buses := append([]*bus.Bus(nil), b.buses...)
	b.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, bb := range buses {
		wg.Add(1)
		go func(bb *bus.Bus) {
			defer wg.Done()
			if err := bb.Initialize(ctx); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}(bb)
	}
	wg.Wait()
	if errs == nil {
		b.logger.Info().Int("devices", len(buses)).Msg("bench initialized")
	}
	return errs
}

// Config returns the active configuration.
func (b *Bench) Config() *config.Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.config
}

// Logger returns the bench logger.
func (b *Bench) Logger() zerolog.Logger { return b.logger }

// Controller returns the scan controller.
func (b *Bench) Controller() *scan.Controller { return b.controller }

// Hub returns the notification hub.
func (b *Bench) Hub() *notify.Hub { return b.hub }

// Settings returns the settings store.
func (b *Bench) Settings() *settings.Store { return b.store }

// Spectrometer returns the monochromator and filter wheel pair.
func (b *Bench) Spectrometer() *instruments.Spectrometer { return b.spectrometer }

// Lockin returns the lock-in amplifier.
func (b *Bench) Lockin() *instruments.Lockin { return b.lockin }

// Columns returns the derived export columns.
func (b *Bench) Columns() []spectrum.Column {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]spectrum.Column(nil), b.columns...)
}

// DefaultRequest returns the scan offered when the caller supplies none.
// Configured values win over stored ones.
func (b *Bench) DefaultRequest(ctx context.Context) (scan.Request, error) {
	d, err := b.store.LoadScanDefaults(ctx)
	if err != nil {
		return scan.Request{}, err
	}
	s := b.Config().Scan
	if s.Start != 0 {
		d.Start = s.Start
	}
	if s.Stop != 0 {
		d.Stop = s.Stop
	}
	if s.Step != 0 {
		d.Step = s.Step
	}
	if s.Delay.Duration > 0 {
		d.Delay = s.Delay.Duration
	}
	return scan.Request{Start: d.Start, Stop: d.Stop, Step: d.Step, Delay: d.Delay}, nil
}

// StartScan validates and starts req, remembering it as the next default.
func (b *Bench) StartScan(ctx context.Context, req scan.Request) (string, error) {
	id, err := b.controller.Start(ctx, req)
	if err != nil {
		return "", err
	}
	if err := b.store.SaveScanDefaults(ctx, settings.ScanDefaults(req)); err != nil {
		b.logger.Warn().Err(err).Msg("saving scan defaults")
	}
	return id, nil
}

// SetBands stores table and makes it the active band table.
func (b *Bench) SetBands(ctx context.Context, table *bands.Table) error {
	if table == nil {
		return &bands.InvalidConfigurationError{Reason: "no band table"}
	}
	if err := b.store.SaveConfig(ctx, table); err != nil {
		return err
	}
	b.controller.Resolver().Replace(table)
	return nil
}

// LoadSystemResponse activates the response in path and stores the path.
func (b *Bench) LoadSystemResponse(ctx context.Context, path string) error {
	resp, err := spectrum.LoadSystemResponse(path)
	if err != nil {
		return err
	}
	b.controller.SetResponse(resp)
	b.mu.Lock()
	b.response = resp
	b.mu.Unlock()
	if err := b.store.SetSystemResponsePath(ctx, path); err != nil {
		return err
	}
	b.logger.Info().Str("path", path).Msg("system response loaded")
	return nil
}

func (b *Bench) responseSource() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.response == nil {
		return ""
	}
	return b.response.Source()
}

// Export writes the current spectrum with the configured derived columns.
func (b *Bench) Export(w io.Writer) error {
	s := b.controller.Spectrum()
	if s == nil {
		return errors.New("no spectrum recorded")
	}
	return spectrum.Write(w, s, b.Columns()...)
}

// Reload loads the configuration from the configured path and applies it.
func (b *Bench) Reload(ctx context.Context) error {
	if b.configPath == "" {
		return errors.New("reload not supported without configuration path")
	}
	cfg, err := config.Load(b.configPath)
	if err != nil {
		return err
	}
	return b.Apply(ctx, cfg)
}

// Apply switches to cfg. Bands, lock-in settings, mirrors, the system
// response and export columns take effect for the next scan. Device and
// sink changes need a restart and are only reported.
func (b *Bench) Apply(ctx context.Context, cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	columns, err := compileColumns(cfg.Export)
	if err != nil {
		return err
	}
	table, err := cfg.BandTable()
	if err != nil {
		return err
	}
	lockinSettings, err := b.lockinSettings(ctx, cfg.Lockin)
	if err != nil {
		return err
	}
	entrance, exit, err := b.mirrors(ctx, cfg.Mirrors)
	if err != nil {
		return err
	}

	b.mu.Lock()
	old := b.config
	b.config = cfg
	b.columns = columns
	b.mu.Unlock()

	if table != nil {
		b.controller.Resolver().Replace(table)
	}
	b.controller.SetLockinSettings(lockinSettings)
	b.controller.SetMirrors(entrance, exit)
	if cfg.Scan.SystemResponse != "" {
		b.loadResponse(ctx, cfg.Scan.SystemResponse)
	}
	if !reflect.DeepEqual(old.Devices, cfg.Devices) {
		b.logger.Warn().Msg("device configuration changed; restart to apply")
	}
	if !reflect.DeepEqual(old.Notify, cfg.Notify) {
		b.logger.Warn().Msg("notification configuration changed; restart to apply")
	}
	if b.watcher != nil {
		if err := b.watcher.Update(cfg, b.responseSource()); err != nil {
			b.logger.Error().Err(err).Msg("failed to update configuration watcher")
		}
	}
	b.logger.Info().Msg("configuration applied")
	return nil
}

// Run watches the configuration sources until ctx ends, applying changes
// when hot reload is enabled.
func (b *Bench) Run(ctx context.Context) error {
	var ticker *time.Ticker
	if b.watcher != nil {
		ticker = time.NewTicker(reloadInterval)
		defer ticker.Stop()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tickChannel(ticker):
			changes, err := b.watcher.Check()
			if err != nil {
				b.logger.Error().Err(err).Msg("failed to check configuration changes")
				continue
			}
			if len(changes) == 0 {
				continue
			}
			if err := b.Reload(ctx); err != nil {
				b.logger.Error().Err(err).Strs("files", changes).Msg("failed to reload configuration")
				// avoid retrying the same broken content every tick
				if err := b.watcher.Update(b.Config(), b.responseSource()); err != nil {
					b.logger.Error().Err(err).Msg("failed to update configuration watcher")
				}
				continue
			}
			for _, file := range changes {
				b.collector.IncHotReload(file)
			}
		}
	}
}

// Close aborts a running scan and releases devices, sinks and the store.
func (b *Bench) Close() error {
	b.closeOnce.Do(func() {
		var err error
		if b.controller != nil {
			err = multierr.Append(err, b.controller.Close())
		}
		for i := len(b.buses) - 1; i >= 0; i-- {
			err = multierr.Append(err, b.buses[i].Close())
		}
		if b.hub != nil {
			err = multierr.Append(err, b.hub.Close())
		}
		err = multierr.Append(err, b.store.Close())
		if b.cleanup != nil {
			b.cleanup()
		}
		b.closeErr = err
	})
	return b.closeErr
}

func tickChannel(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
