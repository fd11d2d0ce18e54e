package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Device drivers.
const (
	DriverSim    = "sim"
	DriverSerial = "serial"
	DriverNone   = "none"
)

// LokiConfig configures the optional Loki log sink.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url,omitempty"`
	Labels  map[string]string `yaml:"labels,omitempty"`
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki"`
}

// TelemetryConfig configures runtime telemetry exporters.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider,omitempty"`
}

// DeviceConfig selects and parameterises the driver of one instrument.
type DeviceConfig struct {
	Driver      string   `yaml:"driver"`
	Port        string   `yaml:"port,omitempty"`
	Baud        int      `yaml:"baud,omitempty"`
	Timeout     Duration `yaml:"timeout,omitempty"`
	MoveLatency Duration `yaml:"move_latency,omitempty"`
	Gratings    int      `yaml:"gratings,omitempty"`
	Seed        *int64   `yaml:"seed,omitempty"`
}

// SimulationConfig shapes the signal produced by the simulated lock-in.
type SimulationConfig struct {
	PeakCenter float64 `yaml:"peak_center,omitempty"`
	PeakWidth  float64 `yaml:"peak_width,omitempty"`
	Amplitude  float64 `yaml:"amplitude,omitempty"`
	Offset     float64 `yaml:"offset,omitempty"`
}

// DevicesConfig lists the bench instruments.
type DevicesConfig struct {
	Monochromator  DeviceConfig     `yaml:"monochromator"`
	FilterWheel    DeviceConfig     `yaml:"filter_wheel"`
	Lockin         DeviceConfig     `yaml:"lockin"`
	CommandTimeout Duration         `yaml:"command_timeout,omitempty"`
	Simulation     SimulationConfig `yaml:"simulation,omitempty"`
}

// LockinConfig holds the pre-scan lock-in settings. Nil fields fall back
// to the values kept in the settings store.
type LockinConfig struct {
	TimeConstantIndex *int `yaml:"time_constant_index,omitempty"`
	ReserveMode       *int `yaml:"reserve_mode,omitempty"`
	InputLineFilter   *int `yaml:"input_line_filter,omitempty"`
}

// MirrorsConfig holds the diverter positions ("front" or "side").
type MirrorsConfig struct {
	Entrance string `yaml:"entrance,omitempty"`
	Exit     string `yaml:"exit,omitempty"`
}

// ScanConfig holds scan defaults. Zero values defer to the settings store.
type ScanConfig struct {
	Start          float64  `yaml:"start,omitempty"`
	Stop           float64  `yaml:"stop,omitempty"`
	Step           float64  `yaml:"step,omitempty"`
	Delay          Duration `yaml:"delay,omitempty"`
	Capacity       int      `yaml:"capacity,omitempty"`
	SystemResponse string   `yaml:"system_response,omitempty"`
}

// BandAssignment is one (grating, filter) pair of the band table.
type BandAssignment struct {
	Grating int `yaml:"grating"`
	Filter  int `yaml:"filter"`
}

// BandsConfig overrides the stored band table when set.
type BandsConfig struct {
	Breakpoints []float64        `yaml:"breakpoints,omitempty"`
	Assignments []BandAssignment `yaml:"assignments,omitempty"`
}

// ExportColumn is a derived column appended to exported spectra.
type ExportColumn struct {
	Name       string `yaml:"name"`
	Expression string `yaml:"expression"`
}

// ExportConfig configures spectrum export.
type ExportConfig struct {
	Columns []ExportColumn `yaml:"columns,omitempty"`
}

// SettingsConfig locates the settings database.
type SettingsConfig struct {
	Path string `yaml:"path,omitempty"`
}

// MQTTConfig configures the MQTT notification sink.
type MQTTConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Broker      string   `yaml:"broker,omitempty"`
	ClientID    string   `yaml:"client_id,omitempty"`
	Username    string   `yaml:"username,omitempty"`
	Password    string   `yaml:"password,omitempty"`
	TopicPrefix string   `yaml:"topic_prefix,omitempty"`
	QoS         int      `yaml:"qos,omitempty"`
	Retain      bool     `yaml:"retain,omitempty"`
	Timeout     Duration `yaml:"timeout,omitempty"`
}

// InfluxConfig configures the InfluxDB sample sink.
type InfluxConfig struct {
	Enabled       bool     `yaml:"enabled"`
	URL           string   `yaml:"url,omitempty"`
	Token         string   `yaml:"token,omitempty"`
	Org           string   `yaml:"org,omitempty"`
	Bucket        string   `yaml:"bucket,omitempty"`
	Measurement   string   `yaml:"measurement,omitempty"`
	BatchSize     int      `yaml:"batch_size,omitempty"`
	FlushInterval Duration `yaml:"flush_interval,omitempty"`
}

// NotifyConfig lists the notification sinks.
type NotifyConfig struct {
	Log    bool         `yaml:"log,omitempty"`
	MQTT   MQTTConfig   `yaml:"mqtt"`
	Influx InfluxConfig `yaml:"influx"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

// Config is the root configuration structure for the bench.
type Config struct {
	Name        string          `yaml:"name,omitempty"`
	Description string          `yaml:"description,omitempty"`
	Modules     []string        `yaml:"modules,omitempty"`
	Logging     LoggingConfig   `yaml:"logging"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Devices     DevicesConfig   `yaml:"devices"`
	Lockin      LockinConfig    `yaml:"lockin"`
	Mirrors     MirrorsConfig   `yaml:"mirrors"`
	Scan        ScanConfig      `yaml:"scan"`
	Bands       BandsConfig     `yaml:"bands"`
	Export      ExportConfig    `yaml:"export"`
	Settings    SettingsConfig  `yaml:"settings"`
	Notify      NotifyConfig    `yaml:"notify"`
	API         APIConfig       `yaml:"api"`
	HotReload   bool            `yaml:"hot_reload,omitempty"`

	// Sources lists every file that contributed to the configuration.
	Sources []string `yaml:"-"`
}

// Load reads, merges, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	cfg, err := loadFile(abs, make(map[string]struct{}))
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration for a fully simulated bench.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

func loadFile(path string, visited map[string]struct{}) (*Config, error) {
	if _, ok := visited[path]; ok {
		return nil, fmt.Errorf("config include cycle detected at %s", path)
	}
	visited[path] = struct{}{}
	defer delete(visited, path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	merged := &Config{}
	baseDir := filepath.Dir(path)
	for _, module := range cfg.Modules {
		modulePath := module
		if !filepath.IsAbs(modulePath) {
			modulePath = filepath.Join(baseDir, modulePath)
		}
		child, err := loadFile(filepath.Clean(modulePath), visited)
		if err != nil {
			return nil, fmt.Errorf("module %s: %w", module, err)
		}
		mergeConfig(merged, child)
	}
	mergeConfig(merged, cfg)
	merged.Modules = cfg.Modules
	merged.Sources = append(merged.Sources, path)
	return merged, nil
}

// mergeConfig copies every non-zero top-level section of src into dst.
func mergeConfig(dst, src *Config) {
	dv := reflect.ValueOf(dst).Elem()
	sv := reflect.ValueOf(src).Elem()
	for i := 0; i < sv.NumField(); i++ {
		name := sv.Type().Field(i).Name
		if name == "Sources" || name == "Modules" {
			continue
		}
		if field := sv.Field(i); !field.IsZero() {
			dv.Field(i).Set(field)
		}
	}
	dst.Sources = append(dst.Sources, src.Sources...)
}

// ApplyDefaults fills unset values.
func (c *Config) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "plscan"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Telemetry.Enabled && c.Telemetry.Provider == "" {
		c.Telemetry.Provider = "prometheus"
	}
	defaultDevice(&c.Devices.Monochromator, 9600)
	defaultDevice(&c.Devices.FilterWheel, 115200)
	defaultDevice(&c.Devices.Lockin, 9600)
	if c.Devices.CommandTimeout.Duration <= 0 {
		c.Devices.CommandTimeout.Duration = 30 * time.Second
	}
	if c.Mirrors.Entrance == "" {
		c.Mirrors.Entrance = "front"
	}
	if c.Mirrors.Exit == "" {
		c.Mirrors.Exit = "side"
	}
	if c.Scan.Capacity <= 0 {
		c.Scan.Capacity = 128
	}
	if c.Settings.Path == "" {
		c.Settings.Path = "plscan.db"
	}
	if c.Notify.MQTT.TopicPrefix == "" {
		c.Notify.MQTT.TopicPrefix = "plscan"
	}
	if c.Notify.MQTT.ClientID == "" {
		c.Notify.MQTT.ClientID = c.Name
	}
	if c.Notify.MQTT.Timeout.Duration <= 0 {
		c.Notify.MQTT.Timeout.Duration = 5 * time.Second
	}
	if c.Notify.Influx.Measurement == "" {
		c.Notify.Influx.Measurement = "pl_sample"
	}
	if c.Notify.Influx.BatchSize <= 0 {
		c.Notify.Influx.BatchSize = 100
	}
	if c.Notify.Influx.FlushInterval.Duration <= 0 {
		c.Notify.Influx.FlushInterval.Duration = time.Second
	}
}

func defaultDevice(d *DeviceConfig, baud int) {
	if d.Driver == "" {
		d.Driver = DriverSim
	}
	if d.Driver == DriverSerial && d.Baud == 0 {
		d.Baud = baud
	}
	if d.Timeout.Duration <= 0 {
		d.Timeout.Duration = 2 * time.Second
	}
}

// SourceFiles returns the files that should be watched for changes.
func SourceFiles(cfg *Config) []string {
	if cfg == nil {
		return nil
	}
	files := append([]string(nil), cfg.Sources...)
	if cfg.Scan.SystemResponse != "" {
		files = append(files, cfg.Scan.SystemResponse)
	}
	return files
}
