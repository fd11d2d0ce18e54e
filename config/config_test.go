package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "bench.yaml", "name: lab\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	require.Equal(t, "lab", cfg.Name)
	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, DriverSim, cfg.Devices.Monochromator.Driver)
	require.Equal(t, DriverSim, cfg.Devices.FilterWheel.Driver)
	require.Equal(t, 30*time.Second, cfg.Devices.CommandTimeout.Duration)
	require.Equal(t, "front", cfg.Mirrors.Entrance)
	require.Equal(t, "side", cfg.Mirrors.Exit)
	require.Equal(t, 128, cfg.Scan.Capacity)
	require.Equal(t, "pl_sample", cfg.Notify.Influx.Measurement)
	require.Equal(t, []string{path}, cfg.Sources)
}

func TestLoadSerialDevices(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "bench.yaml", `devices:
  monochromator:
    driver: serial
    port: /dev/ttyUSB0
  filter_wheel:
    driver: serial
    port: /dev/ttyUSB1
  lockin:
    driver: serial
    port: /dev/ttyUSB2
    timeout: 500ms
  command_timeout: 10s
lockin:
  time_constant_index: 7
scan:
  start: 900
  stop: 1200
  step: 5
  delay: 1.5s
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9600, cfg.Devices.Monochromator.Baud)
	require.Equal(t, 115200, cfg.Devices.FilterWheel.Baud)
	require.Equal(t, 500*time.Millisecond, cfg.Devices.Lockin.Timeout.Duration)
	require.Equal(t, 10*time.Second, cfg.Devices.CommandTimeout.Duration)
	require.NotNil(t, cfg.Lockin.TimeConstantIndex)
	require.Equal(t, 7, *cfg.Lockin.TimeConstantIndex)
	require.Nil(t, cfg.Lockin.ReserveMode)
	require.Equal(t, 1500*time.Millisecond, cfg.Scan.Delay.Duration)
}

func TestLoadModules(t *testing.T) {
	dir := t.TempDir()
	modulePath := writeConfig(t, dir, "bands.yaml", `bands:
  breakpoints: [800, 1500, 3000]
  assignments:
    - {grating: 1, filter: 2}
    - {grating: 2, filter: 3}
logging:
  level: debug
`)
	mainPath := writeConfig(t, dir, "bench.yaml", `modules:
  - bands.yaml
logging:
  level: warn
`)
	cfg, err := Load(mainPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	require.Equal(t, "warn", cfg.Logging.Level)
	require.Equal(t, []float64{800, 1500, 3000}, cfg.Bands.Breakpoints)
	require.Equal(t, []string{modulePath, mainPath}, cfg.Sources)

	table, err := cfg.BandTable()
	require.NoError(t, err)
	require.Equal(t, 3000.0, table.Max())
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "a.yaml", "modules: [b.yaml]\n")
	writeConfig(t, dir, "b.yaml", "modules: [a.yaml]\n")
	_, err := Load(filepath.Join(dir, "a.yaml"))
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestValidateRejectsInvalidDocuments(t *testing.T) {
	cases := map[string]string{
		"unknown driver":     "devices:\n  lockin:\n    driver: usb\n",
		"disabled lockin":    "devices:\n  lockin:\n    driver: none\n",
		"bad level":          "logging:\n  level: chatty\n",
		"mqtt without url":   "notify:\n  mqtt:\n    enabled: true\n",
		"influx bad url":     "notify:\n  influx:\n    enabled: true\n    url: localhost\n    bucket: pl\n",
		"tc out of range":    "lockin:\n  time_constant_index: 25\n",
		"bad mirror":         "mirrors:\n  entrance: top\n",
		"unordered bands":    "bands:\n  breakpoints: [900, 800]\n  assignments: [{grating: 1, filter: 1}]\n",
		"missing assignment": "bands:\n  breakpoints: [800, 900, 1000]\n  assignments: [{grating: 1, filter: 1}]\n",
		"scan direction":     "scan:\n  start: 900\n  stop: 1000\n  step: -5\n",
		"bad qos":            "notify:\n  mqtt:\n    enabled: false\n    qos: 3\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), "bench.yaml", content)
			_, err := Load(path)
			require.Error(t, err)
		})
	}
}

func TestValidateAcceptsEnabledSinks(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "bench.yaml", `notify:
  log: true
  mqtt:
    enabled: true
    broker: tcp://localhost:1883
    qos: 1
  influx:
    enabled: true
    url: http://localhost:8086
    bucket: pl
logging:
  level: debug
  loki:
    enabled: true
    url: http://loki:3100/loki/api/v1/push
    labels:
      bench: b1
export:
  columns:
    - name: Energy
      expression: 1239.842 / wavelength
`)
	_, err := Load(path)
	require.NoError(t, err)
}

func TestRegisterSchemaTightensValidation(t *testing.T) {
	t.Cleanup(resetSchemasForTest)
	require.NoError(t, RegisterSchema("baud", `#Device: baud?: <=115200`))
	require.Error(t, RegisterSchema("baud", `#Device: baud?: <=1`))
	require.Error(t, RegisterSchema("", `x: 1`))

	cfg := Default()
	require.NoError(t, Validate(cfg))
	cfg.Devices.Lockin.Driver = DriverSerial
	cfg.Devices.Lockin.Baud = 230400
	require.Error(t, Validate(cfg))
}

func TestDurationYAML(t *testing.T) {
	var holder struct {
		D Duration `yaml:"d"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("d: 250ms\n"), &holder))
	require.Equal(t, 250*time.Millisecond, holder.D.Duration)
	out, err := yaml.Marshal(holder)
	require.NoError(t, err)
	require.Equal(t, "d: 250ms\n", string(out))
	require.Error(t, yaml.Unmarshal([]byte("d: soon\n"), &holder))
}

func TestSourceFilesIncludesSystemResponse(t *testing.T) {
	cfg := Default()
	cfg.Sources = []string{"/etc/plscan/bench.yaml"}
	cfg.Scan.SystemResponse = "/data/sysres.txt"
	require.Equal(t, []string{"/etc/plscan/bench.yaml", "/data/sysres.txt"}, SourceFiles(cfg))
	require.Nil(t, SourceFiles(nil))
}
