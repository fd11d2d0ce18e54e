package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/plscan/bench"
	"github.com/timzifer/plscan/config"
)

func TestConfigCheckReportsBench(t *testing.T) {
	cfg := config.Default()
	cfg.Devices.Lockin = config.DeviceConfig{Driver: config.DriverSerial, Port: "/dev/ttyUSB2", Baud: 9600}
	cfg.Bands = config.BandsConfig{
		Breakpoints: []float64{800, 1500},
		Assignments: []config.BandAssignment{{Grating: 2, Filter: 1}},
	}
	var out bytes.Buffer
	require.Equal(t, 0, executeConfigCheck(cfg, &out))
	text := out.String()
	require.Contains(t, text, "lockin: serial /dev/ttyUSB2 @ 9600 baud")
	require.Contains(t, text, "[800, 1500) grating 2/filter 1")
	require.Contains(t, text, "completed successfully")
}

func TestConfigCheckFlagsBrokenColumn(t *testing.T) {
	cfg := config.Default()
	cfg.Export.Columns = []config.ExportColumn{{Name: "Bad", Expression: "raw +"}}
	var out bytes.Buffer
	require.Equal(t, 1, executeConfigCheck(cfg, &out))
	require.Contains(t, out.String(), "Column Bad")
}

func TestRunHeadlessWritesSpectrum(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Settings.Path = filepath.Join(dir, "settings.db")
	cfg.Scan = config.ScanConfig{Start: 800, Stop: 830, Step: 10, Delay: config.Duration{Duration: time.Millisecond}, Capacity: 4}

	b, err := bench.New(context.Background(),
		bench.WithConfig(cfg),
		bench.WithLogger(zerolog.Nop()),
		bench.WithSleeper(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Initialize(context.Background()))

	out := filepath.Join(dir, "spectrum.txt")
	require.NoError(t, runHeadless(context.Background(), b, out))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 5)
	require.True(t, strings.HasPrefix(lines[4], "830.0\t"))
}
