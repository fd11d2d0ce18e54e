package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestNoopCollector(t *testing.T) {
	collector := Noop()
	require.NotNil(t, collector)
	collector.IncHotReload("plscan.yaml")
	collector.ObserveDeviceCommand("mono", "set", "grating", "ok", time.Second)
	collector.IncScanTermination("finished")
}

func TestPrometheusCollectorRegistersAndReusesCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.NotNil(t, collector)

	collector.IncHotReload("a.yaml")

	again, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.Same(t, collector.hotReloads, again.hotReloads)

	again.IncHotReload("a.yaml")

	family := gather(t, reg, "plscan_config_hot_reload_total")
	requireCounterValue(t, family, 2)
}

func TestPrometheusCollectorDeviceCommands(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	collector.ObserveDeviceCommand("lockin", "get", "sensitivity_index", "ok", 20*time.Millisecond)
	collector.IncScanSample()
	collector.IncScanSample()

	requireCounterValue(t, gather(t, reg, "plscan_device_commands_total"), 1)
	requireCounterValue(t, gather(t, reg, "plscan_scan_samples_total"), 2)

	histogram := gather(t, reg, "plscan_device_command_seconds")
	require.Len(t, histogram.Metric, 1)
	require.Equal(t, uint64(1), histogram.Metric[0].GetHistogram().GetSampleCount())
}

func TestNilPrometheusCollectorIsSafe(t *testing.T) {
	var collector *PrometheusCollector
	collector.IncHotReload("x")
	collector.IncScanSample()
	collector.SetScanBufferCapacity(4)
}

func gather(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() == name {
			return family
		}
	}
	t.Fatalf("metric %s not gathered", name)
	return nil
}

func requireCounterValue(t *testing.T, mf *dto.MetricFamily, value float64) {
	t.Helper()
	require.Len(t, mf.Metric, 1)
	require.NotNil(t, mf.Metric[0].Counter)
	require.Equal(t, value, mf.Metric[0].Counter.GetValue())
}
