package telemetry

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the bench.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They are called inline from device workers and the
// scan loop, so they must be cheap and safe for concurrent use.
type Collector interface {
	IncHotReload(file string)
	ObserveDeviceCommand(device, op, field, outcome string, duration time.Duration)
	IncAutoRangeStep(device, direction string)
	IncScanSample()
	IncScanTermination(state string)
	SetScanBufferCapacity(capacity int)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncHotReload(string)                                                {}
func (noopCollector) ObserveDeviceCommand(string, string, string, string, time.Duration) {}
func (noopCollector) IncAutoRangeStep(string, string)                                    {}
func (noopCollector) IncScanSample()                                                     {}
func (noopCollector) IncScanTermination(string)                                          {}
func (noopCollector) SetScanBufferCapacity(int)                                          {}

// PrometheusCollector exposes bench metrics via Prometheus.
type PrometheusCollector struct {
	hotReloads      *prometheus.CounterVec
	deviceCommands  *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	autoRangeSteps  *prometheus.CounterVec
	scanSamples     prometheus.Counter
	scanEnds        *prometheus.CounterVec
	bufferCapacity  prometheus.Gauge
}

// NewPrometheusCollector registers the required metrics with the provided
// registerer. Metrics that are already registered are reused, so repeated
// calls (for example after a configuration reload) share the same series.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &PrometheusCollector{}
	var err error

	if c.hotReloads, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plscan_config_hot_reload_total",
		Help: "Number of hot reload operations triggered per configuration file.",
	}, []string{"file"})); err != nil {
		return nil, err
	}
	if c.deviceCommands, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plscan_device_commands_total",
		Help: "Commands executed by device workers.",
	}, []string{"device", "op", "field", "outcome"})); err != nil {
		return nil, err
	}
	if c.commandDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "plscan_device_command_seconds",
		Help:    "Time spent inside the device for a single command.",
		Buckets: []float64{.001, .01, .05, .1, .5, 1, 2.5, 5, 10, 30},
	}, []string{"device", "op"})); err != nil {
		return nil, err
	}
	if c.autoRangeSteps, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plscan_autorange_steps_total",
		Help: "Sensitivity index changes performed by the auto-ranging loop.",
	}, []string{"device", "direction"})); err != nil {
		return nil, err
	}
	if c.scanSamples, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "plscan_scan_samples_total",
		Help: "Samples appended to spectra.",
	})); err != nil {
		return nil, err
	}
	if c.scanEnds, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plscan_scan_terminations_total",
		Help: "Scans that reached a terminal state.",
	}, []string{"state"})); err != nil {
		return nil, err
	}
	if c.bufferCapacity, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "plscan_scan_buffer_capacity",
		Help: "Physical capacity of the active spectrum buffers.",
	})); err != nil {
		return nil, err
	}
	return c, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, collector T) (T, error) {
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, err
	}
	return collector, nil
}

// IncHotReload increments the counter for the provided file path.
func (p *PrometheusCollector) IncHotReload(file string) {
	if p == nil || p.hotReloads == nil {
		return
	}
	p.hotReloads.WithLabelValues(file).Inc()
}

// ObserveDeviceCommand records one executed device command.
func (p *PrometheusCollector) ObserveDeviceCommand(device, op, field, outcome string, duration time.Duration) {
	if p == nil || p.deviceCommands == nil {
		return
	}
	p.deviceCommands.WithLabelValues(device, op, field, outcome).Inc()
	p.commandDuration.WithLabelValues(device, op).Observe(duration.Seconds())
}

// IncAutoRangeStep counts one sensitivity step in the given direction.
func (p *PrometheusCollector) IncAutoRangeStep(device, direction string) {
	if p == nil || p.autoRangeSteps == nil {
		return
	}
	p.autoRangeSteps.WithLabelValues(device, direction).Inc()
}

// IncScanSample counts one recorded sample.
func (p *PrometheusCollector) IncScanSample() {
	if p == nil || p.scanSamples == nil {
		return
	}
	p.scanSamples.Inc()
}

// IncScanTermination counts a scan ending in state.
func (p *PrometheusCollector) IncScanTermination(state string) {
	if p == nil || p.scanEnds == nil {
		return
	}
	p.scanEnds.WithLabelValues(state).Inc()
}

// SetScanBufferCapacity publishes the current buffer capacity.
func (p *PrometheusCollector) SetScanBufferCapacity(capacity int) {
	if p == nil || p.bufferCapacity == nil {
		return
	}
	p.bufferCapacity.Set(float64(capacity))
}
