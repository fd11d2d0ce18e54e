// Package influxsink records scan samples and instrument moves in InfluxDB.
package influxsink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"

	"github.com/timzifer/plscan/config"
	"github.com/timzifer/plscan/notify"
)

const pingTimeout = 5 * time.Second

// ErrDisabled is returned by New when the sink is not enabled.
var ErrDisabled = errors.New("influxdb sink disabled")

// PointWriter is the subset of the non-blocking write API the sink uses.
type PointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Sink writes sample events as points of the configured measurement and
// motion events as points of "<measurement>_motion". Other events are
// ignored. Writes are batched by the client and never block the caller.
type Sink struct {
	writer      PointWriter
	closeClient func()
	measurement string
	logger      zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// New connects to InfluxDB and starts draining asynchronous write errors.
func New(cfg config.InfluxConfig, logger zerolog.Logger) (*Sink, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	flush := cfg.FlushInterval.Duration
	if flush <= 0 {
		flush = time.Second
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batch)).
			SetFlushInterval(uint(flush.Milliseconds())))

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb: ping failed: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("influxdb: server not healthy")
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	s := NewWithWriter(writeAPI, cfg.Measurement, logger)
	s.closeClient = client.Close
	go func() {
		for err := range writeAPI.Errors() {
			s.logger.Warn().Err(err).Msg("influxdb: write failed")
		}
	}()
	return s, nil
}

// NewWithWriter wraps an existing writer, mostly for tests.
func NewWithWriter(writer PointWriter, measurement string, logger zerolog.Logger) *Sink {
	if measurement == "" {
		measurement = "pl_sample"
	}
	return &Sink{
		writer:      writer,
		measurement: measurement,
		logger:      logger.With().Str("component", "influxdb").Logger(),
	}
}

// Name implements notify.Sink.
func (s *Sink) Name() string { return "influxdb" }

// Publish implements notify.Sink.
func (s *Sink) Publish(ev notify.Event) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errors.New("influxdb: sink closed")
	}

	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	switch {
	case ev.Kind == notify.KindSample && ev.Sample != nil:
		s.writer.WritePoint(write.NewPoint(s.measurement,
			map[string]string{"session": ev.Session},
			map[string]interface{}{
				"wavelength": ev.Sample.Wavelength,
				"raw":        ev.Sample.Raw,
				"phase":      ev.Sample.Phase,
				"normalized": ev.Sample.Normalized,
			}, ts))
	case ev.Kind == notify.KindGrating || ev.Kind == notify.KindFilter || ev.Kind == notify.KindWavelength:
		s.writer.WritePoint(write.NewPoint(s.measurement+"_motion",
			map[string]string{"device": ev.Device, "field": string(ev.Kind)},
			map[string]interface{}{"value": ev.Value}, ts))
	}
	return nil
}

// Close flushes pending points and closes the client.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.writer.Flush()
	if s.closeClient != nil {
		s.closeClient()
	}
	return nil
}
