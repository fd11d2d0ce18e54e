package influxsink

import (
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/plscan/config"
	"github.com/timzifer/plscan/notify"
)

type fakeWriter struct {
	points  []*write.Point
	flushes int
}

func (f *fakeWriter) WritePoint(p *write.Point) { f.points = append(f.points, p) }
func (f *fakeWriter) Flush()                    { f.flushes++ }

func TestSamplesBecomePoints(t *testing.T) {
	w := &fakeWriter{}
	sink := NewWithWriter(w, "", zerolog.Nop())
	ts := time.Unix(1700000000, 0)

	require.NoError(t, sink.Publish(notify.Event{
		Kind:    notify.KindSample,
		Session: "abc",
		Time:    ts,
		Sample:  &notify.Sample{Wavelength: 810, Raw: 2, Phase: -3, Normalized: 1},
	}))
	require.NoError(t, sink.Publish(notify.Event{Kind: notify.KindGrating, Device: "mono", Value: 2, Time: ts}))
	require.NoError(t, sink.Publish(notify.Event{Kind: notify.KindScanStatus, Text: "Scanning..."}))

	require.Len(t, w.points, 2)
	require.Equal(t,
		"pl_sample,session=abc normalized=1,phase=-3,raw=2,wavelength=810 1700000000000000000\n",
		write.PointToLineProtocol(w.points[0], time.Nanosecond))
	require.Equal(t,
		"pl_sample_motion,device=mono,field=grating value=2 1700000000000000000\n",
		write.PointToLineProtocol(w.points[1], time.Nanosecond))
}

func TestCloseFlushesOnce(t *testing.T) {
	w := &fakeWriter{}
	sink := NewWithWriter(w, "pl", zerolog.Nop())
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())
	require.Equal(t, 1, w.flushes)
	require.Error(t, sink.Publish(notify.Event{Kind: notify.KindSample, Sample: &notify.Sample{}}))
}

func TestNewDisabled(t *testing.T) {
	_, err := New(config.InfluxConfig{}, zerolog.Nop())
	require.ErrorIs(t, err, ErrDisabled)
}
