package instruments

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/timzifer/plscan/bands"
	"github.com/timzifer/plscan/drivers/sim"
	"github.com/timzifer/plscan/runtime/bus"
)

type rig struct {
	mono   *sim.Monochromator
	wheel  *sim.FilterWheel
	lockin *sim.Lockin
	spec   *Spectrometer
	amp    *Lockin
	buses  []*bus.Bus
}

func newRig(t *testing.T, latency time.Duration) *rig {
	t.Helper()
	r := &rig{
		mono:  sim.NewMonochromator("mono", sim.Settings{MoveLatency: latency}),
		wheel: sim.NewFilterWheel("wheel", sim.Settings{MoveLatency: latency}),
	}
	r.lockin = sim.NewLockin("lockin", sim.Settings{}, r.mono.Position, nil)

	monoBus := bus.New(r.mono)
	wheelBus := bus.New(r.wheel)
	lockinBus := bus.New(r.lockin)
	r.buses = []*bus.Bus{monoBus, wheelBus, lockinBus}
	for _, b := range r.buses {
		require.NoError(t, b.Initialize(context.Background()))
		b := b
		t.Cleanup(func() { _ = b.Close() })
	}
	r.spec = NewSpectrometer(monoBus, wheelBus)
	r.amp = NewLockin(lockinBus)
	return r
}

func TestSetGratingAndFilterRunsConcurrently(t *testing.T) {
	const latency = 60 * time.Millisecond
	r := newRig(t, latency)

	start := time.Now()
	got, err := r.spec.SetGratingAndFilter(context.Background(), bands.Assignment{Grating: 3, Filter: 4})
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Equal(t, bands.Assignment{Grating: 3, Filter: 4}, got)
	require.Less(t, elapsed, 2*latency-10*time.Millisecond, "moves were serialised")
}

func TestSetGratingAndFilterCombinesErrors(t *testing.T) {
	r := newRig(t, 0)
	_, err := r.spec.SetGratingAndFilter(context.Background(), bands.Assignment{Grating: 9, Filter: 9})
	require.Error(t, err)
	require.Contains(t, err.Error(), "grating")
	require.Contains(t, err.Error(), "filter")
}

func TestApplyMovesOnlyDifferingFields(t *testing.T) {
	r := newRig(t, 0)
	ctx := context.Background()

	moved, err := r.spec.Apply(ctx, bands.Assignment{Grating: 1, Filter: 1})
	require.NoError(t, err)
	require.False(t, moved)
	require.Zero(t, r.mono.Moves())
	require.Zero(t, r.wheel.Moves())

	moved, err = r.spec.Apply(ctx, bands.Assignment{Grating: 1, Filter: 2})
	require.NoError(t, err)
	require.True(t, moved)
	require.Zero(t, r.mono.Moves())
	require.Equal(t, 1, r.wheel.Moves())

	moved, err = r.spec.Apply(ctx, bands.Assignment{Grating: 2, Filter: 3})
	require.NoError(t, err)
	require.True(t, moved)
	require.Equal(t, 1, r.mono.Moves())
	require.Equal(t, 2, r.wheel.Moves())

	g, err := r.spec.Grating(ctx)
	require.NoError(t, err)
	f, err := r.spec.Filter(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, g)
	require.Equal(t, 3, f)
}

func TestLockinTablesAndDelay(t *testing.T) {
	r := newRig(t, 0)
	ctx := context.Background()

	require.NoError(t, r.amp.Configure(ctx, DefaultLockinSettings()))
	tc, err := r.amp.TimeConstant(ctx)
	require.NoError(t, err)
	require.Equal(t, 300*time.Millisecond, tc)

	delay, err := r.amp.SuggestedDelay(ctx)
	require.NoError(t, err)
	require.Equal(t, 2100*time.Millisecond, delay)

	table, err := r.amp.FullScale(ctx)
	require.NoError(t, err)
	require.Len(t, table, 27)
	require.Equal(t, 1.0, table[26])

	_, err = r.amp.SetTimeConstantIndex(ctx, 20)
	require.Error(t, err)
}

func TestTables(t *testing.T) {
	require.Len(t, VoltageSensitivities, 27)
	require.Len(t, CurrentSensitivities, 27)
	require.Len(t, TimeConstants, 20)
	for i := 1; i < len(VoltageSensitivities); i++ {
		require.Greater(t, VoltageSensitivities[i], VoltageSensitivities[i-1])
		require.Greater(t, CurrentSensitivities[i], CurrentSensitivities[i-1])
	}
	require.Equal(t, CurrentSensitivities, SensitivityTable(2))

	tc, err := TimeConstant(AutoAdjustTimeConstantIndex)
	require.NoError(t, err)
	require.Equal(t, time.Second, tc)

	_, err = SettleFactor(4)
	require.Error(t, err)
}
