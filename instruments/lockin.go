package instruments

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/timzifer/plscan/deviceio"
	"github.com/timzifer/plscan/runtime/bus"
)

// LockinSettings are applied before every scan.
type LockinSettings struct {
	TimeConstantIndex int
	ReserveMode       int
	InputLineFilter   int
}

// DefaultLockinSettings returns 300 ms, high reserve and both line filters.
func DefaultLockinSettings() LockinSettings {
	return LockinSettings{TimeConstantIndex: 9, ReserveMode: 0, InputLineFilter: 3}
}

// Lockin is the lock-in amplifier seen through its command bus.
type Lockin struct {
	bus *bus.Bus
}

// NewLockin wraps a lock-in bus.
func NewLockin(b *bus.Bus) *Lockin {
	return &Lockin{bus: b}
}

// Name returns the device identity.
func (l *Lockin) Name() string { return l.bus.Name() }

// Outputs reads R and theta.
func (l *Lockin) Outputs(ctx context.Context) (float64, float64, error) {
	return l.bus.Outputs(ctx)
}

// SensitivityIndex returns the current sensitivity index.
func (l *Lockin) SensitivityIndex(ctx context.Context) (int, error) {
	return l.getIndex(ctx, deviceio.FieldSensitivityIndex)
}

// SetSensitivityIndex changes the sensitivity and returns the confirmed index.
func (l *Lockin) SetSensitivityIndex(ctx context.Context, index int) (int, error) {
	return l.setIndex(ctx, deviceio.FieldSensitivityIndex, index)
}

// FullScale returns the sensitivity table matching the input configuration.
func (l *Lockin) FullScale(ctx context.Context) ([]float64, error) {
	cfg, err := l.getIndex(ctx, deviceio.FieldInputConfiguration)
	if err != nil {
		return nil, err
	}
	return SensitivityTable(cfg), nil
}

// TimeConstantIndex returns the current time-constant index.
func (l *Lockin) TimeConstantIndex(ctx context.Context) (int, error) {
	return l.getIndex(ctx, deviceio.FieldTimeConstantIndex)
}

// SetTimeConstantIndex changes the time constant and returns the confirmed index.
func (l *Lockin) SetTimeConstantIndex(ctx context.Context, index int) (int, error) {
	if index < 0 || index >= len(TimeConstants) {
		return 0, fmt.Errorf("time constant index %d out of range", index)
	}
	return l.setIndex(ctx, deviceio.FieldTimeConstantIndex, index)
}

// TimeConstant returns the current time constant as a duration.
func (l *Lockin) TimeConstant(ctx context.Context) (time.Duration, error) {
	index, err := l.TimeConstantIndex(ctx)
	if err != nil {
		return 0, err
	}
	return TimeConstant(index)
}

// SuggestedDelay returns the wait needed to reach 99% of the final value
// for the current time constant and filter slope.
func (l *Lockin) SuggestedDelay(ctx context.Context) (time.Duration, error) {
	tc, err := l.TimeConstant(ctx)
	if err != nil {
		return 0, err
	}
	slope, err := l.getIndex(ctx, deviceio.FieldFilterSlope)
	if err != nil {
		return 0, err
	}
	factor, err := SettleFactor(slope)
	if err != nil {
		return 0, err
	}
	return time.Duration(float64(tc) * factor), nil
}

// Configure applies the pre-scan settings.
func (l *Lockin) Configure(ctx context.Context, settings LockinSettings) error {
	if _, err := l.SetTimeConstantIndex(ctx, settings.TimeConstantIndex); err != nil {
		return err
	}
	if _, err := l.setIndex(ctx, deviceio.FieldReserveMode, settings.ReserveMode); err != nil {
		return err
	}
	_, err := l.setIndex(ctx, deviceio.FieldInputLineFilter, settings.InputLineFilter)
	return err
}

func (l *Lockin) getIndex(ctx context.Context, field deviceio.Field) (int, error) {
	v, err := l.bus.Get(ctx, field)
	return int(math.Round(v)), err
}

func (l *Lockin) setIndex(ctx context.Context, field deviceio.Field, index int) (int, error) {
	v, err := l.bus.Set(ctx, field, float64(index))
	return int(math.Round(v)), err
}
