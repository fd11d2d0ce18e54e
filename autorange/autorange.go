// Package autorange keeps the lock-in reading inside a safe fraction of its
// full-scale range while a scan is running.
package autorange

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/timzifer/plscan/telemetry"
)

const (
	// Lower is the fraction of the next more sensitive range below which the
	// loop steps down.
	Lower = 0.65
	// Upper is the fraction of the current range above which the loop steps up.
	Upper = 0.75

	defaultTimeConstantCap = 10
)

// Amplifier is the part of the lock-in the loop needs.
type Amplifier interface {
	Name() string
	Outputs(ctx context.Context) (float64, float64, error)
	SensitivityIndex(ctx context.Context) (int, error)
	SetSensitivityIndex(ctx context.Context, index int) (int, error)
	FullScale(ctx context.Context) ([]float64, error)
}

// Adjustable adds time-constant control for AutoAdjust.
type Adjustable interface {
	Amplifier
	TimeConstantIndex(ctx context.Context) (int, error)
	SetTimeConstantIndex(ctx context.Context, index int) (int, error)
	SuggestedDelay(ctx context.Context) (time.Duration, error)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Result is a settled measurement.
type Result struct {
	R     float64
	Theta float64
	Index int
	// Steps counts sensitivity changes made to reach Index.
	Steps int
	// Saturated is set when the reading is outside the band but the table
	// has no further range in that direction.
	Saturated bool
}

// Option configures a Loop.
type Option func(*Loop)

// WithSleeper replaces the sleeper, mostly for tests.
func WithSleeper(sleep Sleeper) Option {
	return func(l *Loop) {
		if sleep != nil {
			l.sleep = sleep
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// WithTelemetry installs a telemetry collector.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(l *Loop) {
		if collector != nil {
			l.collector = collector
		}
	}
}

// WithTimeConstantCap sets the largest time-constant index used during
// AutoAdjust.
func WithTimeConstantCap(index int) Option {
	return func(l *Loop) { l.tcCap = index }
}

// Loop runs the auto-ranging algorithm against one amplifier.
type Loop struct {
	amp       Amplifier
	sleep     Sleeper
	logger    zerolog.Logger
	collector telemetry.Collector
	tcCap     int
}

// New creates a loop for amp.
func New(amp Amplifier, opts ...Option) *Loop {
	l := &Loop{
		amp:       amp,
		sleep:     Sleep,
		logger:    zerolog.Nop(),
		collector: telemetry.Noop(),
		tcCap:     defaultTimeConstantCap,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Measure reads the amplifier and walks the sensitivity index until R sits
// between Lower times the next lower range and Upper times the current one.
// Every reading is preceded by delay/5; the settled reading is followed by
// the full delay. Each step moves strictly towards the band, so the loop
// performs at most len(table)-1 changes.
func (l *Loop) Measure(ctx context.Context, delay time.Duration) (Result, error) {
	table, err := l.amp.FullScale(ctx)
	if err != nil {
		return Result{}, err
	}
	last := len(table) - 1

	var res Result
	for {
		if err := l.sleep(ctx, delay/5); err != nil {
			return res, err
		}
		r, theta, err := l.amp.Outputs(ctx)
		if err != nil {
			return res, err
		}
		index, err := l.amp.SensitivityIndex(ctx)
		if err != nil {
			return res, err
		}
		index = clamp(index, 0, last)
		res.R, res.Theta, res.Index = r, theta, index

		next, direction := index, ""
		switch {
		case index > 0 && r < table[index-1]*Lower:
			next, direction = index-1, "down"
		case index < last && r > table[index]*Upper:
			next, direction = index+1, "up"
		}
		if next == index || res.Steps >= last {
			res.Saturated = (index == 0 && r < table[0]*Lower) || (index == last && r > table[last]*Upper)
			break
		}

		confirmed, err := l.amp.SetSensitivityIndex(ctx, next)
		if err != nil {
			return res, err
		}
		res.Steps++
		l.collector.IncAutoRangeStep(l.amp.Name(), direction)
		l.logger.Debug().Int("from", index).Int("to", confirmed).Float64("r", r).Msg("sensitivity adjusted")
		if confirmed == index {
			// the instrument refused the change; accept the extreme
			res.Saturated = true
			break
		}
	}

	if err := l.sleep(ctx, delay); err != nil {
		return res, err
	}
	return res, nil
}

// AutoAdjust performs a coarse adjustment once per spectrum. Time constants
// above the cap are lowered for the duration of the adjustment and
// restored afterwards, also when the adjustment fails.
func (l *Loop) AutoAdjust(ctx context.Context) (res Result, err error) {
	amp, ok := l.amp.(Adjustable)
	if !ok {
		return l.Measure(ctx, 0)
	}
	original, err := amp.TimeConstantIndex(ctx)
	if err != nil {
		return Result{}, err
	}
	if original > l.tcCap {
		if _, err := amp.SetTimeConstantIndex(ctx, l.tcCap); err != nil {
			return Result{}, err
		}
		defer func() {
			_, restoreErr := amp.SetTimeConstantIndex(ctx, original)
			err = multierr.Append(err, restoreErr)
		}()
	}
	delay, err := amp.SuggestedDelay(ctx)
	if err != nil {
		return Result{}, err
	}
	return l.Measure(ctx, delay)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
