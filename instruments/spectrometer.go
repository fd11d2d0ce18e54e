package instruments

import (
	"context"
	"math"

	"go.uber.org/multierr"

	"github.com/timzifer/plscan/bands"
	"github.com/timzifer/plscan/deviceio"
	"github.com/timzifer/plscan/runtime/bus"
)

// Spectrometer combines the monochromator bus with the filter wheel bus.
type Spectrometer struct {
	mono  *bus.Bus
	wheel *bus.Bus
}

// NewSpectrometer builds a spectrometer. When wheel is nil the filter is
// driven through the monochromator bus.
func NewSpectrometer(mono, wheel *bus.Bus) *Spectrometer {
	if wheel == nil {
		wheel = mono
	}
	return &Spectrometer{mono: mono, wheel: wheel}
}

// Grating returns the cached or freshly read grating.
func (s *Spectrometer) Grating(ctx context.Context) (int, error) {
	v, err := s.mono.Get(ctx, deviceio.FieldGrating)
	return int(math.Round(v)), err
}

// Filter returns the cached or freshly read filter position.
func (s *Spectrometer) Filter(ctx context.Context) (int, error) {
	v, err := s.wheel.Get(ctx, deviceio.FieldFilter)
	return int(math.Round(v)), err
}

// Wavelength returns the current wavelength in nm.
func (s *Spectrometer) Wavelength(ctx context.Context) (float64, error) {
	return s.mono.Get(ctx, deviceio.FieldWavelength)
}

// SetGrating moves the turret and returns the confirmed grating.
func (s *Spectrometer) SetGrating(ctx context.Context, grating int) (int, error) {
	v, err := s.mono.Set(ctx, deviceio.FieldGrating, float64(grating))
	return int(math.Round(v)), err
}

// SetFilter moves the filter wheel and returns the confirmed position.
func (s *Spectrometer) SetFilter(ctx context.Context, filter int) (int, error) {
	v, err := s.wheel.Set(ctx, deviceio.FieldFilter, float64(filter))
	return int(math.Round(v)), err
}

// SetWavelength moves to wavelength and returns the confirmed wavelength.
func (s *Spectrometer) SetWavelength(ctx context.Context, wavelength float64) (float64, error) {
	return s.mono.Set(ctx, deviceio.FieldWavelength, wavelength)
}

// SetGratingAndFilter moves grating and filter concurrently. The filter
// command runs on the wheel bus while the grating command runs on the
// monochromator bus; the call returns once both are confirmed.
func (s *Spectrometer) SetGratingAndFilter(ctx context.Context, target bands.Assignment) (bands.Assignment, error) {
	filter := s.wheel.SetAsync(ctx, deviceio.FieldFilter, float64(target.Filter))
	grating, gratingErr := s.mono.Set(ctx, deviceio.FieldGrating, float64(target.Grating))
	position, filterErr := filter.Wait()
	if err := multierr.Combine(gratingErr, filterErr); err != nil {
		return bands.Assignment{}, err
	}
	return bands.Assignment{Grating: int(math.Round(grating)), Filter: int(math.Round(position))}, nil
}

// Apply brings grating and filter to target, moving only what differs from
// the cached state. It reports whether anything moved.
func (s *Spectrometer) Apply(ctx context.Context, target bands.Assignment) (bool, error) {
	grating, err := s.Grating(ctx)
	if err != nil {
		return false, err
	}
	filter, err := s.Filter(ctx)
	if err != nil {
		return false, err
	}
	switch {
	case grating != target.Grating && filter != target.Filter:
		_, err = s.SetGratingAndFilter(ctx, target)
	case grating != target.Grating:
		_, err = s.SetGrating(ctx, target.Grating)
	case filter != target.Filter:
		_, err = s.SetFilter(ctx, target.Filter)
	default:
		return false, nil
	}
	return err == nil, err
}

// SetMirrors positions the entrance and exit diverters.
func (s *Spectrometer) SetMirrors(ctx context.Context, entrance, exit float64) error {
	if _, err := s.mono.Set(ctx, deviceio.FieldEntranceMirror, entrance); err != nil {
		return err
	}
	_, err := s.mono.Set(ctx, deviceio.FieldExitMirror, exit)
	return err
}
