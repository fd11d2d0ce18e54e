// Package spectrum stores measured spectra and reads and writes them in the
// tab separated formats used on the bench.
package spectrum

import (
	"errors"
	"sync"

	"github.com/timzifer/plscan/runtime/buffer"
)

// PlanckWavelength converts between photon energy in eV and wavelength in nm.
const PlanckWavelength = 1239.842

// ErrFrozen is returned when appending to a finished spectrum.
var ErrFrozen = errors.New("spectrum is frozen")

// Sample is one recorded point.
type Sample struct {
	Wavelength float64 `json:"wavelength"`
	Raw        float64 `json:"raw"`
	Phase      float64 `json:"phase"`
	Normalized float64 `json:"normalized"`
}

// Energy returns the photon energy of the sample in eV.
func (s Sample) Energy() float64 {
	return Energy(s.Wavelength)
}

// Energy converts a wavelength in nm into eV.
func Energy(wavelength float64) float64 {
	return PlanckWavelength / wavelength
}

// Spectrum is an append-only set of columns. One writer appends while any
// number of readers take snapshots.
type Spectrum struct {
	mu         sync.RWMutex
	wavelength *buffer.Expanding[float64]
	raw        *buffer.Expanding[float64]
	phase      *buffer.Expanding[float64]
	normalized *buffer.Expanding[float64]
	frozen     bool
}

// New allocates a spectrum with room for capacity samples before growing.
func New(capacity int) (*Spectrum, error) {
	s := &Spectrum{}
	var err error
	for _, col := range []**buffer.Expanding[float64]{&s.wavelength, &s.raw, &s.phase, &s.normalized} {
		if *col, err = buffer.NewExpanding[float64](capacity); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Append adds a sample unless the spectrum has been frozen.
func (s *Spectrum) Append(sample Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return ErrFrozen
	}
	s.wavelength.Append(sample.Wavelength)
	s.raw.Append(sample.Raw)
	s.phase.Append(sample.Phase)
	s.normalized.Append(sample.Normalized)
	return nil
}

// Freeze makes the spectrum immutable.
func (s *Spectrum) Freeze() {
	s.mu.Lock()
	s.frozen = true
	s.mu.Unlock()
}

// Frozen reports whether Freeze was called.
func (s *Spectrum) Frozen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frozen
}

// Len returns the number of samples.
func (s *Spectrum) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.wavelength.Len()
}

// Capacity returns the physical capacity of the column buffers.
func (s *Spectrum) Capacity() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.wavelength.Cap()
}

// Columns is a read-only view of the stored columns.
type Columns struct {
	Wavelength []float64
	Raw        []float64
	Phase      []float64
	Normalized []float64
}

// View calls fn with the columns while holding the read lock. The slices
// alias internal storage and must not be retained or modified.
func (s *Spectrum) View(fn func(Columns)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(Columns{
		Wavelength: s.wavelength.Get(),
		Raw:        s.raw.Get(),
		Phase:      s.phase.Get(),
		Normalized: s.normalized.Get(),
	})
}

// Samples returns a copy of the samples starting at offset.
func (s *Spectrum) Samples(offset int) []Sample {
	var out []Sample
	s.View(func(c Columns) {
		if offset < 0 {
			offset = 0
		}
		if offset >= len(c.Wavelength) {
			return
		}
		out = make([]Sample, 0, len(c.Wavelength)-offset)
		for i := offset; i < len(c.Wavelength); i++ {
			out = append(out, Sample{Wavelength: c.Wavelength[i], Raw: c.Raw[i], Phase: c.Phase[i], Normalized: c.Normalized[i]})
		}
	})
	return out
}

// Wavelengths returns a copy of the wavelength column.
func (s *Spectrum) Wavelengths() []float64 {
	var out []float64
	s.View(func(c Columns) {
		out = append([]float64(nil), c.Wavelength...)
	})
	return out
}
