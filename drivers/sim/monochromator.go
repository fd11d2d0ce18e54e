package sim

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/timzifer/plscan/deviceio"
)

// Monochromator simulates a SpectraPro style grating spectrometer.
type Monochromator struct {
	faults

	name     string
	latency  time.Duration
	gratings int

	mu         sync.Mutex
	grating    int
	wavelength float64
	entrance   float64
	exit       float64
	moves      int
}

// NewMonochromator returns a monochromator parked at grating 1, 0 nm.
func NewMonochromator(name string, settings Settings) *Monochromator {
	gratings := settings.Gratings
	if gratings <= 0 {
		gratings = 3
	}
	return &Monochromator{
		name:     name,
		latency:  settings.MoveLatency,
		gratings: gratings,
		grating:  1,
		exit:     deviceio.MirrorSide,
	}
}

func (m *Monochromator) Name() string { return m.name }
func (m *Monochromator) Open() error  { return m.faults.open() }
func (m *Monochromator) Close() error { return nil }

func (m *Monochromator) Get(field deviceio.Field) (float64, error) {
	if err := m.check(field); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch field {
	case deviceio.FieldGrating:
		return float64(m.grating), nil
	case deviceio.FieldWavelength:
		return m.wavelength, nil
	case deviceio.FieldEntranceMirror:
		return m.entrance, nil
	case deviceio.FieldExitMirror:
		return m.exit, nil
	default:
		return 0, deviceio.ErrUnsupportedField
	}
}

func (m *Monochromator) Set(field deviceio.Field, value float64) error {
	if err := m.check(field); err != nil {
		return err
	}
	switch field {
	case deviceio.FieldGrating:
		i, err := checkIndex(field, value, 1, m.gratings)
		if err != nil {
			return err
		}
		m.move()
		m.mu.Lock()
		m.grating = i
		m.mu.Unlock()
	case deviceio.FieldWavelength:
		if value < 0 || math.IsNaN(value) {
			return fmt.Errorf("invalid wavelength %g", value)
		}
		m.move()
		m.mu.Lock()
		// the controller reports the position to three decimals
		m.wavelength = math.Round(value*1000) / 1000
		m.mu.Unlock()
	case deviceio.FieldEntranceMirror, deviceio.FieldExitMirror:
		pos, err := checkIndex(field, value, 0, 1)
		if err != nil {
			return err
		}
		m.mu.Lock()
		if field == deviceio.FieldEntranceMirror {
			m.entrance = float64(pos)
		} else {
			m.exit = float64(pos)
		}
		m.mu.Unlock()
	default:
		return deviceio.ErrUnsupportedField
	}
	return nil
}

func (m *Monochromator) move() {
	m.mu.Lock()
	m.moves++
	m.mu.Unlock()
	if m.latency > 0 {
		time.Sleep(m.latency)
	}
}

// Position returns the current wavelength. Safe for concurrent use, so a
// simulated lock-in can follow the monochromator.
func (m *Monochromator) Position() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wavelength
}

// Moves returns the number of mechanical moves performed.
func (m *Monochromator) Moves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moves
}
