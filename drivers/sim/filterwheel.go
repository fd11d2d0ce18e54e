package sim

import (
	"sync"
	"time"

	"github.com/timzifer/plscan/deviceio"
)

// FilterWheelPositions is the number of slots of an FW102C wheel.
const FilterWheelPositions = 6

// FilterWheel simulates a six position filter wheel.
type FilterWheel struct {
	faults

	name    string
	latency time.Duration

	mu       sync.Mutex
	position int
	moves    int
}

// NewFilterWheel returns a wheel at position 1.
func NewFilterWheel(name string, settings Settings) *FilterWheel {
	return &FilterWheel{name: name, latency: settings.MoveLatency, position: 1}
}

func (w *FilterWheel) Name() string { return w.name }
func (w *FilterWheel) Open() error  { return w.faults.open() }
func (w *FilterWheel) Close() error { return nil }

func (w *FilterWheel) Get(field deviceio.Field) (float64, error) {
	if err := w.check(field); err != nil {
		return 0, err
	}
	if field != deviceio.FieldFilter {
		return 0, deviceio.ErrUnsupportedField
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return float64(w.position), nil
}

func (w *FilterWheel) Set(field deviceio.Field, value float64) error {
	if err := w.check(field); err != nil {
		return err
	}
	if field != deviceio.FieldFilter {
		return deviceio.ErrUnsupportedField
	}
	pos, err := checkIndex(field, value, 1, FilterWheelPositions)
	if err != nil {
		return err
	}
	if w.latency > 0 {
		time.Sleep(w.latency)
	}
	w.mu.Lock()
	w.position = pos
	w.moves++
	w.mu.Unlock()
	return nil
}

// Moves returns the number of wheel moves performed.
func (w *FilterWheel) Moves() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.moves
}
