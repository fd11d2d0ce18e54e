// Package sim provides simulated bench instruments so scans can run without
// hardware attached.
package sim

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/timzifer/plscan/deviceio"
)

// Settings configure the simulated instruments.
type Settings struct {
	// MoveLatency is slept on every mechanical move.
	MoveLatency time.Duration
	// Seed fixes the lock-in noise generator.
	Seed *int64
	// Gratings is the number of turret positions, default 3.
	Gratings int
}

// faults lets tests inject errors per field.
type faults struct {
	mu      sync.Mutex
	openErr error
	fields  map[deviceio.Field]error
}

// FailOpen makes the next Open return err.
func (f *faults) FailOpen(err error) {
	f.mu.Lock()
	f.openErr = err
	f.mu.Unlock()
}

// Fail makes Get and Set of field return err until cleared with a nil error.
func (f *faults) Fail(field deviceio.Field, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fields == nil {
		f.fields = make(map[deviceio.Field]error)
	}
	if err == nil {
		delete(f.fields, field)
		return
	}
	f.fields[field] = err
}

func (f *faults) check(field deviceio.Field) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fields[field]
}

func (f *faults) open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openErr
}

func checkIndex(field deviceio.Field, value float64, lo, hi int) (int, error) {
	i := int(math.Round(value))
	if i < lo || i > hi {
		return 0, fmt.Errorf("%s %d out of range [%d, %d]", field, i, lo, hi)
	}
	return i, nil
}
