// Package bands maps wavelengths onto the grating and filter that cover them.
package bands

import (
	"fmt"
	"sort"
	"sync"
)

// Assignment is the optical configuration used for one wavelength interval.
type Assignment struct {
	Grating int `json:"grating" yaml:"grating"`
	Filter  int `json:"filter" yaml:"filter"`
}

// String renders the assignment for log output.
func (a Assignment) String() string {
	return fmt.Sprintf("grating %d/filter %d", a.Grating, a.Filter)
}

// OutOfRangeError reports a wavelength outside the configured table.
type OutOfRangeError struct {
	Wavelength float64
	Min        float64
	Max        float64
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("wavelength %g nm outside configured range [%g, %g]", e.Wavelength, e.Min, e.Max)
}

// InvalidConfigurationError reports a malformed breakpoint table.
type InvalidConfigurationError struct {
	Reason string
}

func (e *InvalidConfigurationError) Error() string {
	return "invalid band configuration: " + e.Reason
}

// Table is an immutable breakpoint table. Breakpoints are strictly
// ascending and interval i spans [Breakpoints[i], Breakpoints[i+1]).
type Table struct {
	breakpoints []float64
	assignments []Assignment
}

// NewTable validates and copies the supplied breakpoints and assignments.
func NewTable(breakpoints []float64, assignments []Assignment) (*Table, error) {
	if len(breakpoints) < 2 {
		return nil, &InvalidConfigurationError{Reason: fmt.Sprintf("need at least 2 breakpoints, got %d", len(breakpoints))}
	}
	if len(assignments) != len(breakpoints)-1 {
		return nil, &InvalidConfigurationError{
			Reason: fmt.Sprintf("%d breakpoints require %d assignments, got %d", len(breakpoints), len(breakpoints)-1, len(assignments)),
		}
	}
	for i := 1; i < len(breakpoints); i++ {
		if !(breakpoints[i] > breakpoints[i-1]) {
			return nil, &InvalidConfigurationError{
				Reason: fmt.Sprintf("breakpoint %d (%g) is not greater than breakpoint %d (%g)", i, breakpoints[i], i-1, breakpoints[i-1]),
			}
		}
	}
	return &Table{
		breakpoints: append([]float64(nil), breakpoints...),
		assignments: append([]Assignment(nil), assignments...),
	}, nil
}

// Default returns the table shipped with the bench: an InGaAs range covered by
// two gratings and three long-pass filters.
func Default() *Table {
	table, err := NewTable(
		[]float64{800, 1592, 2353, 5500},
		[]Assignment{{Grating: 2, Filter: 1}, {Grating: 3, Filter: 2}, {Grating: 3, Filter: 3}},
	)
	if err != nil {
		panic(err)
	}
	return table
}

// Resolve returns the assignment of the interval containing wavelength.
// The last interval is closed on the right.
func (t *Table) Resolve(wavelength float64) (Assignment, error) {
	if !t.Contains(wavelength) {
		return Assignment{}, &OutOfRangeError{Wavelength: wavelength, Min: t.Min(), Max: t.Max()}
	}
	last := len(t.assignments) - 1
	// first breakpoint above wavelength closes its interval
	i := sort.Search(len(t.breakpoints), func(i int) bool { return t.breakpoints[i] > wavelength }) - 1
	if i > last {
		i = last
	}
	return t.assignments[i], nil
}

// Contains reports whether Resolve would succeed for wavelength. NaN is
// never contained.
func (t *Table) Contains(wavelength float64) bool {
	return wavelength >= t.Min() && wavelength <= t.Max()
}

// Min returns the first breakpoint.
func (t *Table) Min() float64 { return t.breakpoints[0] }

// Max returns the closing breakpoint.
func (t *Table) Max() float64 { return t.breakpoints[len(t.breakpoints)-1] }

// Breakpoints returns a copy of the breakpoints.
func (t *Table) Breakpoints() []float64 {
	return append([]float64(nil), t.breakpoints...)
}

// Assignments returns a copy of the per-interval assignments.
func (t *Table) Assignments() []Assignment {
	return append([]Assignment(nil), t.assignments...)
}

// Resolver guards the active table so it can be replaced while scans read it.
type Resolver struct {
	mu    sync.RWMutex
	table *Table
}

// NewResolver wraps table; a nil table installs Default.
func NewResolver(table *Table) *Resolver {
	if table == nil {
		table = Default()
	}
	return &Resolver{table: table}
}

// Table returns the active table.
func (r *Resolver) Table() *Table {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.table
}

// SetTable validates and installs a new table. The active table is left
// untouched on error.
func (r *Resolver) SetTable(breakpoints []float64, assignments []Assignment) error {
	table, err := NewTable(breakpoints, assignments)
	if err != nil {
		return err
	}
	r.Replace(table)
	return nil
}

// Replace installs an already validated table.
func (r *Resolver) Replace(table *Table) {
	if table == nil {
		return
	}
	r.mu.Lock()
	r.table = table
	r.mu.Unlock()
}

// Resolve delegates to the active table.
func (r *Resolver) Resolve(wavelength float64) (Assignment, error) {
	return r.Table().Resolve(wavelength)
}
