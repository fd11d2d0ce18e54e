// Package scan runs wavelength sweeps: it walks the spectrometer from start
// to stop, auto-ranges the lock-in at every point and records the spectrum.
package scan

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/timzifer/plscan/autorange"
	"github.com/timzifer/plscan/bands"
	"github.com/timzifer/plscan/instruments"
)

// State is the lifecycle position of a scan session.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateFinished State = "finished"
	StateAborted  State = "aborted"
	StateFailed   State = "failed"
)

// Terminal reports whether the session has ended.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateAborted || s == StateFailed
}

const (
	statusDiverters = "Configuring Diverters..."
	statusLockin    = "Configuring Lock-in..."
	statusScanning  = "Scanning..."
	statusAborted   = "Scan aborted."
	statusFinished  = "Scan finished."
	statusMoving    = "Changing wavelength..."
	statusIdle      = "Idle."

	// wavelength targets are rounded to the monochromator resolution
	targetPlaces = 3
)

var (
	// ErrScanRunning is returned when a scan or move is already in progress.
	ErrScanRunning = errors.New("scan already running")
	// ErrInvalidRequest wraps scan request validation failures.
	ErrInvalidRequest = errors.New("invalid scan request")
)

// Request describes one sweep.
type Request struct {
	Start float64       `json:"start"`
	Stop  float64       `json:"stop"`
	Step  float64       `json:"step"`
	Delay time.Duration `json:"delay"`
}

// Validate checks the step direction and the numeric fields.
func (r Request) Validate() error {
	for name, v := range map[string]float64{"start": r.Start, "stop": r.Stop, "step": r.Step} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is not finite", ErrInvalidRequest, name)
		}
	}
	if r.Step == 0 {
		return fmt.Errorf("%w: step must not be zero", ErrInvalidRequest)
	}
	if r.Start != r.Stop && (r.Stop-r.Start > 0) != (r.Step > 0) {
		return fmt.Errorf("%w: step %g points away from stop", ErrInvalidRequest, r.Step)
	}
	if r.Delay < 0 {
		return fmt.Errorf("%w: negative delay", ErrInvalidRequest)
	}
	return nil
}

// Points returns the number of samples a complete sweep records.
func (r Request) Points() int {
	start := decimal.NewFromFloat(r.Start)
	span := decimal.NewFromFloat(r.Stop).Sub(start)
	step := decimal.NewFromFloat(r.Step)
	if step.IsZero() {
		return 0
	}
	return int(span.Div(step).Floor().IntPart()) + 1
}

// Targets lists the wavelengths a complete sweep visits.
func (r Request) Targets() []float64 {
	var out []float64
	for it := newStepper(r); !it.done(); it.advance() {
		out = append(out, it.value())
	}
	return out
}

// stepper advances in decimal arithmetic so long sweeps do not drift.
type stepper struct {
	target   decimal.Decimal
	step     decimal.Decimal
	stop     decimal.Decimal
	negative bool
}

func newStepper(r Request) *stepper {
	return &stepper{
		target:   decimal.NewFromFloat(r.Start),
		step:     decimal.NewFromFloat(r.Step),
		stop:     decimal.NewFromFloat(r.Stop),
		negative: r.Step < 0,
	}
}

func (s *stepper) value() float64 {
	return s.target.Round(targetPlaces).InexactFloat64()
}

func (s *stepper) advance() {
	s.target = s.target.Add(s.step)
}

func (s *stepper) done() bool {
	if s.negative {
		return s.target.LessThan(s.stop)
	}
	return s.target.GreaterThan(s.stop)
}

// Spectrometer is the motion side of the bench.
type Spectrometer interface {
	Apply(ctx context.Context, target bands.Assignment) (bool, error)
	SetWavelength(ctx context.Context, wavelength float64) (float64, error)
	SetMirrors(ctx context.Context, entrance, exit float64) error
}

// Lockin is the measurement side of the bench.
type Lockin interface {
	autorange.Adjustable
	TimeConstant(ctx context.Context) (time.Duration, error)
	Configure(ctx context.Context, settings instruments.LockinSettings) error
}

// Response supplies the system response used for normalisation.
type Response interface {
	ResponseAt(wavelength float64) float64
}
