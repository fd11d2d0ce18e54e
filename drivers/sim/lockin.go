package sim

import (
	"math"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/timzifer/plscan/deviceio"
)

// Lineshape returns the simulated magnitude at a wavelength in nm.
type Lineshape func(wavelength float64) float64

// GaussianPeak returns a Gaussian emission line on top of a small offset.
func GaussianPeak(center, width, amplitude, offset float64) Lineshape {
	return func(w float64) float64 {
		x := (w - center) / width
		return amplitude*math.Exp(-x*x) + offset
	}
}

// Lockin simulates an SR830 lock-in amplifier.
type Lockin struct {
	faults

	name     string
	position func() float64
	shape    Lineshape
	noise    *mathrand.Rand
	noiseMu  sync.Mutex

	mu     sync.Mutex
	fields map[deviceio.Field]int
	reads  int
}

var lockinRanges = map[deviceio.Field][2]int{
	deviceio.FieldSensitivityIndex:   {0, 26},
	deviceio.FieldTimeConstantIndex:  {0, 19},
	deviceio.FieldReserveMode:        {0, 2},
	deviceio.FieldInputLineFilter:    {0, 3},
	deviceio.FieldInputConfiguration: {0, 3},
	deviceio.FieldFilterSlope:        {0, 3},
}

// NewLockin returns a lock-in at 1 mV sensitivity and 300 ms. position
// reports the wavelength the light comes from; nil means a fixed 1000 nm.
func NewLockin(name string, settings Settings, position func() float64, shape Lineshape) *Lockin {
	seed := time.Now().UnixNano()
	if settings.Seed != nil {
		seed = *settings.Seed
	}
	if position == nil {
		position = func() float64 { return 1000 }
	}
	if shape == nil {
		shape = GaussianPeak(1550, 60, 1e-4, 1e-6)
	}
	return &Lockin{
		name:     name,
		position: position,
		shape:    shape,
		noise:    mathrand.New(mathrand.NewSource(seed)),
		fields: map[deviceio.Field]int{
			deviceio.FieldSensitivityIndex:   17,
			deviceio.FieldTimeConstantIndex:  9,
			deviceio.FieldReserveMode:        0,
			deviceio.FieldInputLineFilter:    3,
			deviceio.FieldInputConfiguration: 0,
			deviceio.FieldFilterSlope:        1,
		},
	}
}

func (l *Lockin) Name() string { return l.name }
func (l *Lockin) Open() error  { return l.faults.open() }
func (l *Lockin) Close() error { return nil }

func (l *Lockin) Get(field deviceio.Field) (float64, error) {
	if err := l.check(field); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.fields[field]
	if !ok {
		return 0, deviceio.ErrUnsupportedField
	}
	return float64(v), nil
}

func (l *Lockin) Set(field deviceio.Field, value float64) error {
	if err := l.check(field); err != nil {
		return err
	}
	bounds, ok := lockinRanges[field]
	if !ok {
		return deviceio.ErrUnsupportedField
	}
	i, err := checkIndex(field, value, bounds[0], bounds[1])
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.fields[field] = i
	l.mu.Unlock()
	return nil
}

// Outputs returns the lineshape at the current position with 1% noise.
func (l *Lockin) Outputs() (float64, float64, error) {
	if err := l.check(""); err != nil {
		return 0, 0, err
	}
	r := l.shape(l.position())
	l.noiseMu.Lock()
	r *= 1 + 0.01*l.noise.NormFloat64()
	theta := math.Mod(l.noise.Float64()*1e-3/math.Max(r, 1e-12)+180, 360) - 180
	l.noiseMu.Unlock()

	l.mu.Lock()
	l.reads++
	l.mu.Unlock()
	return math.Abs(r), theta, nil
}

// Reads returns how many measurements were taken.
func (l *Lockin) Reads() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reads
}

// FailOutputs makes Outputs return err until cleared with nil.
func (l *Lockin) FailOutputs(err error) {
	l.Fail("", err)
}
