// Package instruments exposes the spectrometer and lock-in amplifier as typed
// APIs on top of their command buses.
package instruments

import (
	"fmt"
	"time"
)

// VoltageSensitivities lists the lock-in full-scale ranges in volts, indexed
// by sensitivity index.
var VoltageSensitivities = []float64{
	2e-9, 5e-9,
	1e-8, 2e-8, 5e-8,
	1e-7, 2e-7, 5e-7,
	1e-6, 2e-6, 5e-6,
	1e-5, 2e-5, 5e-5,
	1e-4, 2e-4, 5e-4,
	1e-3, 2e-3, 5e-3,
	1e-2, 2e-2, 5e-2,
	1e-1, 2e-1, 5e-1,
	1,
}

// CurrentSensitivities lists the lock-in full-scale ranges in amperes.
var CurrentSensitivities = []float64{
	2e-15, 5e-15,
	1e-14, 2e-14, 5e-14,
	1e-13, 2e-13, 5e-13,
	1e-12, 2e-12, 5e-12,
	1e-11, 2e-11, 5e-11,
	1e-10, 2e-10, 5e-10,
	1e-9, 2e-9, 5e-9,
	1e-8, 2e-8, 5e-8,
	1e-7, 2e-7, 5e-7,
	1e-6,
}

// TimeConstants lists the lock-in time constants in seconds.
var TimeConstants = []float64{
	1e-5, 3e-5,
	1e-4, 3e-4,
	1e-3, 3e-3,
	1e-2, 3e-2,
	1e-1, 3e-1,
	1, 3,
	10, 30,
	100, 300,
	1e3, 3e3,
	1e4, 3e4,
}

// AutoAdjustTimeConstantIndex is the largest time constant (1 s) used while
// auto-adjusting the sensitivity.
const AutoAdjustTimeConstantIndex = 10

// SensitivityTable returns the full-scale table for an input configuration.
// Configurations 0 (A) and 1 (A-B) measure voltage, 2 and 3 measure current.
func SensitivityTable(inputConfiguration int) []float64 {
	if inputConfiguration < 2 {
		return VoltageSensitivities
	}
	return CurrentSensitivities
}

// TimeConstant converts a time-constant index into a duration.
func TimeConstant(index int) (time.Duration, error) {
	if index < 0 || index >= len(TimeConstants) {
		return 0, fmt.Errorf("time constant index %d out of range [0, %d]", index, len(TimeConstants)-1)
	}
	return time.Duration(TimeConstants[index] * float64(time.Second)), nil
}

// SettleFactor returns the number of time constants needed to reach 99% of
// the final value for a low-pass filter slope index (6, 12, 18, 24 dB/oct).
func SettleFactor(slopeIndex int) (float64, error) {
	switch slopeIndex {
	case 0:
		return 5, nil
	case 1:
		return 7, nil
	case 2:
		return 9, nil
	case 3:
		return 10, nil
	default:
		return 0, fmt.Errorf("unexpected filter slope index %d", slopeIndex)
	}
}
