// Package deviceio defines the capability interface implemented by instrument
// drivers and the error types shared by everything that talks to hardware.
package deviceio

import (
	"errors"
	"fmt"
	"strings"
)

// Field names a readable and writable instrument parameter.
type Field string

const (
	FieldGrating           Field = "grating"
	FieldFilter            Field = "filter"
	FieldWavelength        Field = "wavelength"
	FieldSensitivityIndex  Field = "sensitivity_index"
	FieldTimeConstantIndex Field = "time_constant_index"
	FieldReserveMode       Field = "reserve_mode"
	FieldInputLineFilter   Field = "input_line_filter"
	FieldEntranceMirror    Field = "entrance_mirror"
	FieldExitMirror        Field = "exit_mirror"
	// FieldInputConfiguration selects voltage (<2) or current input on the lock-in.
	FieldInputConfiguration Field = "input_configuration"
	FieldFilterSlope        Field = "filter_slope"
)

var knownFields = []Field{
	FieldGrating, FieldFilter, FieldWavelength, FieldSensitivityIndex, FieldTimeConstantIndex,
	FieldReserveMode, FieldInputLineFilter, FieldEntranceMirror, FieldExitMirror,
	FieldInputConfiguration, FieldFilterSlope,
}

// Fields lists every field known to the bench.
func Fields() []Field {
	return append([]Field(nil), knownFields...)
}

// ParseField normalises a textual field name.
func ParseField(value string) (Field, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	for _, f := range knownFields {
		if string(f) == normalized {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown device field %q", value)
}

// Motion reports whether writing the field moves mechanics.
func (f Field) Motion() bool {
	switch f {
	case FieldGrating, FieldFilter, FieldWavelength:
		return true
	default:
		return false
	}
}

// Mirror positions of the spectrometer diverters.
const (
	MirrorFront float64 = 0
	MirrorSide  float64 = 1
)

// ParseMirror converts "front" or "side" into a mirror position.
func ParseMirror(value string) (float64, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "front":
		return MirrorFront, nil
	case "side":
		return MirrorSide, nil
	default:
		return 0, fmt.Errorf("unknown mirror position %q", value)
	}
}

// MirrorName renders a mirror position.
func MirrorName(position float64) string {
	if position == MirrorSide {
		return "side"
	}
	return "front"
}

// Device is a blocking, single-caller view of a physical instrument.
//
// Implementations are not required to be safe for concurrent use; the
// command bus guarantees that only one goroutine calls into a device at a
// time. Get and Set return ErrUnsupportedField for fields the instrument
// does not expose.
type Device interface {
	Name() string
	Open() error
	Get(field Field) (float64, error)
	Set(field Field, value float64) error
	Close() error
}

// OutputReader is implemented by devices that produce a measurement, such as
// the lock-in amplifier.
type OutputReader interface {
	// Outputs returns the magnitude R and phase theta in degrees.
	Outputs() (r, theta float64, err error)
}

var (
	// ErrUnsupportedField is returned by drivers for fields they do not implement.
	ErrUnsupportedField = errors.New("field not supported by device")
	// ErrNotInitialized is returned for commands issued before a successful Open.
	ErrNotInitialized = errors.New("device not initialized")
)

// DeviceError wraps an I/O failure with the device and field involved.
type DeviceError struct {
	Device string
	Field  Field
	Op     string
	Err    error
}

func (e *DeviceError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s: %v", e.Device, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s %s: %v", e.Device, e.Op, e.Field, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// InitializationError reports that a device could not be opened. The
// device stays unusable for the rest of the session.
type InitializationError struct {
	Device string
	Err    error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("%s: initialization failed: %v", e.Device, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }
