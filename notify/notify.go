// Package notify carries bench notifications from the device buses and the
// scan controller to loggers, brokers, time-series stores and API clients.
package notify

import (
	"time"

	"github.com/timzifer/plscan/deviceio"
)

// Kind identifies a notification.
type Kind string

const (
	KindChangingGrating    Kind = "changing_grating"
	KindChangingFilter     Kind = "changing_filter"
	KindChangingWavelength Kind = "changing_wavelength"
	KindGrating            Kind = "grating"
	KindFilter             Kind = "filter"
	KindWavelength         Kind = "wavelength"
	KindRawSignal          Kind = "raw_signal"
	KindPhase              Kind = "phase"
	KindSample             Kind = "sample"
	KindScanStarted        Kind = "scan_started"
	KindScanStatus         Kind = "scan_status"
	KindScanFinished       Kind = "scan_finished"
	KindScanAborted        Kind = "scan_aborted"
	KindScanFailed         Kind = "scan_failed"
	KindInitFailed         Kind = "init_failed"
	KindWarning            Kind = "warning"
)

// Terminal reports whether the kind ends a scan or a device session.
func (k Kind) Terminal() bool {
	switch k {
	case KindScanFinished, KindScanAborted, KindScanFailed, KindInitFailed:
		return true
	default:
		return false
	}
}

// Sample is one recorded point of a spectrum.
type Sample struct {
	Wavelength float64 `json:"wavelength"`
	Raw        float64 `json:"raw"`
	Phase      float64 `json:"phase"`
	Normalized float64 `json:"normalized"`
}

// Event is a single notification.
type Event struct {
	Kind    Kind      `json:"kind"`
	Time    time.Time `json:"time"`
	Device  string    `json:"device,omitempty"`
	Session string    `json:"session,omitempty"`
	Value   float64   `json:"value"`
	Text    string    `json:"text,omitempty"`
	Error   string    `json:"error,omitempty"`
	Sample  *Sample   `json:"sample,omitempty"`
}

// Emitter receives events. Implementations must be safe for concurrent use
// because both device workers and the scan goroutine emit.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event)

// Emit calls f(ev).
func (f EmitterFunc) Emit(ev Event) { f(ev) }

type discard struct{}

func (discard) Emit(Event) {}

// Discard returns an emitter that drops everything.
func Discard() Emitter { return discard{} }

// MotionKinds returns the changing and changed kinds for a motion field.
func MotionKinds(field deviceio.Field) (changing, changed Kind, ok bool) {
	switch field {
	case deviceio.FieldGrating:
		return KindChangingGrating, KindGrating, true
	case deviceio.FieldFilter:
		return KindChangingFilter, KindFilter, true
	case deviceio.FieldWavelength:
		return KindChangingWavelength, KindWavelength, true
	default:
		return "", "", false
	}
}

// Status builds a scan status event.
func Status(session, text string) Event {
	return Event{Kind: KindScanStatus, Session: session, Text: text}
}

// Failure builds an event of kind carrying err.
func Failure(kind Kind, device, session string, err error) Event {
	ev := Event{Kind: kind, Device: device, Session: session}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}
