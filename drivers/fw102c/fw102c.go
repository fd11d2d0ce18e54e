// Package fw102c drives a Thorlabs FW102C six position filter wheel.
//
// The wheel echoes every command terminated by a carriage return, answers
// queries on the following line and then prints a "> " prompt.
package fw102c

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/timzifer/plscan/deviceio"
	"github.com/timzifer/plscan/drivers/serialport"
)

const (
	// Positions is the number of filter slots.
	Positions = 6
	// Baud is the fixed rate of the wheel's USB serial bridge.
	Baud = 115200

	commandError = "Command error"
)

// FilterWheel implements deviceio.Device.
type FilterWheel struct {
	name     string
	settings serialport.Settings
	opener   serialport.Opener
	logger   zerolog.Logger

	conn *serialport.Conn
	id   string
}

// New creates a driver. A nil opener uses the physical port.
func New(name string, settings serialport.Settings, opener serialport.Opener, logger zerolog.Logger) *FilterWheel {
	if opener == nil {
		opener = serialport.OpenSerial
	}
	if settings.Baud <= 0 {
		settings.Baud = Baud
	}
	return &FilterWheel{name: name, settings: settings, opener: opener, logger: logger}
}

func (w *FilterWheel) Name() string { return w.name }

// ID returns the identification string read during Open.
func (w *FilterWheel) ID() string { return w.id }

// Open connects and checks the identification. The wheel answers the first
// command after power-up with "Command error", so the query is retried once.
func (w *FilterWheel) Open() error {
	port, err := w.opener(w.settings)
	if err != nil {
		return err
	}
	w.conn = serialport.NewConn(port, serialport.WithReadTerminator('\r'), serialport.WithLogger(w.logger))
	id, err := w.ask("*idn?")
	if err == nil && id == commandError {
		id, err = w.ask("*idn?")
	}
	if err == nil && !strings.Contains(id, "FW102C") {
		err = fmt.Errorf("wrong instrument id %q", id)
	}
	if err != nil {
		w.conn.Close()
		w.conn = nil
		return err
	}
	w.id = id
	return nil
}

func (w *FilterWheel) Close() error {
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	return err
}

func (w *FilterWheel) Get(field deviceio.Field) (float64, error) {
	if field != deviceio.FieldFilter {
		return 0, deviceio.ErrUnsupportedField
	}
	resp, err := w.ask("pos?")
	if err != nil {
		return 0, err
	}
	pos, err := strconv.Atoi(resp)
	if err != nil {
		return 0, fmt.Errorf("unexpected position %q", resp)
	}
	return float64(pos), nil
}

func (w *FilterWheel) Set(field deviceio.Field, value float64) error {
	if field != deviceio.FieldFilter {
		return deviceio.ErrUnsupportedField
	}
	pos := int(math.Round(value))
	if pos < 1 || pos > Positions {
		return fmt.Errorf("filter %d out of range [1, %d]", pos, Positions)
	}
	if w.conn == nil {
		return deviceio.ErrNotInitialized
	}
	cmd := fmt.Sprintf("pos=%d", pos)
	echo, err := w.conn.Query("%s", cmd)
	if err != nil {
		return err
	}
	if resp := clean(echo); resp == commandError {
		return fmt.Errorf("%s: %s", cmd, resp)
	}
	return nil
}

// ask sends a query and returns the line after the echo.
func (w *FilterWheel) ask(cmd string) (string, error) {
	if w.conn == nil {
		return "", deviceio.ErrNotInitialized
	}
	echo, err := w.conn.Query("%s", cmd)
	if err != nil {
		return "", err
	}
	if clean(echo) == commandError {
		return commandError, nil
	}
	resp, err := w.conn.ReadLine()
	if err != nil {
		return "", fmt.Errorf("%s: %w", cmd, err)
	}
	return clean(resp), nil
}

func clean(line string) string {
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), ">"))
}
