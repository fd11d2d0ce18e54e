// Package sr830 drives a Stanford Research SR830 lock-in amplifier over its
// RS-232 interface.
package sr830

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/timzifer/plscan/deviceio"
	"github.com/timzifer/plscan/drivers/serialport"
)

type register struct {
	cmd    string
	lo, hi int
}

var registers = map[deviceio.Field]register{
	deviceio.FieldSensitivityIndex:   {"SENS", 0, 26},
	deviceio.FieldTimeConstantIndex:  {"OFLT", 0, 19},
	deviceio.FieldReserveMode:        {"RMOD", 0, 2},
	deviceio.FieldInputLineFilter:    {"ILIN", 0, 3},
	deviceio.FieldInputConfiguration: {"ISRC", 0, 3},
	deviceio.FieldFilterSlope:        {"OFSL", 0, 3},
}

// Lockin implements deviceio.Device and deviceio.OutputReader.
type Lockin struct {
	name     string
	settings serialport.Settings
	opener   serialport.Opener
	logger   zerolog.Logger

	conn *serialport.Conn
}

// New creates a driver. A nil opener uses the physical port.
func New(name string, settings serialport.Settings, opener serialport.Opener, logger zerolog.Logger) *Lockin {
	if opener == nil {
		opener = serialport.OpenSerial
	}
	if settings.Baud <= 0 {
		settings.Baud = 9600
	}
	return &Lockin{name: name, settings: settings, opener: opener, logger: logger}
}

func (l *Lockin) Name() string { return l.name }

// Open routes responses to the serial interface and checks the identity.
func (l *Lockin) Open() error {
	port, err := l.opener(l.settings)
	if err != nil {
		return err
	}
	l.conn = serialport.NewConn(port, serialport.WithReadTerminator('\r'), serialport.WithLogger(l.logger))
	err = l.conn.Command("OUTX 0")
	var id string
	if err == nil {
		id, err = l.conn.Query("*IDN?")
	}
	if err == nil && !strings.Contains(id, "SR830") {
		err = fmt.Errorf("wrong instrument id %q", id)
	}
	if err != nil {
		l.conn.Close()
		l.conn = nil
		return err
	}
	return nil
}

func (l *Lockin) Close() error {
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	return err
}

func (l *Lockin) Get(field deviceio.Field) (float64, error) {
	reg, ok := registers[field]
	if !ok {
		return 0, deviceio.ErrUnsupportedField
	}
	if l.conn == nil {
		return 0, deviceio.ErrNotInitialized
	}
	resp, err := l.conn.Query("%s?", reg.cmd)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(resp)
	if err != nil {
		return 0, fmt.Errorf("%s?: unexpected response %q", reg.cmd, resp)
	}
	return float64(v), nil
}

func (l *Lockin) Set(field deviceio.Field, value float64) error {
	reg, ok := registers[field]
	if !ok {
		return deviceio.ErrUnsupportedField
	}
	i := int(math.Round(value))
	if i < reg.lo || i > reg.hi {
		return fmt.Errorf("%s %d out of range [%d, %d]", field, i, reg.lo, reg.hi)
	}
	if l.conn == nil {
		return deviceio.ErrNotInitialized
	}
	return l.conn.Command("%s %d", reg.cmd, i)
}

// Outputs takes a simultaneous snapshot of R and theta.
func (l *Lockin) Outputs() (float64, float64, error) {
	if l.conn == nil {
		return 0, 0, deviceio.ErrNotInitialized
	}
	resp, err := l.conn.Query("SNAP?3,4")
	if err != nil {
		return 0, 0, err
	}
	parts := strings.Split(resp, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("SNAP?: unexpected response %q", resp)
	}
	r, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("SNAP?: %w", err)
	}
	theta, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("SNAP?: %w", err)
	}
	return r, theta, nil
}
