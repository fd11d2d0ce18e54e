// Package spectrapro drives an Acton SpectraPro monochromator over RS-232.
//
// Every command is answered with an echo, optional data and a trailing "ok".
// Mechanical moves only answer once the move completes, so they are allowed
// to run past the port read timeout up to the move timeout.
package spectrapro

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/plscan/deviceio"
	"github.com/timzifer/plscan/drivers/serialport"
)

const (
	// DefaultMoveTimeout bounds a grating change, the slowest move.
	DefaultMoveTimeout = 30 * time.Second
	maxGrating         = 9
)

// Monochromator implements deviceio.Device.
type Monochromator struct {
	name        string
	settings    serialport.Settings
	opener      serialport.Opener
	moveTimeout time.Duration
	logger      zerolog.Logger

	conn     *serialport.Conn
	entrance float64
	exit     float64
}

// New creates a driver. A nil opener uses the physical port.
func New(name string, settings serialport.Settings, opener serialport.Opener, logger zerolog.Logger) *Monochromator {
	if opener == nil {
		opener = serialport.OpenSerial
	}
	if settings.Baud <= 0 {
		settings.Baud = 9600
	}
	return &Monochromator{
		name:        name,
		settings:    settings,
		opener:      opener,
		moveTimeout: DefaultMoveTimeout,
		logger:      logger,
		exit:        deviceio.MirrorSide,
	}
}

// SetMoveTimeout overrides DefaultMoveTimeout.
func (m *Monochromator) SetMoveTimeout(d time.Duration) {
	if d > 0 {
		m.moveTimeout = d
	}
}

func (m *Monochromator) Name() string { return m.name }

// Open connects and checks the controller answers a position query.
func (m *Monochromator) Open() error {
	port, err := m.opener(m.settings)
	if err != nil {
		return err
	}
	m.conn = serialport.NewConn(port, serialport.WithLogger(m.logger))
	if _, err := m.query("?NM"); err != nil {
		m.conn.Close()
		m.conn = nil
		return fmt.Errorf("probe: %w", err)
	}
	return nil
}

func (m *Monochromator) Close() error {
	if m.conn == nil {
		return nil
	}
	err := m.conn.Close()
	m.conn = nil
	return err
}

func (m *Monochromator) Get(field deviceio.Field) (float64, error) {
	switch field {
	case deviceio.FieldWavelength:
		return m.query("?NM")
	case deviceio.FieldGrating:
		return m.query("?GRATING")
	case deviceio.FieldEntranceMirror:
		return m.entrance, nil
	case deviceio.FieldExitMirror:
		return m.exit, nil
	default:
		return 0, deviceio.ErrUnsupportedField
	}
}

func (m *Monochromator) Set(field deviceio.Field, value float64) error {
	switch field {
	case deviceio.FieldWavelength:
		if value < 0 || math.IsNaN(value) {
			return fmt.Errorf("invalid wavelength %g", value)
		}
		_, err := m.exchange(fmt.Sprintf("%.3f GOTO", value), m.moveTimeout)
		return err
	case deviceio.FieldGrating:
		i := int(math.Round(value))
		if i < 1 || i > maxGrating {
			return fmt.Errorf("grating %d out of range [1, %d]", i, maxGrating)
		}
		_, err := m.exchange(fmt.Sprintf("%d GRATING", i), m.moveTimeout)
		return err
	case deviceio.FieldEntranceMirror, deviceio.FieldExitMirror:
		if value != deviceio.MirrorFront && value != deviceio.MirrorSide {
			return fmt.Errorf("invalid mirror position %g", value)
		}
		cmd := "ENT-MIRROR"
		if field == deviceio.FieldExitMirror {
			cmd = "EXIT-MIRROR"
		}
		if _, err := m.exchange(cmd+" "+strings.ToUpper(deviceio.MirrorName(value)), m.settings.Timeout); err != nil {
			return err
		}
		if field == deviceio.FieldEntranceMirror {
			m.entrance = value
		} else {
			m.exit = value
		}
		return nil
	default:
		return deviceio.ErrUnsupportedField
	}
}

func (m *Monochromator) query(cmd string) (float64, error) {
	data, err := m.exchange(cmd, m.settings.Timeout)
	if err != nil {
		return 0, err
	}
	return parseNumber(data)
}

// exchange sends cmd and collects response lines until one ends in "ok".
// The echo and the "ok" are stripped from the returned data.
func (m *Monochromator) exchange(cmd string, timeout time.Duration) (string, error) {
	if m.conn == nil {
		return "", deviceio.ErrNotInitialized
	}
	if err := m.conn.Command("%s", cmd); err != nil {
		return "", err
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	deadline := time.Now().Add(timeout)
	var parts []string
	for {
		line, err := m.conn.ReadLine()
		if errors.Is(err, serialport.ErrTimeout) && time.Now().Before(deadline) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("%s: %w", cmd, err)
		}
		if done, data := stripResponse(cmd, line); done {
			parts = append(parts, data)
			return strings.TrimSpace(strings.Join(parts, " ")), nil
		} else if data != "" {
			parts = append(parts, data)
		}
	}
}

func stripResponse(cmd, line string) (bool, string) {
	line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), cmd))
	if line == "ok" {
		return true, ""
	}
	if strings.HasSuffix(line, " ok") {
		return true, strings.TrimSpace(strings.TrimSuffix(line, " ok"))
	}
	return false, line
}

// parseNumber reads the first numeric token, so "812.500 nm" and "2" both work.
func parseNumber(data string) (float64, error) {
	for _, tok := range strings.Fields(data) {
		if v, err := strconv.ParseFloat(tok, 64); err == nil {
			return v, nil
		}
	}
	return 0, fmt.Errorf("unexpected response %q", data)
}
