// Package serialport provides the line oriented command/query transport shared
// by the serial instrument drivers.
package serialport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"
)

// ErrTimeout is returned when no terminator arrives within the read timeout.
var ErrTimeout = errors.New("serial read timeout")

// Settings describe how to reach an instrument.
type Settings struct {
	Port    string
	Baud    int
	Timeout time.Duration
}

// Opener opens a port. Tests substitute an in-memory implementation.
type Opener func(settings Settings) (io.ReadWriteCloser, error)

// OpenSerial opens a physical port with 8N1 framing.
func OpenSerial(settings Settings) (io.ReadWriteCloser, error) {
	if settings.Port == "" {
		return nil, fmt.Errorf("serial port is required")
	}
	baud := settings.Baud
	if baud <= 0 {
		baud = 9600
	}
	port, err := serial.Open(settings.Port, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", settings.Port, err)
	}
	timeout := settings.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("configure %s: %w", settings.Port, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, fmt.Errorf("flush %s: %w", settings.Port, err)
	}
	return port, nil
}

// Conn serialises commands and queries on one port.
type Conn struct {
	mu       sync.Mutex
	port     io.ReadWriteCloser
	writeEnd string
	readEnd  byte
	logger   zerolog.Logger
	pending  []byte
}

// Option configures a Conn.
type Option func(*Conn)

// WithWriteTerminator sets the string appended to every command. Default "\r".
func WithWriteTerminator(term string) Option {
	return func(c *Conn) { c.writeEnd = term }
}

// WithReadTerminator sets the byte ending every response line. Default '\n'.
func WithReadTerminator(term byte) Option {
	return func(c *Conn) { c.readEnd = term }
}

// WithLogger traces the traffic at debug level.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Conn) { c.logger = logger }
}

// NewConn wraps an open port.
func NewConn(port io.ReadWriteCloser, opts ...Option) *Conn {
	c := &Conn{port: port, writeEnd: "\r", readEnd: '\n', logger: zerolog.Nop()}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Command sends a formatted command without waiting for a response.
func (c *Conn) Command(format string, a ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.write(fmt.Sprintf(format, a...))
}

// Query sends a formatted command and returns the next response line with
// surrounding whitespace removed.
func (c *Conn) Query(format string, a ...any) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.write(fmt.Sprintf(format, a...)); err != nil {
		return "", err
	}
	return c.readLine()
}

// ReadLine returns the next response line.
func (c *Conn) ReadLine() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readLine()
}

// Close closes the port.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return nil
	}
	err := c.port.Close()
	c.port = nil
	return err
}

func (c *Conn) write(cmd string) error {
	if c.port == nil {
		return io.ErrClosedPipe
	}
	cmd = strings.TrimSpace(cmd)
	c.logger.Debug().Str("cmd", cmd).Msg("serial write")
	if _, err := io.WriteString(c.port, cmd+c.writeEnd); err != nil {
		return fmt.Errorf("write %q: %w", cmd, err)
	}
	return nil
}

// readLine reads byte chunks until the terminator. A zero length read without
// error is how go.bug.st/serial reports an expired read timeout.
func (c *Conn) readLine() (string, error) {
	if c.port == nil {
		return "", io.ErrClosedPipe
	}
	buf := make([]byte, 64)
	for {
		if i := bytes.IndexByte(c.pending, c.readEnd); i >= 0 {
			line := string(c.pending[:i])
			c.pending = append(c.pending[:0], c.pending[i+1:]...)
			line = strings.TrimSpace(line)
			c.logger.Debug().Str("resp", line).Msg("serial read")
			return line, nil
		}
		n, err := c.port.Read(buf)
		c.pending = append(c.pending, buf[:n]...)
		if err != nil {
			if errors.Is(err, io.EOF) && len(c.pending) > 0 {
				line := strings.TrimSpace(string(c.pending))
				c.pending = c.pending[:0]
				return line, nil
			}
			return "", fmt.Errorf("read: %w", err)
		}
		if n == 0 {
			c.pending = c.pending[:0]
			return "", ErrTimeout
		}
	}
}
