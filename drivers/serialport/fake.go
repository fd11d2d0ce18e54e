package serialport

import (
	"bytes"
	"io"
	"strings"
	"sync"
)

// FakePort is an in-memory port answering commands through a handler. Reads
// on an empty buffer return 0, nil like an expired serial read timeout.
type FakePort struct {
	mu      sync.Mutex
	term    string
	handler func(cmd string) string
	written bytes.Buffer
	out     bytes.Buffer
	cmds    []string
	closed  bool
}

// NewFakePort returns a port splitting writes on term and queueing the
// handler's reply for each command. An empty reply queues nothing.
func NewFakePort(term string, handler func(cmd string) string) *FakePort {
	if term == "" {
		term = "\r"
	}
	return &FakePort{term: term, handler: handler}
}

func (f *FakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, io.ErrClosedPipe
	}
	f.written.Write(p)
	for {
		data := f.written.String()
		i := strings.Index(data, f.term)
		if i < 0 {
			break
		}
		cmd := data[:i]
		f.written.Next(i + len(f.term))
		f.cmds = append(f.cmds, cmd)
		if f.handler != nil {
			f.out.WriteString(f.handler(cmd))
		}
	}
	return len(p), nil
}

func (f *FakePort) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, io.ErrClosedPipe
	}
	if f.out.Len() == 0 {
		return 0, nil
	}
	return f.out.Read(p)
}

func (f *FakePort) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// Commands returns every command received so far.
func (f *FakePort) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cmds...)
}

// Closed reports whether Close was called.
func (f *FakePort) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
