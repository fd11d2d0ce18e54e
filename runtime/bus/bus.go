// Package bus serialises all access to one instrument through a dedicated
// worker goroutine.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/plscan/deviceio"
	"github.com/timzifer/plscan/notify"
	"github.com/timzifer/plscan/telemetry"
)

const (
	defaultCommandTimeout = 30 * time.Second
	defaultQueueSize      = 16
)

var (
	// ErrClosed is returned for commands submitted after Close.
	ErrClosed = errors.New("command bus closed")
	// ErrTimeout is returned when a command does not complete within the
	// configured command timeout. The command itself still runs to completion
	// on the worker.
	ErrTimeout = errors.New("device command timed out")
)

type opKind string

const (
	opOpen    opKind = "open"
	opGet     opKind = "get"
	opSet     opKind = "set"
	opOutputs opKind = "outputs"
)

type command struct {
	op    opKind
	field deviceio.Field
	value float64
	reply chan result
}

type result struct {
	value float64
	r     float64
	theta float64
	err   error
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used by the worker.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithEmitter sets the destination for motion and initialisation events.
func WithEmitter(emitter notify.Emitter) Option {
	return func(b *Bus) {
		if emitter != nil {
			b.emitter = emitter
		}
	}
}

// WithTelemetry installs a telemetry collector.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(b *Bus) {
		if collector != nil {
			b.collector = collector
		}
	}
}

// WithCommandTimeout bounds how long a caller waits for a single command.
func WithCommandTimeout(timeout time.Duration) Option {
	return func(b *Bus) {
		if timeout > 0 {
			b.timeout = timeout
		}
	}
}

// Bus owns a device handle. Every call into the device happens on the
// worker goroutine, in submission order.
type Bus struct {
	name      string
	device    deviceio.Device
	logger    zerolog.Logger
	emitter   notify.Emitter
	collector telemetry.Collector
	timeout   time.Duration

	commands chan command
	done     chan struct{}

	mu      sync.RWMutex
	closed  bool
	pending sync.WaitGroup

	started atomic.Bool
	initErr atomic.Pointer[deviceio.InitializationError]

	// owned by the worker goroutine
	opened bool
	cache  map[deviceio.Field]float64
}

// New creates a bus for device. The worker starts on Initialize.
func New(device deviceio.Device, opts ...Option) *Bus {
	b := &Bus{
		name:      device.Name(),
		device:    device,
		logger:    zerolog.Nop(),
		emitter:   notify.Discard(),
		collector: telemetry.Noop(),
		timeout:   defaultCommandTimeout,
		commands:  make(chan command, defaultQueueSize),
		done:      make(chan struct{}),
		cache:     make(map[deviceio.Field]float64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.logger = b.logger.With().Str("device", b.name).Logger()
	return b
}

// Name returns the identity of the owned device.
func (b *Bus) Name() string { return b.name }

// Initialize starts the worker and opens the device on it. A failure is
// permanent for this bus: an init_failed event is emitted and every later
// command returns the same InitializationError.
func (b *Bus) Initialize(ctx context.Context) error {
	if err := b.initErr.Load(); err != nil {
		return err
	}
	// the worker starts under mu so Close either sees it started or
	// prevents it from starting
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("%s: %w", b.name, ErrClosed)
	}
	if !b.started.Load() {
		go b.run()
		b.started.Store(true)
	}
	b.mu.Unlock()
	_, err := b.submit(ctx, command{op: opOpen})
	return err
}

// Get returns the cached value of field, reading the device on a miss.
func (b *Bus) Get(ctx context.Context, field deviceio.Field) (float64, error) {
	res, err := b.submit(ctx, command{op: opGet, field: field})
	return res.value, err
}

// Set writes value and returns the value read back from the device.
func (b *Bus) Set(ctx context.Context, field deviceio.Field, value float64) (float64, error) {
	res, err := b.submit(ctx, command{op: opSet, field: field, value: value})
	return res.value, err
}

// Outputs reads a measurement. Outputs are never cached.
func (b *Bus) Outputs(ctx context.Context) (float64, float64, error) {
	res, err := b.submit(ctx, command{op: opOutputs})
	return res.r, res.theta, err
}

// Future is a pending command result.
type Future struct {
	done  chan struct{}
	value float64
	err   error
}

// Wait blocks until the command finishes.
func (f *Future) Wait() (float64, error) {
	<-f.done
	return f.value, f.err
}

// SetAsync submits a Set and returns immediately.
func (b *Bus) SetAsync(ctx context.Context, field deviceio.Field, value float64) *Future {
	f := &Future{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.value, f.err = b.Set(ctx, field, value)
	}()
	return f
}

// Close stops accepting commands, waits for queued and in-flight commands to
// finish, then closes the device.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	started := b.started.Load()
	b.mu.Unlock()

	b.pending.Wait()
	if !started {
		return nil
	}
	close(b.commands)
	<-b.done
	if !b.opened {
		return nil
	}
	if err := b.device.Close(); err != nil {
		return &deviceio.DeviceError{Device: b.name, Op: "close", Err: err}
	}
	b.logger.Debug().Msg("device closed")
	return nil
}

func (b *Bus) submit(ctx context.Context, cmd command) (result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := b.initErr.Load(); err != nil {
		return result{}, err
	}
	if !b.started.Load() {
		return result{}, &deviceio.InitializationError{Device: b.name, Err: deviceio.ErrNotInitialized}
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return result{}, fmt.Errorf("%s: %w", b.name, ErrClosed)
	}
	b.pending.Add(1)
	b.mu.RUnlock()

	cmd.reply = make(chan result, 1)
	select {
	case b.commands <- cmd:
	case <-ctx.Done():
		b.pending.Done()
		return result{}, ctx.Err()
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case res := <-cmd.reply:
		return res, res.err
	case <-ctx.Done():
		return result{}, ctx.Err()
	case <-timer.C:
		return result{}, &deviceio.DeviceError{Device: b.name, Field: cmd.field, Op: string(cmd.op), Err: ErrTimeout}
	}
}

func (b *Bus) run() {
	defer close(b.done)
	for cmd := range b.commands {
		start := time.Now()
		res := b.execute(cmd)
		outcome := "ok"
		if res.err != nil {
			outcome = "error"
		}
		b.collector.ObserveDeviceCommand(b.name, string(cmd.op), string(cmd.field), outcome, time.Since(start))
		cmd.reply <- res
		b.pending.Done()
	}
}

func (b *Bus) execute(cmd command) result {
	if cmd.op == opOpen {
		return b.open()
	}
	if err := b.initErr.Load(); err != nil {
		return result{err: err}
	}
	switch cmd.op {
	case opGet:
		return b.get(cmd.field)
	case opSet:
		return b.set(cmd.field, cmd.value)
	case opOutputs:
		reader, ok := b.device.(deviceio.OutputReader)
		if !ok {
			return result{err: &deviceio.DeviceError{Device: b.name, Op: "outputs", Err: deviceio.ErrUnsupportedField}}
		}
		r, theta, err := reader.Outputs()
		if err != nil {
			return result{err: &deviceio.DeviceError{Device: b.name, Op: "outputs", Err: err}}
		}
		return result{r: r, theta: theta}
	default:
		return result{err: fmt.Errorf("unknown bus operation %q", cmd.op)}
	}
}

func (b *Bus) open() result {
	if b.opened {
		return result{}
	}
	if err := b.device.Open(); err != nil {
		initErr := &deviceio.InitializationError{Device: b.name, Err: err}
		b.initErr.Store(initErr)
		b.logger.Error().Err(err).Msg("device initialization failed")
		b.emitter.Emit(notify.Failure(notify.KindInitFailed, b.name, "", err))
		return result{err: initErr}
	}
	b.opened = true
	b.logger.Info().Msg("device initialized")
	return result{}
}

func (b *Bus) get(field deviceio.Field) result {
	if v, ok := b.cache[field]; ok {
		return result{value: v}
	}
	v, err := b.device.Get(field)
	if err != nil {
		return result{err: &deviceio.DeviceError{Device: b.name, Field: field, Op: "get", Err: err}}
	}
	b.cache[field] = v
	return result{value: v}
}

func (b *Bus) set(field deviceio.Field, value float64) result {
	delete(b.cache, field)
	changing, changed, motion := notify.MotionKinds(field)
	if motion {
		b.emitter.Emit(notify.Event{Kind: changing, Device: b.name, Value: value})
	}
	if err := b.device.Set(field, value); err != nil {
		return result{err: &deviceio.DeviceError{Device: b.name, Field: field, Op: "set", Err: err}}
	}
	confirmed, err := b.device.Get(field)
	if err != nil {
		return result{err: &deviceio.DeviceError{Device: b.name, Field: field, Op: "read-back", Err: err}}
	}
	b.cache[field] = confirmed
	if motion {
		b.emitter.Emit(notify.Event{Kind: changed, Device: b.name, Value: confirmed})
	}
	b.logger.Debug().Str("field", string(field)).Float64("requested", value).Float64("confirmed", confirmed).Msg("field set")
	return result{value: confirmed}
}
