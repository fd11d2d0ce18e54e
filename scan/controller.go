package scan

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/timzifer/plscan/autorange"
	"github.com/timzifer/plscan/bands"
	"github.com/timzifer/plscan/deviceio"
	"github.com/timzifer/plscan/instruments"
	"github.com/timzifer/plscan/notify"
	"github.com/timzifer/plscan/spectrum"
	"github.com/timzifer/plscan/telemetry"
)

const defaultCapacity = 128

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithEmitter sets the notification target.
func WithEmitter(emitter notify.Emitter) Option {
	return func(c *Controller) {
		if emitter != nil {
			c.emitter = emitter
		}
	}
}

// WithTelemetry installs a telemetry collector.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(c *Controller) {
		if collector != nil {
			c.collector = collector
		}
	}
}

// WithSleeper replaces the sleeper used for settling and auto-ranging.
func WithSleeper(sleep autorange.Sleeper) Option {
	return func(c *Controller) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// WithResolver sets the band resolver.
func WithResolver(resolver *bands.Resolver) Option {
	return func(c *Controller) {
		if resolver != nil {
			c.resolver = resolver
		}
	}
}

// WithResponse sets the initial system response.
func WithResponse(resp Response) Option {
	return func(c *Controller) { c.response = resp }
}

// WithLockinSettings sets the lock-in configuration applied before scans.
func WithLockinSettings(settings instruments.LockinSettings) Option {
	return func(c *Controller) { c.lockinSettings = settings }
}

// WithMirrors sets the diverter positions applied before scans.
func WithMirrors(entrance, exit float64) Option {
	return func(c *Controller) { c.entrance, c.exit = entrance, exit }
}

// WithCapacity sets the initial spectrum capacity.
func WithCapacity(capacity int) Option {
	return func(c *Controller) {
		if capacity > 0 {
			c.capacity = capacity
		}
	}
}

// Status is a snapshot of the current or last session.
type Status struct {
	State     State     `json:"state"`
	Session   string    `json:"session,omitempty"`
	Request   Request   `json:"request"`
	Samples   int       `json:"samples"`
	Text      string    `json:"text,omitempty"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

type session struct {
	id       string
	req      Request
	spectrum *spectrum.Spectrum
	abort    atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}

	state   State
	text    string
	err     error
	started time.Time
	ended   time.Time
}

// Controller owns the scan state machine. One session runs at a time.
type Controller struct {
	spec Spectrometer
	amp  Lockin

	logger    zerolog.Logger
	emitter   notify.Emitter
	collector telemetry.Collector
	sleep     autorange.Sleeper
	resolver  *bands.Resolver
	capacity  int

	mu             sync.Mutex
	response       Response
	lockinSettings instruments.LockinSettings
	entrance       float64
	exit           float64
	current        *session
	moving         bool
}

// New creates a controller for the given instruments.
func New(spec Spectrometer, amp Lockin, opts ...Option) *Controller {
	c := &Controller{
		spec:           spec,
		amp:            amp,
		logger:         zerolog.Nop(),
		emitter:        notify.Discard(),
		collector:      telemetry.Noop(),
		sleep:          autorange.Sleep,
		resolver:       bands.NewResolver(nil),
		capacity:       defaultCapacity,
		lockinSettings: instruments.DefaultLockinSettings(),
		entrance:       deviceio.MirrorFront,
		exit:           deviceio.MirrorSide,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = c.logger.With().Str("component", "scan").Logger()
	return c
}

// Resolver returns the band resolver used by scans and moves.
func (c *Controller) Resolver() *bands.Resolver { return c.resolver }

// SetResponse replaces the system response used by subsequent scans.
func (c *Controller) SetResponse(resp Response) {
	c.mu.Lock()
	c.response = resp
	c.mu.Unlock()
}

// SetLockinSettings replaces the pre-scan lock-in configuration.
func (c *Controller) SetLockinSettings(settings instruments.LockinSettings) {
	c.mu.Lock()
	c.lockinSettings = settings
	c.mu.Unlock()
}

// SetMirrors replaces the pre-scan diverter positions.
func (c *Controller) SetMirrors(entrance, exit float64) {
	c.mu.Lock()
	c.entrance, c.exit = entrance, exit
	c.mu.Unlock()
}

// Start validates req and launches a new session on its own goroutine. The
// session outlives ctx cancellation; use Abort or Close to stop it.
func (c *Controller) Start(ctx context.Context, req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	table := c.resolver.Table()
	for _, w := range []float64{req.Start, req.Stop} {
		if _, err := table.Resolve(w); err != nil {
			return "", err
		}
	}
	spec, err := spectrum.New(c.capacity)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.moving || (c.current != nil && !c.current.state.Terminal()) {
		c.mu.Unlock()
		return "", ErrScanRunning
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		id:       uuid.NewString(),
		req:      req,
		spectrum: spec,
		cancel:   cancel,
		done:     make(chan struct{}),
		state:    StateRunning,
		started:  time.Now(),
	}
	c.current = s
	plan := runPlan{
		table:    table,
		response: c.response,
		lockin:   c.lockinSettings,
		entrance: c.entrance,
		exit:     c.exit,
	}
	c.mu.Unlock()

	c.collector.SetScanBufferCapacity(spec.Capacity())
	c.logger.Info().Str("session", s.id).Float64("start", req.Start).Float64("stop", req.Stop).
		Float64("step", req.Step).Dur("delay", req.Delay).Msg("scan started")
	c.emitter.Emit(notify.Event{Kind: notify.KindScanStarted, Session: s.id, Value: req.Start})

	go c.run(runCtx, s, plan)
	return s.id, nil
}

// Abort asks the running session to stop before its next point. It reports
// whether a session was running.
func (c *Controller) Abort() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.current.state.Terminal() {
		return false
	}
	c.current.abort.Store(true)
	return true
}

// Wait blocks until the current session ends or ctx is done.
func (c *Controller) Wait(ctx context.Context) (Status, error) {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s == nil {
		return c.Status(), nil
	}
	select {
	case <-s.done:
		return c.Status(), nil
	case <-ctx.Done():
		return c.Status(), ctx.Err()
	}
}

// Status returns a snapshot of the current session.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.current
	if s == nil {
		return Status{State: StateIdle}
	}
	st := Status{
		State:     s.state,
		Session:   s.id,
		Request:   s.req,
		Samples:   s.spectrum.Len(),
		Text:      s.text,
		StartedAt: s.started,
		EndedAt:   s.ended,
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	return st
}

// Spectrum returns the spectrum of the current or last session, or nil.
func (c *Controller) Spectrum() *spectrum.Spectrum {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	return c.current.spectrum
}

// Running reports whether a scan or move is in progress.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.moving || (c.current != nil && !c.current.state.Terminal())
}

// GoTo moves the spectrometer to a single wavelength, selecting grating and
// filter first. It fails with ErrScanRunning while a scan is active.
func (c *Controller) GoTo(ctx context.Context, wavelength float64) (float64, error) {
	target, err := c.resolver.Resolve(wavelength)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	if c.moving || (c.current != nil && !c.current.state.Terminal()) {
		c.mu.Unlock()
		return 0, ErrScanRunning
	}
	c.moving = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.moving = false
		c.mu.Unlock()
	}()

	c.emitter.Emit(notify.Status("", statusMoving))
	if _, err := c.spec.Apply(ctx, target); err != nil {
		return 0, err
	}
	confirmed, err := c.spec.SetWavelength(ctx, wavelength)
	if err != nil {
		return 0, err
	}
	c.emitter.Emit(notify.Status("", statusIdle))
	return confirmed, nil
}

// Close aborts any running session and waits for it to end.
func (c *Controller) Close() error {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	s.abort.Store(true)
	s.cancel()
	<-s.done
	return nil
}

// errAborted ends a sweep that saw the abort flag before its next point.
var errAborted = errors.New("scan aborted")

// runPlan is fixed at Start. Later table or setting changes apply to the
// next session.
type runPlan struct {
	table    *bands.Table
	response Response
	lockin   instruments.LockinSettings
	entrance float64
	exit     float64
}

func (c *Controller) run(ctx context.Context, s *session, plan runPlan) {
	defer close(s.done)
	defer s.cancel()

	err := c.sweep(ctx, s, plan)

	state := StateFinished
	switch {
	case errors.Is(err, errAborted):
		state, err = StateAborted, nil
	case err != nil && s.abort.Load() && errors.Is(err, context.Canceled):
		state, err = StateAborted, nil
	case err != nil:
		state = StateFailed
	}
	s.spectrum.Freeze()

	c.mu.Lock()
	s.state = state
	s.err = err
	s.ended = time.Now()
	c.mu.Unlock()

	c.collector.IncScanTermination(string(state))
	log := c.logger.With().Str("session", s.id).Int("samples", s.spectrum.Len()).Logger()
	switch state {
	case StateFinished:
		c.status(s, statusFinished)
		log.Info().Msg("scan finished")
		c.emitter.Emit(notify.Event{Kind: notify.KindScanFinished, Session: s.id})
	case StateAborted:
		c.status(s, statusAborted)
		log.Info().Msg("scan aborted")
		c.emitter.Emit(notify.Event{Kind: notify.KindScanAborted, Session: s.id})
	case StateFailed:
		device := ""
		var devErr *deviceio.DeviceError
		if errors.As(err, &devErr) {
			device = devErr.Device
		}
		log.Error().Err(err).Str("device", device).Msg("scan failed")
		c.emitter.Emit(notify.Failure(notify.KindScanFailed, device, s.id, err))
	}
}

func (c *Controller) status(s *session, text string) {
	c.mu.Lock()
	s.text = text
	c.mu.Unlock()
	c.emitter.Emit(notify.Status(s.id, text))
}

func (c *Controller) sweep(ctx context.Context, s *session, plan runPlan) error {
	c.status(s, statusDiverters)
	if err := c.spec.SetMirrors(ctx, plan.entrance, plan.exit); err != nil {
		return err
	}
	c.status(s, statusLockin)
	if err := c.amp.Configure(ctx, plan.lockin); err != nil {
		return err
	}

	loop := autorange.New(c.amp,
		autorange.WithSleeper(c.sleep),
		autorange.WithLogger(c.logger),
		autorange.WithTelemetry(c.collector),
	)
	c.status(s, statusScanning)

	warned := false
	adjusted := false
	for it := newStepper(s.req); ; {
		if s.abort.Load() {
			return errAborted
		}
		target := it.value()
		assignment, err := plan.table.Resolve(target)
		if err != nil {
			return err
		}
		moved, err := c.spec.Apply(ctx, assignment)
		if err != nil {
			return err
		}
		if moved {
			tc, err := c.amp.TimeConstant(ctx)
			if err != nil {
				return err
			}
			if err := c.sleep(ctx, 5*tc); err != nil {
				return err
			}
		}
		wavelength, err := c.spec.SetWavelength(ctx, target)
		if err != nil {
			return err
		}
		if !adjusted {
			if _, err := loop.AutoAdjust(ctx); err != nil {
				return err
			}
			adjusted = true
		}
		res, err := loop.Measure(ctx, s.req.Delay)
		if err != nil {
			return err
		}

		normalized, ok := spectrum.Normalize(plan.response, wavelength, res.R)
		if !ok && !warned {
			warned = true
			c.logger.Warn().Str("session", s.id).Float64("wavelength", wavelength).Msg("no system response; storing raw signal as normalized")
			c.emitter.Emit(notify.Event{Kind: notify.KindWarning, Session: s.id, Value: wavelength, Text: "no system response available, normalized signal equals raw"})
		}
		sample := spectrum.Sample{Wavelength: wavelength, Raw: res.R, Phase: res.Theta, Normalized: normalized}
		if err := s.spectrum.Append(sample); err != nil {
			return err
		}
		c.collector.IncScanSample()
		c.collector.SetScanBufferCapacity(s.spectrum.Capacity())
		c.emitter.Emit(notify.Event{Kind: notify.KindRawSignal, Session: s.id, Value: res.R})
		c.emitter.Emit(notify.Event{Kind: notify.KindPhase, Session: s.id, Value: res.Theta})
		c.emitter.Emit(notify.Event{Kind: notify.KindSample, Session: s.id, Value: wavelength, Sample: &notify.Sample{
			Wavelength: sample.Wavelength,
			Raw:        sample.Raw,
			Phase:      sample.Phase,
			Normalized: sample.Normalized,
		}})

		it.advance()
		if it.done() {
			return nil
		}
	}
}
