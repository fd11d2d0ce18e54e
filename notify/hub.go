package notify

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// Sink forwards events to an external system.
type Sink interface {
	Name() string
	Publish(ev Event) error
	Close() error
}

// sinkQueueSize bounds the events waiting for one sink.
const sinkQueueSize = 256

// Hub fans events out to sinks and in-process subscribers. Each sink is
// fed by its own goroutine, so Emit never waits on network I/O.
type Hub struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	sinks  []*sinkWorker
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewHub creates a hub publishing to the provided sinks.
func NewHub(logger zerolog.Logger, sinks ...Sink) *Hub {
	h := &Hub{
		logger: logger.With().Str("component", "notify").Logger(),
		subs:   make(map[int]chan Event),
	}
	for _, sink := range sinks {
		if sink != nil {
			h.sinks = append(h.sinks, h.startSink(sink))
		}
	}
	return h
}

// AddSink registers an additional sink.
func (h *Hub) AddSink(sink Sink) {
	if sink == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.sinks = append(h.sinks, h.startSink(sink))
}

type sinkItem struct {
	ev      Event
	flushed chan struct{}
}

type sinkWorker struct {
	sink  Sink
	queue chan sinkItem
	done  chan struct{}
}

func (h *Hub) startSink(sink Sink) *sinkWorker {
	w := &sinkWorker{
		sink:  sink,
		queue: make(chan sinkItem, sinkQueueSize),
		done:  make(chan struct{}),
	}
	go w.run(h.logger.With().Str("sink", sink.Name()).Logger())
	return w
}

func (w *sinkWorker) run(logger zerolog.Logger) {
	defer close(w.done)
	for item := range w.queue {
		if item.flushed != nil {
			close(item.flushed)
			continue
		}
		if err := w.sink.Publish(item.ev); err != nil {
			logger.Warn().Err(err).Str("kind", string(item.ev.Kind)).Msg("publish notification failed")
		}
	}
}

// enqueue drops non-terminal events when the sink is behind. Terminal
// events wait for room.
func (w *sinkWorker) enqueue(ev Event) bool {
	select {
	case w.queue <- sinkItem{ev: ev}:
		return true
	default:
	}
	if !ev.Kind.Terminal() {
		return false
	}
	w.queue <- sinkItem{ev: ev}
	return true
}

// Emit stamps the event and queues it for every sink and subscriber. Sink
// errors are logged by the sink goroutine.
func (h *Hub) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, w := range h.sinks {
		if !w.enqueue(ev) {
			h.logger.Warn().Str("sink", w.sink.Name()).Str("kind", string(ev.Kind)).Msg("sink queue full, event dropped")
		}
	}
	for id, ch := range h.subs {
		if deliver(ch, ev) {
			continue
		}
		h.logger.Debug().Int("subscriber", id).Str("kind", string(ev.Kind)).Msg("subscriber buffer full, event dropped")
	}
}

// deliver never blocks. When the buffer is full a terminal event evicts
// the oldest queued event so the subscriber always learns how a scan ended.
func deliver(ch chan Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	default:
	}
	if !ev.Kind.Terminal() {
		return false
	}
	for {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
			return true
		default:
		}
	}
}

// Subscribe registers a buffered subscriber. The returned cancel function
// unregisters it and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if existing, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(existing)
			}
			h.mu.Unlock()
		})
	}
}

// Flush blocks until every event emitted before the call has been handed
// to its sinks.
func (h *Hub) Flush() {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	marks := make([]chan struct{}, 0, len(h.sinks))
	for _, w := range h.sinks {
		mark := make(chan struct{})
		w.queue <- sinkItem{flushed: mark}
		marks = append(marks, mark)
	}
	h.mu.RUnlock()
	for _, mark := range marks {
		<-mark
	}
}

// Close drains the sink queues, then closes every sink and subscriber.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	var err error
	for _, w := range h.sinks {
		close(w.queue)
		<-w.done
		err = multierr.Append(err, w.sink.Close())
	}
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
	return err
}

// LogSink writes every event to a zerolog logger.
type LogSink struct {
	Logger zerolog.Logger
}

// Name implements Sink.
func (LogSink) Name() string { return "log" }

// Publish implements Sink.
func (s LogSink) Publish(ev Event) error {
	var entry *zerolog.Event
	switch ev.Kind {
	case KindScanFailed, KindInitFailed:
		entry = s.Logger.Error()
	case KindWarning:
		entry = s.Logger.Warn()
	case KindScanStarted, KindScanStatus, KindScanFinished, KindScanAborted:
		entry = s.Logger.Info()
	default:
		entry = s.Logger.Debug()
	}
	entry = entry.Str("kind", string(ev.Kind))
	if ev.Device != "" {
		entry = entry.Str("device", ev.Device)
	}
	if ev.Session != "" {
		entry = entry.Str("session", ev.Session)
	}
	if ev.Error != "" {
		entry = entry.Str("error", ev.Error)
	}
	if ev.Sample != nil {
		entry = entry.Float64("wavelength", ev.Sample.Wavelength).Float64("raw", ev.Sample.Raw).Float64("phase", ev.Sample.Phase)
	} else if ev.Text == "" {
		entry = entry.Float64("value", ev.Value)
	}
	entry.Msg(ev.Text)
	return nil
}

// Close implements Sink.
func (LogSink) Close() error { return nil }
