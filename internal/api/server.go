// Package api serves the bench over HTTP: scan control, live samples, the
// band table, exports, metrics and a websocket event stream.
package api

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/timzifer/plscan/bands"
	"github.com/timzifer/plscan/notify"
	"github.com/timzifer/plscan/scan"
)

const shutdownTimeout = 5 * time.Second

// Bench is the part of the bench the API drives.
type Bench interface {
	Controller() *scan.Controller
	Hub() *notify.Hub
	DefaultRequest(ctx context.Context) (scan.Request, error)
	StartScan(ctx context.Context, req scan.Request) (string, error)
	SetBands(ctx context.Context, table *bands.Table) error
	LoadSystemResponse(ctx context.Context, path string) error
	Export(w io.Writer) error
}

// Server is the HTTP front end of a bench.
type Server struct {
	bench   Bench
	logger  zerolog.Logger
	metrics http.Handler

	server *http.Server
	ln     net.Listener
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetricsHandler replaces the default Prometheus handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		if h != nil {
			s.metrics = h
		}
	}
}

// New creates a server for bench. Call Start to listen.
func New(bench Bench, opts ...Option) *Server {
	s := &Server{bench: bench, logger: zerolog.Nop(), metrics: promhttp.Handler()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = s.logger.With().Str("component", "api").Logger()
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoveryMiddleware)
	r.Use(s.loggingMiddleware)

	r.Handle("/metrics", s.metrics)
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Route("/scan", func(r chi.Router) {
			r.Get("/defaults", s.handleScanDefaults)
			r.Post("/", s.handleStartScan)
			r.Post("/abort", s.handleAbort)
		})
		r.Post("/goto", s.handleGoTo)
		r.Get("/samples", s.handleSamples)
		r.Get("/bands", s.handleGetBands)
		r.Put("/bands", s.handlePutBands)
		r.Put("/system-response", s.handleSystemResponse)
		r.Get("/export", s.handleExport)
		r.Get("/events", s.handleEvents)
	})
	return r
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.server = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("api server stopped")
		}
	}()
	s.logger.Info().Str("listen", ln.Addr().String()).Msg("api started")
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Close shuts the server down.
func (s *Server) Close() error {
	if s == nil || s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack keeps websocket upgrades working through the wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error().Interface("panic", err).Str("path", r.URL.Path).Msg("panic recovered in HTTP handler")
				writeError(w, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
