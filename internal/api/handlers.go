package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/timzifer/plscan/bands"
	"github.com/timzifer/plscan/scan"
	"github.com/timzifer/plscan/spectrum"
)

const maxBodyBytes = 1 << 20

// scanBody is the start-scan request. Omitted fields take the bench
// defaults; delay is a Go duration string such as "1.5s".
type scanBody struct {
	Start *float64 `json:"start,omitempty"`
	Stop  *float64 `json:"stop,omitempty"`
	Step  *float64 `json:"step,omitempty"`
	Delay string   `json:"delay,omitempty"`
}

type gotoBody struct {
	Wavelength *float64 `json:"wavelength"`
}

type bandsBody struct {
	Breakpoints []float64          `json:"breakpoints"`
	Assignments []bands.Assignment `json:"assignments"`
}

type responseBody struct {
	Path string `json:"path"`
}

type requestView struct {
	Start float64 `json:"start"`
	Stop  float64 `json:"stop"`
	Step  float64 `json:"step"`
	Delay string  `json:"delay"`
}

func viewRequest(r scan.Request) requestView {
	return requestView{Start: r.Start, Stop: r.Stop, Step: r.Step, Delay: r.Delay.String()}
}

func decodeBody(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return io.EOF
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.bench.Controller().Status())
}

func (s *Server) handleScanDefaults(w http.ResponseWriter, r *http.Request) {
	req, err := s.bench.DefaultRequest(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewRequest(req))
}

func (s *Server) handleStartScan(w http.ResponseWriter, r *http.Request) {
	req, err := s.bench.DefaultRequest(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var body scanBody
	if err := decodeBody(r, &body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if body.Start != nil {
		req.Start = *body.Start
	}
	if body.Stop != nil {
		req.Stop = *body.Stop
	}
	if body.Step != nil {
		req.Step = *body.Step
	}
	if body.Delay != "" {
		d, err := time.ParseDuration(body.Delay)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("invalid delay %q", body.Delay))
			return
		}
		req.Delay = d
	}

	id, err := s.bench.StartScan(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"session": id,
		"request": viewRequest(req),
		"points":  req.Points(),
	})
}

func (s *Server) handleAbort(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"aborted": s.bench.Controller().Abort()})
}

func (s *Server) handleGoTo(w http.ResponseWriter, r *http.Request) {
	var body gotoBody
	if err := decodeBody(r, &body); err != nil || body.Wavelength == nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "wavelength is required")
		return
	}
	got, err := s.bench.Controller().GoTo(r.Context(), *body.Wavelength)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"wavelength": got})
}

func (s *Server) handleSamples(w http.ResponseWriter, r *http.Request) {
	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "offset must be a non-negative integer")
			return
		}
		offset = v
	}
	samples := []spectrum.Sample{}
	total := 0
	if sp := s.bench.Controller().Spectrum(); sp != nil {
		samples = append(samples, sp.Samples(offset)...)
		total = sp.Len()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"offset":  offset,
		"total":   total,
		"samples": samples,
	})
}

func (s *Server) handleGetBands(w http.ResponseWriter, _ *http.Request) {
	table := s.bench.Controller().Resolver().Table()
	writeJSON(w, http.StatusOK, bandsBody{Breakpoints: table.Breakpoints(), Assignments: table.Assignments()})
}

func (s *Server) handlePutBands(w http.ResponseWriter, r *http.Request) {
	var body bandsBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	table, err := bands.NewTable(body.Breakpoints, body.Assignments)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.bench.SetBands(r.Context(), table); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bandsBody{Breakpoints: table.Breakpoints(), Assignments: table.Assignments()})
}

func (s *Server) handleSystemResponse(w http.ResponseWriter, r *http.Request) {
	var body responseBody
	if err := decodeBody(r, &body); err != nil || body.Path == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "path is required")
		return
	}
	if err := s.bench.LoadSystemResponse(r.Context(), body.Path); err != nil {
		writeError(w, http.StatusUnprocessableEntity, ErrCodeBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleExport(w http.ResponseWriter, _ *http.Request) {
	if s.bench.Controller().Spectrum() == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no spectrum recorded")
		return
	}
	var buf bytes.Buffer
	if err := s.bench.Export(&buf); err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/tab-separated-values; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="spectrum.txt"`)
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // connection may already be gone
	w.Write(buf.Bytes())
}
