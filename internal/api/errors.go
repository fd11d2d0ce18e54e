package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/timzifer/plscan/bands"
	"github.com/timzifer/plscan/scan"
)

// Error is the body of every failed request.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	ErrCodeBadRequest = "bad_request"
	ErrCodeNotFound   = "not_found"
	ErrCodeConflict   = "conflict"
	ErrCodeOutOfRange = "out_of_range"
	ErrCodeInternal   = "internal_error"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // connection may already be gone
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{Status: status, Code: code, Message: message})
}

// writeDomainError maps bench errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var outOfRange *bands.OutOfRangeError
	var invalid *bands.InvalidConfigurationError
	switch {
	case errors.Is(err, scan.ErrScanRunning):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, scan.ErrInvalidRequest), errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case errors.As(err, &outOfRange):
		writeError(w, http.StatusUnprocessableEntity, ErrCodeOutOfRange, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}
