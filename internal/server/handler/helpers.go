package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/venuecore/internal/domain"
	"github.com/alanyoungcy/venuecore/internal/server/middleware"
)

const maxBodyBytes = 1 << 20

// actor is the caller identity recorded in the audit log.
func actor(r *http.Request) string { return middleware.Actor(r.Context()) }

// writeJSON marshals v as JSON and writes it with status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// partialResponse is the 207 body: the operation result plus per-venue errors.
type partialResponse struct {
	Result   any               `json:"result,omitempty"`
	Failures map[string]string `json:"failures"`
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var pf *domain.PartialFailure
	switch {
	case errors.As(err, &pf):
		return http.StatusMultiStatus
	case errors.Is(err, domain.ErrInvalidOrderSpec):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrRiskBreach),
		errors.Is(err, domain.ErrEmergencyActive),
		errors.Is(err, domain.ErrStaleSnapshot),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrDuplicateVenue):
		return http.StatusConflict
	case errors.Is(err, domain.ErrVenueUnavailable), errors.Is(err, domain.ErrNoRoute):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError writes err with its mapped status. result is included
// in 207 responses.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error, result any) {
	status := statusFor(err)
	var pf *domain.PartialFailure
	if status == http.StatusMultiStatus && errors.As(err, &pf) {
		failures := make(map[string]string, len(pf.Failures))
		for v, ferr := range pf.Failures {
			failures[string(v)] = ferr.Error()
		}
		writeJSON(w, status, partialResponse{Result: result, Failures: failures})
		return
	}
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed", slog.String("error", err.Error()))
		writeError(w, status, op+" failed")
		return
	}
	writeError(w, status, err.Error())
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// parseListOpts extracts limit/offset. Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	limit = min(limit, 500)

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return domain.ListOpts{Limit: limit, Offset: offset}
}
