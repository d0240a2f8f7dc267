package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/venuecore/internal/domain"
	"github.com/alanyoungcy/venuecore/internal/emergency"
)

// EmergencyService is the slice of the emergency controller the handler needs.
type EmergencyService interface {
	State() domain.EmergencyState
	Stop(ctx context.Context, scope domain.EmergencyScope, actor, reason string) (emergency.Result, error)
	Reset(ctx context.Context, actor, reason string) (domain.EmergencyState, error)
}

// EmergencyHandler serves the kill switch.
type EmergencyHandler struct {
	ctl    EmergencyService
	logger *slog.Logger
}

// NewEmergencyHandler creates an EmergencyHandler.
func NewEmergencyHandler(ctl EmergencyService, logger *slog.Logger) *EmergencyHandler {
	return &EmergencyHandler{ctl: ctl, logger: logger.With(slog.String("handler", "emergency"))}
}

// GetState returns the current halt state.
// GET /api/emergency
func (h *EmergencyHandler) GetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctl.State())
}

type stopRequest struct {
	Reason     string            `json:"reason"`
	Venue      domain.VenueID    `json:"venue,omitempty"`
	Instrument domain.Instrument `json:"instrument,omitempty"`
}

// Stop halts everything, one venue or one instrument.
// POST /api/emergency/stop
func (h *EmergencyHandler) Stop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	scope := domain.EmergencyScope{Venue: req.Venue, Instrument: req.Instrument}
	h.logger.Warn("emergency stop requested",
		slog.String("actor", actor(r)),
		slog.String("venue", string(req.Venue)),
		slog.String("instrument", string(req.Instrument)),
		slog.String("reason", req.Reason),
	)
	res, err := h.ctl.Stop(r.Context(), scope, actor(r), req.Reason)
	if err != nil {
		writeDomainError(w, r, h.logger, "emergency stop", err, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type resetRequest struct {
	Reason string `json:"reason"`
}

// Reset clears every halt.
// POST /api/emergency/reset
func (h *EmergencyHandler) Reset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	state, err := h.ctl.Reset(r.Context(), actor(r), req.Reason)
	if err != nil {
		writeDomainError(w, r, h.logger, "emergency reset", err, nil)
		return
	}
	writeJSON(w, http.StatusOK, state)
}
