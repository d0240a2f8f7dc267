package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/venuecore/internal/domain"
)

// VenueRegistry lists and probes venues.
type VenueRegistry interface {
	Status() []domain.VenueStatus
	TestConnection(ctx context.Context, id domain.VenueID) (time.Duration, bool)
	Config(id domain.VenueID) (domain.VenueConfig, bool)
}

// VenueProvisioner registers or updates venues.
type VenueProvisioner interface {
	Upsert(ctx context.Context, actor string, cfg domain.VenueConfig) (bool, error)
}

// VenueHandler serves venue endpoints.
type VenueHandler struct {
	registry    VenueRegistry
	provisioner VenueProvisioner
	halted      func(domain.VenueID) bool
	logger      *slog.Logger
}

// NewVenueHandler creates a VenueHandler. halted may be nil.
func NewVenueHandler(registry VenueRegistry, provisioner VenueProvisioner, halted func(domain.VenueID) bool, logger *slog.Logger) *VenueHandler {
	return &VenueHandler{
		registry:    registry,
		provisioner: provisioner,
		halted:      halted,
		logger:      logger.With(slog.String("handler", "venues")),
	}
}

// ListVenues returns every registered venue with its health.
// GET /api/venues
func (h *VenueHandler) ListVenues(w http.ResponseWriter, r *http.Request) {
	venues := h.registry.Status()
	if h.halted != nil {
		for i := range venues {
			venues[i].Halted = h.halted(venues[i].ID)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"venues": venues})
}

// UpsertVenue registers a venue or replaces its credentials and fees.
// POST /api/venues
func (h *VenueHandler) UpsertVenue(w http.ResponseWriter, r *http.Request) {
	var cfg domain.VenueConfig
	if !decodeJSON(w, r, &cfg) {
		return
	}
	created, err := h.provisioner.Upsert(r.Context(), actor(r), cfg)
	if err != nil {
		writeDomainError(w, r, h.logger, "upsert venue", err, nil)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	stored, _ := h.registry.Config(cfg.ID)
	writeJSON(w, status, stored)
}

type testResponse struct {
	Venue     domain.VenueID `json:"venue"`
	OK        bool           `json:"ok"`
	LatencyMS float64        `json:"latency_ms"`
}

// TestVenue probes a venue and records the result for routing eligibility.
// POST /api/venues/{id}/test
func (h *VenueHandler) TestVenue(w http.ResponseWriter, r *http.Request) {
	id := domain.VenueID(r.PathValue("id"))
	if _, ok := h.registry.Config(id); !ok {
		writeError(w, http.StatusNotFound, "venue not found")
		return
	}
	latency, ok := h.registry.TestConnection(r.Context(), id)
	writeJSON(w, http.StatusOK, testResponse{
		Venue:     id,
		OK:        ok,
		LatencyMS: float64(latency.Microseconds()) / 1000,
	})
}
