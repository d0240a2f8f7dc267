package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/venuecore/internal/domain"
	"github.com/alanyoungcy/venuecore/internal/risk"
	"github.com/alanyoungcy/venuecore/internal/validation"
)

// RiskService is the slice of the risk engine the handler needs.
type RiskService interface {
	Snapshot() (domain.RiskSnapshot, bool)
	Limits() domain.RiskLimits
	SetLimits(ctx context.Context, actor string, limits domain.RiskLimits) error
	CompareVaR(series []float64, confidence float64) (risk.VaRComparison, error)
	Size(req risk.SizingRequest) (risk.SizingResult, error)
	Override(ctx context.Context, actor, reason string, until time.Time) error
	OverrideUntil() (time.Time, bool)
}

// RiskHandler serves risk endpoints.
type RiskHandler struct {
	risk     RiskService
	validate *validation.Validator
	logger   *slog.Logger
}

// NewRiskHandler creates a RiskHandler.
func NewRiskHandler(svc RiskService, logger *slog.Logger) *RiskHandler {
	return &RiskHandler{risk: svc, validate: validation.New(), logger: logger.With(slog.String("handler", "risk"))}
}

type snapshotResponse struct {
	Snapshot      domain.RiskSnapshot `json:"snapshot"`
	Limits        domain.RiskLimits   `json:"limits"`
	OverrideUntil *time.Time          `json:"override_until,omitempty"`
}

// GetSnapshot returns the latest evaluation.
// GET /api/risk/snapshot
func (h *RiskHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.risk.Snapshot()
	if !ok {
		writeError(w, http.StatusNotFound, "no risk snapshot yet")
		return
	}
	resp := snapshotResponse{Snapshot: snap, Limits: h.risk.Limits()}
	if until, ok := h.risk.OverrideUntil(); ok {
		resp.OverrideUntil = &until
	}
	writeJSON(w, http.StatusOK, resp)
}

// SetLimits replaces the risk limits.
// PUT /api/risk/limits
func (h *RiskHandler) SetLimits(w http.ResponseWriter, r *http.Request) {
	var limits domain.RiskLimits
	if !decodeJSON(w, r, &limits) {
		return
	}
	if err := h.validate.Struct(limits, domain.ErrInvalidOrderSpec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.risk.SetLimits(r.Context(), actor(r), limits); err != nil {
		writeDomainError(w, r, h.logger, "set limits", err, nil)
		return
	}
	writeJSON(w, http.StatusOK, h.risk.Limits())
}

type varRequest struct {
	Returns    []float64 `json:"returns"`
	Confidence float64   `json:"confidence" validate:"gte=0,lt=1"`
}

// CompareVaR runs historical, parametric and Monte Carlo VaR side by side.
// An empty returns series uses the portfolio history.
// POST /api/risk/var
func (h *RiskHandler) CompareVaR(w http.ResponseWriter, r *http.Request) {
	var req varRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validate.Struct(req, domain.ErrInvalidOrderSpec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cmp, err := h.risk.CompareVaR(req.Returns, req.Confidence)
	if err != nil {
		h.writeCalcError(w, r, "compare var", err)
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}

// Size runs a position sizing model with the current drawdown scaling.
// POST /api/risk/sizing
func (h *RiskHandler) Size(w http.ResponseWriter, r *http.Request) {
	var req risk.SizingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validate.Struct(req, domain.ErrInvalidOrderSpec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.risk.Size(req)
	if err != nil {
		h.writeCalcError(w, r, "size", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type overrideRequest struct {
	Reason   string `json:"reason" validate:"required"`
	Duration string `json:"duration"`
	Clear    bool   `json:"clear"`
}

// Override admits orders despite blocking breaches for a bounded period.
// POST /api/risk/override
func (h *RiskHandler) Override(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validate.Struct(req, domain.ErrInvalidOrderSpec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var until time.Time
	if !req.Clear {
		d, err := time.ParseDuration(req.Duration)
		if err != nil || d <= 0 || d > 24*time.Hour {
			writeError(w, http.StatusBadRequest, "duration must be between 0 and 24h")
			return
		}
		until = time.Now().UTC().Add(d)
	}
	if err := h.risk.Override(r.Context(), actor(r), req.Reason, until); err != nil {
		writeDomainError(w, r, h.logger, "override", err, nil)
		return
	}
	resp := map[string]any{"active": false}
	if u, ok := h.risk.OverrideUntil(); ok {
		resp = map[string]any{"active": true, "until": u}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *RiskHandler) writeCalcError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, risk.ErrInsufficientData) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeDomainError(w, r, h.logger, op, err, nil)
}
