package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/venuecore/internal/domain"
)

// ArbSource exposes the detector's ring of recent opportunities and its
// runtime threshold.
type ArbSource interface {
	Recent(limit int) []domain.ArbitrageOpportunity
	MinProfitPercent() float64
	SetMinProfitPercent(pct float64)
}

// ArbHandler serves arbitrage endpoints.
type ArbHandler struct {
	arb    ArbSource
	logger *slog.Logger
}

// NewArbHandler creates an ArbHandler.
func NewArbHandler(arb ArbSource, logger *slog.Logger) *ArbHandler {
	return &ArbHandler{arb: arb, logger: logger.With(slog.String("handler", "arbitrage"))}
}

type arbResponse struct {
	MinProfitPercent float64                       `json:"min_profit_percent"`
	Opportunities    []domain.ArbitrageOpportunity `json:"opportunities"`
}

// ListRecent returns recent opportunities, newest first.
// GET /api/arbitrage?limit=50
func (h *ArbHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, 500)
	}
	opps := h.arb.Recent(limit)
	if opps == nil {
		opps = []domain.ArbitrageOpportunity{}
	}
	writeJSON(w, http.StatusOK, arbResponse{MinProfitPercent: h.arb.MinProfitPercent(), Opportunities: opps})
}

type thresholdRequest struct {
	MinProfitPercent *float64 `json:"min_profit_percent"`
}

// SetThreshold updates the emission threshold.
// PUT /api/arbitrage/threshold
func (h *ArbHandler) SetThreshold(w http.ResponseWriter, r *http.Request) {
	var req thresholdRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.MinProfitPercent == nil || *req.MinProfitPercent < 0 {
		writeError(w, http.StatusBadRequest, "min_profit_percent must be >= 0")
		return
	}
	h.arb.SetMinProfitPercent(*req.MinProfitPercent)
	h.logger.Info("arbitrage threshold updated",
		slog.String("actor", actor(r)),
		slog.Float64("min_profit_percent", *req.MinProfitPercent),
	)
	writeJSON(w, http.StatusOK, map[string]float64{"min_profit_percent": *req.MinProfitPercent})
}
