package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/venuecore/internal/domain"
)

// PositionSource exposes reconciled positions.
type PositionSource interface {
	Positions() []domain.Position
	Aggregates() []domain.AggregatePosition
}

// PositionHandler serves position endpoints.
type PositionHandler struct {
	positions PositionSource
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions PositionSource, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{positions: positions, logger: logger.With(slog.String("handler", "positions"))}
}

type listPositionsResponse struct {
	Aggregates []domain.AggregatePosition `json:"aggregates"`
	Positions  []domain.Position          `json:"positions"`
}

// ListPositions returns per-venue positions and cross-venue aggregates as of
// the last reconciliation.
// GET /api/positions?instrument=BTC/USDT
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	inst := domain.Instrument(r.URL.Query().Get("instrument"))
	resp := listPositionsResponse{
		Aggregates: []domain.AggregatePosition{},
		Positions:  []domain.Position{},
	}
	for _, a := range h.positions.Aggregates() {
		if inst == "" || a.Instrument == inst {
			resp.Aggregates = append(resp.Aggregates, a)
		}
	}
	for _, p := range h.positions.Positions() {
		if inst == "" || p.Instrument == inst {
			resp.Positions = append(resp.Positions, p)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
