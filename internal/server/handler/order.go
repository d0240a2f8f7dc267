package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/venuecore/internal/domain"
	"github.com/alanyoungcy/venuecore/internal/ordermgr"
)

// OrderService is the slice of the order manager the handler needs.
type OrderService interface {
	Place(ctx context.Context, req ordermgr.PlaceRequest) (domain.Order, error)
	Get(ctx context.Context, id string) (domain.Order, error)
	List(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error)
	Cancel(ctx context.Context, id string) (domain.Order, error)
}

// OrderHandler serves order endpoints.
type OrderHandler struct {
	orders OrderService
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler.
func NewOrderHandler(orders OrderService, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{orders: orders, logger: logger.With(slog.String("handler", "orders"))}
}

type listOrdersResponse struct {
	Orders []domain.Order `json:"orders"`
}

type orderErrorResponse struct {
	Error string       `json:"error"`
	Order domain.Order `json:"order"`
}

// ListOrders returns persisted orders.
// GET /api/orders?status=&instrument=&venue=&parent_id=&open=true&limit=&offset=
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := parseListOpts(r)
	filter := domain.OrderFilter{
		Status:     domain.OrderStatus(q.Get("status")),
		Instrument: domain.Instrument(q.Get("instrument")),
		Venue:      domain.VenueID(q.Get("venue")),
		ParentID:   q.Get("parent_id"),
		OpenOnly:   q.Get("open") == "true",
		Limit:      opts.Limit,
		Offset:     opts.Offset,
	}
	orders, err := h.orders.List(r.Context(), filter)
	if err != nil {
		writeDomainError(w, r, h.logger, "list orders", err, nil)
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, listOrdersResponse{Orders: orders})
}

// GetOrder returns one order.
// GET /api/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get order", err, nil)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// PlaceOrder submits a composite order.
// POST /api/orders
func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req ordermgr.PlaceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	o, err := h.orders.Place(r.Context(), req)
	if err != nil {
		// Rejected and degraded orders are recorded; return them with the error.
		if o.ID != "" && statusFor(err) != http.StatusInternalServerError {
			writeJSON(w, statusFor(err), orderErrorResponse{Error: err.Error(), Order: o})
			return
		}
		writeDomainError(w, r, h.logger, "place order", err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// CancelOrder cancels an order and its working children.
// DELETE /api/orders/{id}
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "cancel order", err, o)
		return
	}
	writeJSON(w, http.StatusOK, o)
}
