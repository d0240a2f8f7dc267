package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderType is the execution type sent to a venue.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
	// OrderTypeStop rests inside the manager and becomes a market order once
	// the mark crosses StopPrice.
	OrderTypeStop OrderType = "stop"
)

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusRouted          OrderStatus = "routed"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether no further transitions are possible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// Open reports whether the order may still receive fills.
func (s OrderStatus) Open() bool {
	return s == OrderStatusRouted || s == OrderStatusPartiallyFilled
}

// OrderKind identifies composite order behaviour.
type OrderKind string

const (
	KindSingle  OrderKind = "single"
	KindOCO     OrderKind = "oco"
	KindIceberg OrderKind = "iceberg"
	KindTWAP    OrderKind = "twap"
	KindVWAP    OrderKind = "vwap"
	KindBracket OrderKind = "bracket"
)

// Leg names a child's role within a composite order.
type Leg string

const (
	LegNone       Leg = ""
	LegEntry      Leg = "entry"
	LegStopLoss   Leg = "stop_loss"
	LegTakeProfit Leg = "take_profit"
	LegSlice      Leg = "slice"
	LegA          Leg = "a"
	LegB          Leg = "b"
)

// Order is the canonical order record owned by the order manager. Venue
// adapters receive OrderSpec copies and never mutate an Order.
type Order struct {
	ID             string           `json:"id"`
	ParentID       string           `json:"parent_id,omitempty"`
	Instrument     Instrument       `json:"instrument"`
	Side           Side             `json:"side"`
	Type           OrderType        `json:"type"`
	Kind           OrderKind        `json:"kind"`
	Leg            Leg              `json:"leg,omitempty"`
	Quantity       decimal.Decimal  `json:"quantity"`
	FilledQuantity decimal.Decimal  `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal  `json:"avg_fill_price"`
	Price          *decimal.Decimal `json:"price,omitempty"`
	StopPrice      *decimal.Decimal `json:"stop_price,omitempty"`
	Status         OrderStatus      `json:"status"`
	Venue          VenueID          `json:"venue,omitempty"`
	VenueOrderID   string           `json:"venue_order_id,omitempty"`
	Strategy       RoutingStrategy  `json:"strategy,omitempty"`
	Degraded       bool             `json:"degraded,omitempty"`
	Reason         string           `json:"reason,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Remaining returns the unfilled quantity.
func (o Order) Remaining() decimal.Decimal {
	r := o.Quantity.Sub(o.FilledQuantity)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// LimitPrice returns the limit price or zero for market orders.
func (o Order) LimitPrice() decimal.Decimal {
	if o.Price == nil {
		return decimal.Zero
	}
	return *o.Price
}

// OrderSpec is the command a venue adapter receives to place an order.
type OrderSpec struct {
	ClientOrderID string          `json:"client_order_id"`
	Instrument    Instrument      `json:"instrument"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
}

// OrderAck is a venue's response to a placement or status query.
type OrderAck struct {
	VenueOrderID   string          `json:"venue_order_id"`
	Status         OrderStatus     `json:"status"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AvgPrice       decimal.Decimal `json:"avg_price"`
	Fee            decimal.Decimal `json:"fee"`
}

// Fill is an execution applied to an order.
type Fill struct {
	OrderID  string          `json:"order_id"`
	Venue    VenueID         `json:"venue"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Fee      decimal.Decimal `json:"fee"`
	At       time.Time       `json:"at"`
}

// RoutingStrategy selects how the router picks venues.
type RoutingStrategy string

const (
	StrategyBestExecution      RoutingStrategy = "best_execution"
	StrategyCostMinimization   RoutingStrategy = "cost_minimization"
	StrategyLiquiditySeeking   RoutingStrategy = "liquidity_seeking"
	StrategyImpactMinimization RoutingStrategy = "impact_minimization"
)

// Valid reports whether s names a known strategy.
func (s RoutingStrategy) Valid() bool {
	switch s {
	case StrategyBestExecution, StrategyCostMinimization, StrategyLiquiditySeeking, StrategyImpactMinimization:
		return true
	}
	return false
}

// OrderFilter narrows order listings.
type OrderFilter struct {
	Status     OrderStatus
	Instrument Instrument
	Venue      VenueID
	ParentID   string
	OpenOnly   bool
	Limit      int
	Offset     int
}

// Match reports whether o satisfies the filter (pagination ignored).
func (f OrderFilter) Match(o Order) bool {
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if f.Instrument != "" && o.Instrument != f.Instrument {
		return false
	}
	if f.Venue != "" && o.Venue != f.Venue {
		return false
	}
	if f.ParentID != "" && o.ParentID != f.ParentID {
		return false
	}
	if f.OpenOnly && o.Status.Terminal() {
		return false
	}
	return true
}
