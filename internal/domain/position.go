package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the holding of one instrument on one venue.
type Position struct {
	Venue         VenueID         `json:"venue"`
	Instrument    Instrument      `json:"instrument"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// AggregatePosition is the cross-venue total for one instrument. Quantity
// always equals the sum of PerVenue at a reconciliation boundary.
type AggregatePosition struct {
	Instrument    Instrument                  `json:"instrument"`
	Quantity      decimal.Decimal             `json:"quantity"`
	AvgEntryPrice decimal.Decimal             `json:"avg_entry_price"`
	PerVenue      map[VenueID]decimal.Decimal `json:"per_venue"`
}

// ReconcileWarning is an informational discrepancy found during
// reconciliation. It never blocks trading.
type ReconcileWarning struct {
	Venue      VenueID         `json:"venue"`
	Instrument Instrument      `json:"instrument"`
	Kind       string          `json:"kind"`
	Expected   decimal.Decimal `json:"expected"`
	Observed   decimal.Decimal `json:"observed"`
	Detail     string          `json:"detail"`
}

// Reconcile warning kinds.
const (
	WarnUnexplainedPosition = "unexplained_position"
	WarnQuantityDrift       = "quantity_drift"
)
