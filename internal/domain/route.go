package domain

import "github.com/shopspring/decimal"

// Allocation is the share of an order assigned to one venue.
type Allocation struct {
	Venue         VenueID         `json:"venue"`
	Quantity      decimal.Decimal `json:"quantity"`
	ExpectedPrice decimal.Decimal `json:"expected_price"`
	Fee           decimal.Decimal `json:"fee"`
	Depth         decimal.Decimal `json:"depth"`
}

// RoutePlan is the router's split of an order across venues. Unallocated is
// the quantity no candidate venue could absorb.
type RoutePlan struct {
	Strategy    RoutingStrategy `json:"strategy"`
	Instrument  Instrument      `json:"instrument"`
	Side        Side            `json:"side"`
	Requested   decimal.Decimal `json:"requested"`
	Allowed     decimal.Decimal `json:"allowed"`
	Allocations []Allocation    `json:"allocations"`
	Unallocated decimal.Decimal `json:"unallocated"`
}

// Total returns the quantity assigned to venues.
func (p RoutePlan) Total() decimal.Decimal {
	total := decimal.Zero
	for _, a := range p.Allocations {
		total = total.Add(a.Quantity)
	}
	return total
}

// Placement records one venue accepting part of a routed order.
type Placement struct {
	Venue    VenueID         `json:"venue"`
	Quantity decimal.Decimal `json:"quantity"`
	Ack      OrderAck        `json:"ack"`
	Attempts int             `json:"attempts"`
}
