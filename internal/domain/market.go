package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// VenueID identifies a registered venue instance. It never changes after
// registration.
type VenueID string

// Instrument is a normalized BASE/QUOTE symbol shared by all venues.
type Instrument string

// Base returns the base asset, e.g. "BTC" for "BTC/USDT".
func (i Instrument) Base() string {
	b, _, _ := strings.Cut(string(i), "/")
	return b
}

// QuoteAsset returns the quote asset, e.g. "USDT" for "BTC/USDT".
func (i Instrument) QuoteAsset() string {
	_, q, _ := strings.Cut(string(i), "/")
	return q
}

// Side indicates whether an order buys or sells.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Quote is the top of a single venue's book.
type Quote struct {
	Instrument Instrument      `json:"instrument"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	BidSize    decimal.Decimal `json:"bid_size"`
	AskSize    decimal.Decimal `json:"ask_size"`
	Venue      VenueID         `json:"venue"`
	Timestamp  time.Time       `json:"timestamp"`
}

// PriceLevel is a single price+size entry in an order book.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBook is one venue's book for an instrument. Bids are sorted best
// (highest) first, asks best (lowest) first.
type OrderBook struct {
	Venue      VenueID      `json:"venue"`
	Instrument Instrument   `json:"instrument"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	Timestamp  time.Time    `json:"timestamp"`
}

// Quote derives the top-of-book quote. ok is false when either side is empty.
func (b OrderBook) Quote() (Quote, bool) {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return Quote{}, false
	}
	return Quote{
		Instrument: b.Instrument,
		Bid:        b.Bids[0].Price,
		Ask:        b.Asks[0].Price,
		BidSize:    b.Bids[0].Size,
		AskSize:    b.Asks[0].Size,
		Venue:      b.Venue,
		Timestamp:  b.Timestamp,
	}, true
}

// Side returns the levels a taker on side would consume: asks for a buy,
// bids for a sell.
func (b OrderBook) Side(taker Side) []PriceLevel {
	if taker == SideBuy {
		return b.Asks
	}
	return b.Bids
}

// MergedLevel is one level of the unified book with venue attribution.
type MergedLevel struct {
	Price    decimal.Decimal `json:"price"`
	Size     decimal.Decimal `json:"size"`
	Venue    VenueID         `json:"venue"`
	Priority int             `json:"priority"`
}

// FeeSchedule holds a venue's maker/taker fees in basis points.
type FeeSchedule struct {
	MakerBps decimal.Decimal `json:"maker_bps"`
	TakerBps decimal.Decimal `json:"taker_bps"`
}

var bpsDenominator = decimal.NewFromInt(10_000)

// TakerFee returns the taker fee for notional.
func (f FeeSchedule) TakerFee(notional decimal.Decimal) decimal.Decimal {
	return notional.Mul(f.TakerBps).Div(bpsDenominator)
}

// MakerFee returns the maker fee for notional.
func (f FeeSchedule) MakerFee(notional decimal.Decimal) decimal.Decimal {
	return notional.Mul(f.MakerBps).Div(bpsDenominator)
}
