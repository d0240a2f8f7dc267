package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ArbitrageOpportunity is a transient cross-venue price gap, emitted as an
// event and never persisted.
type ArbitrageOpportunity struct {
	Instrument         Instrument      `json:"instrument"`
	BuyVenue           VenueID         `json:"buy_venue"`
	BuyPrice           decimal.Decimal `json:"buy_price"`
	SellVenue          VenueID         `json:"sell_venue"`
	SellPrice          decimal.Decimal `json:"sell_price"`
	Quantity           decimal.Decimal `json:"quantity"`
	GrossProfitPercent float64         `json:"gross_profit_percent"`
	NetProfitPercent   float64         `json:"net_profit_percent"`
	NetProfitAmount    decimal.Decimal `json:"net_profit_amount"`
	DetectedAt         time.Time       `json:"detected_at"`
}

// Key identifies an emission for per-cycle suppression.
func (o ArbitrageOpportunity) Key() string {
	return string(o.Instrument) + "|" + string(o.BuyVenue) + "@" + o.BuyPrice.String() +
		"|" + string(o.SellVenue) + "@" + o.SellPrice.String()
}
