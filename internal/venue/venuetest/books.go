package venuetest

import (
	"io"
	"log/slog"
	"time"

	"github.com/alanyoungcy/venuecore/internal/domain"
	"github.com/alanyoungcy/venuecore/internal/venue"
	"github.com/shopspring/decimal"
)

// D parses a decimal literal and panics on bad input.
func D(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// Level builds a price level from literals.
func Level(price, size string) domain.PriceLevel {
	return domain.PriceLevel{Price: D(price), Size: D(size)}
}

// Book builds a book with the given bid and ask levels, best first.
func Book(v domain.VenueID, inst domain.Instrument, bids, asks []domain.PriceLevel) domain.OrderBook {
	return domain.OrderBook{Venue: v, Instrument: inst, Bids: bids, Asks: asks, Timestamp: time.Now()}
}

// Discard is a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewPaper builds a funded paper venue with zero fees.
func NewPaper(id domain.VenueID, priority int) *venue.Paper {
	return venue.NewPaper(domain.VenueConfig{
		ID:       id,
		Kind:     domain.VenueKindPaper,
		Priority: priority,
		Balances: map[string]decimal.Decimal{
			"USDT": D("1000000"),
			"BTC":  D("100"),
			"ETH":  D("1000"),
		},
	}, Discard())
}
