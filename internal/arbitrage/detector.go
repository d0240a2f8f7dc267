// Package arbitrage detects cross-venue price gaps in the unified market view.
package arbitrage

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/venuecore/internal/domain"
	"github.com/shopspring/decimal"
)

// BookSource supplies the fresh per-venue books of an instrument.
type BookSource interface {
	VenueBooks(inst domain.Instrument) map[domain.VenueID]domain.OrderBook
}

// FeeSource resolves a venue's fee schedule.
type FeeSource func(domain.VenueID) (domain.FeeSchedule, bool)

// Config configures the detector.
type Config struct {
	Instruments      []domain.Instrument
	MinProfitPercent float64
	SlippageBps      decimal.Decimal
	MaxTradeQuantity decimal.Decimal
	RecentSize       int
}

// Detector compares the best bid of every venue against the best ask of
// every other venue and emits opportunities whose net profit percent after
// taker fees and estimated slippage exceeds the configured minimum.
type Detector struct {
	books  BookSource
	fees   FeeSource
	pub    domain.Publisher
	logger *slog.Logger
	now    func() time.Time

	mu          sync.RWMutex
	instruments []domain.Instrument
	minPct      float64
	slippageBps decimal.Decimal
	maxQty      decimal.Decimal
	recent      []domain.ArbitrageOpportunity
	recentSize  int
	onEmit      func(domain.ArbitrageOpportunity)
}

var tenThousand = decimal.NewFromInt(10_000)

// NewDetector creates a detector. pub may be nil.
func NewDetector(cfg Config, books BookSource, fees FeeSource, pub domain.Publisher, logger *slog.Logger) *Detector {
	if cfg.RecentSize <= 0 {
		cfg.RecentSize = 256
	}
	return &Detector{
		books:       books,
		fees:        fees,
		pub:         pub,
		logger:      logger.With(slog.String("component", "arb_detector")),
		now:         time.Now,
		instruments: uniqueInstruments(cfg.Instruments),
		minPct:      cfg.MinProfitPercent,
		slippageBps: cfg.SlippageBps,
		maxQty:      cfg.MaxTradeQuantity,
		recentSize:  cfg.RecentSize,
	}
}

func uniqueInstruments(in []domain.Instrument) []domain.Instrument {
	seen := make(map[domain.Instrument]struct{}, len(in))
	out := make([]domain.Instrument, 0, len(in))
	for _, inst := range in {
		if _, dup := seen[inst]; dup {
			continue
		}
		seen[inst] = struct{}{}
		out = append(out, inst)
	}
	return out
}

// SetMinProfitPercent updates the emission threshold at runtime.
func (d *Detector) SetMinProfitPercent(pct float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.minPct = pct
}

// MinProfitPercent returns the current threshold.
func (d *Detector) MinProfitPercent() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.minPct
}

// OnEmit registers a callback invoked for every emitted opportunity.
func (d *Detector) OnEmit(fn func(domain.ArbitrageOpportunity)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onEmit = fn
}

// Run scans on interval until ctx is done.
func (d *Detector) Run(ctx context.Context, interval time.Duration) error {
	d.logger.Info("arb detector started", slog.Float64("min_profit_percent", d.MinProfitPercent()))
	defer d.logger.Info("arb detector stopped")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, opp := range d.Scan() {
				d.emit(ctx, opp)
			}
		}
	}
}

// Scan runs one detection cycle and returns the opportunities found, with
// identical emissions within the cycle suppressed.
func (d *Detector) Scan() []domain.ArbitrageOpportunity {
	d.mu.RLock()
	instruments := d.instruments
	minPct := d.minPct
	slip := d.slippageBps
	maxQty := d.maxQty
	d.mu.RUnlock()

	now := d.now()
	seen := make(map[string]struct{})
	var out []domain.ArbitrageOpportunity

	for _, inst := range instruments {
		books := d.books.VenueBooks(inst)
		venues := make([]domain.VenueID, 0, len(books))
		for id := range books {
			venues = append(venues, id)
		}
		sort.Slice(venues, func(i, j int) bool { return venues[i] < venues[j] })

		for _, sellID := range venues {
			sell := books[sellID]
			if len(sell.Bids) == 0 {
				continue
			}
			for _, buyID := range venues {
				if buyID == sellID {
					continue
				}
				buy := books[buyID]
				if len(buy.Asks) == 0 {
					continue
				}
				opp, ok := d.evaluate(inst, buyID, buy.Asks[0], sellID, sell.Bids[0], slip, maxQty, now)
				if !ok || opp.NetProfitPercent <= minPct {
					continue
				}
				key := opp.Key()
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				out = append(out, opp)
			}
		}
	}
	return out
}

// evaluate prices buying at ask on one venue and selling at bid on another.
func (d *Detector) evaluate(inst domain.Instrument, buyID domain.VenueID, ask domain.PriceLevel,
	sellID domain.VenueID, bid domain.PriceLevel, slippageBps, maxQty decimal.Decimal, now time.Time,
) (domain.ArbitrageOpportunity, bool) {
	if !ask.Price.IsPositive() || bid.Price.LessThanOrEqual(ask.Price) {
		return domain.ArbitrageOpportunity{}, false
	}
	buyFees, _ := d.fees(buyID)
	sellFees, _ := d.fees(sellID)

	gap := bid.Price.Sub(ask.Price)
	fees := buyFees.TakerFee(ask.Price).Add(sellFees.TakerFee(bid.Price))
	slippage := ask.Price.Mul(slippageBps).Div(tenThousand)
	net := gap.Sub(fees).Sub(slippage)

	qty := decimal.Min(ask.Size, bid.Size)
	if maxQty.IsPositive() {
		qty = decimal.Min(qty, maxQty)
	}

	grossPct, _ := gap.Div(ask.Price).Mul(decimal.NewFromInt(100)).Float64()
	netPct, _ := net.Div(ask.Price).Mul(decimal.NewFromInt(100)).Float64()
	return domain.ArbitrageOpportunity{
		Instrument:         inst,
		BuyVenue:           buyID,
		BuyPrice:           ask.Price,
		SellVenue:          sellID,
		SellPrice:          bid.Price,
		Quantity:           qty,
		GrossProfitPercent: grossPct,
		NetProfitPercent:   netPct,
		NetProfitAmount:    net.Mul(qty),
		DetectedAt:         now,
	}, true
}

func (d *Detector) emit(ctx context.Context, opp domain.ArbitrageOpportunity) {
	d.mu.Lock()
	d.recent = append(d.recent, opp)
	if len(d.recent) > d.recentSize {
		d.recent = d.recent[len(d.recent)-d.recentSize:]
	}
	cb := d.onEmit
	d.mu.Unlock()

	d.logger.Info("arbitrage opportunity",
		slog.String("instrument", string(opp.Instrument)),
		slog.String("buy_venue", string(opp.BuyVenue)),
		slog.String("buy_price", opp.BuyPrice.String()),
		slog.String("sell_venue", string(opp.SellVenue)),
		slog.String("sell_price", opp.SellPrice.String()),
		slog.Float64("net_profit_percent", opp.NetProfitPercent),
	)
	if cb != nil {
		cb(opp)
	}
	if d.pub == nil {
		return
	}
	ev, err := domain.NewEvent(domain.EventArbitrage, opp)
	if err != nil {
		d.logger.Warn("arb event marshal failed", slog.Any("error", err))
		return
	}
	if err := d.pub.Publish(ctx, ev); err != nil {
		d.logger.Warn("arb event publish failed", slog.Any("error", err))
	}
}

// Recent returns up to limit of the most recent emissions, newest first.
func (d *Detector) Recent(limit int) []domain.ArbitrageOpportunity {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := len(d.recent)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.ArbitrageOpportunity, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, d.recent[i])
	}
	return out
}
