package venue

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/alanyoungcy/venuecore/internal/domain"
	"github.com/shopspring/decimal"
)

// Paper simulates a venue with virtual balances. Orders fill against the
// current book; resting limit orders fill when a later book crosses them.
type Paper struct {
	id     domain.VenueID
	fees   domain.FeeSchedule
	logger *slog.Logger

	mu       sync.Mutex
	books    map[domain.Instrument]domain.OrderBook
	balances map[string]decimal.Decimal
	orders   map[string]*paperOrder
	seeds    map[domain.Instrument]decimal.Decimal
	seq      int64
	rng      *rand.Rand
	now      func() time.Time
}

type paperOrder struct {
	spec domain.OrderSpec
	ack  domain.OrderAck
}

var _ Adapter = (*Paper)(nil)

// NewPaper creates a paper venue seeded from cfg.
func NewPaper(cfg domain.VenueConfig, logger *slog.Logger) *Paper {
	p := &Paper{
		id:       cfg.ID,
		fees:     cfg.Fees,
		logger:   logger.With(slog.String("component", "paper_venue"), slog.String("venue", string(cfg.ID))),
		books:    make(map[domain.Instrument]domain.OrderBook),
		balances: make(map[string]decimal.Decimal),
		orders:   make(map[string]*paperOrder),
		seeds:    make(map[domain.Instrument]decimal.Decimal),
		rng:      rand.New(rand.NewPCG(uint64(len(cfg.ID)), 0x5eed)),
		now:      time.Now,
	}
	for asset, amt := range cfg.Balances {
		p.balances[asset] = amt
	}
	for inst, mid := range cfg.SeedPrices {
		p.seeds[inst] = mid
		p.books[inst] = p.synthBook(inst, mid)
	}
	return p
}

func (p *Paper) ID() domain.VenueID { return p.id }

func (p *Paper) Fees() domain.FeeSchedule { return p.fees }

// SetBook replaces the simulated book for an instrument and fills any
// resting orders it crosses.
func (p *Paper) SetBook(book domain.OrderBook) {
	p.mu.Lock()
	defer p.mu.Unlock()

	book.Venue = p.id
	if book.Timestamp.IsZero() {
		book.Timestamp = p.now()
	}
	book.Bids = append([]domain.PriceLevel(nil), book.Bids...)
	book.Asks = append([]domain.PriceLevel(nil), book.Asks...)
	p.books[book.Instrument] = book

	for _, o := range p.orders {
		if o.spec.Instrument != book.Instrument || !o.ack.Status.Open() {
			continue
		}
		p.match(o)
	}
}

// Deposit credits asset with amount.
func (p *Paper) Deposit(asset string, amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[asset] = p.balances[asset].Add(amount)
}

func (p *Paper) Quote(ctx context.Context, instrument domain.Instrument) (domain.Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	book, ok := p.books[instrument]
	if !ok {
		return domain.Quote{}, fmt.Errorf("paper: no market for %s: %w", instrument, domain.ErrNotFound)
	}
	q, ok := book.Quote()
	if !ok {
		return domain.Quote{}, fmt.Errorf("paper: empty book for %s: %w", instrument, domain.ErrNotFound)
	}
	return q, nil
}

func (p *Paper) OrderBook(ctx context.Context, instrument domain.Instrument, depth int) (domain.OrderBook, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	book, ok := p.books[instrument]
	if !ok {
		return domain.OrderBook{}, fmt.Errorf("paper: no market for %s: %w", instrument, domain.ErrNotFound)
	}
	return truncate(book, depth), nil
}

func (p *Paper) PlaceOrder(ctx context.Context, spec domain.OrderSpec) (domain.OrderAck, error) {
	if !spec.Quantity.IsPositive() {
		return domain.OrderAck{}, fmt.Errorf("paper: quantity must be positive: %w", domain.ErrInvalidOrderSpec)
	}
	if spec.Type == domain.OrderTypeLimit && !spec.Price.IsPositive() {
		return domain.OrderAck{}, fmt.Errorf("paper: limit order needs a price: %w", domain.ErrInvalidOrderSpec)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.books[spec.Instrument]; !ok {
		return domain.OrderAck{}, fmt.Errorf("paper: no market for %s: %w", spec.Instrument, domain.ErrInvalidOrderSpec)
	}
	if err := p.checkFunds(spec); err != nil {
		return domain.OrderAck{Status: domain.OrderStatusRejected}, err
	}

	p.seq++
	o := &paperOrder{
		spec: spec,
		ack: domain.OrderAck{
			VenueOrderID: fmt.Sprintf("%s-%d", p.id, p.seq),
			Status:       domain.OrderStatusRouted,
		},
	}
	p.orders[o.ack.VenueOrderID] = o
	p.match(o)

	// Market orders never rest.
	if spec.Type == domain.OrderTypeMarket && o.ack.Status.Open() {
		o.ack.Status = domain.OrderStatusCancelled
	}

	p.logger.Debug("paper order placed",
		slog.String("venue_order_id", o.ack.VenueOrderID),
		slog.String("instrument", string(spec.Instrument)),
		slog.String("side", string(spec.Side)),
		slog.String("qty", spec.Quantity.String()),
		slog.String("filled", o.ack.FilledQuantity.String()),
		slog.String("status", string(o.ack.Status)),
	)
	return o.ack, nil
}

func (p *Paper) CancelOrder(ctx context.Context, venueOrderID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[venueOrderID]
	if !ok {
		return false, fmt.Errorf("paper: order %s: %w", venueOrderID, domain.ErrNotFound)
	}
	if !o.ack.Status.Open() {
		return false, nil
	}
	o.ack.Status = domain.OrderStatusCancelled
	return true, nil
}

func (p *Paper) OrderStatus(ctx context.Context, venueOrderID string) (domain.OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[venueOrderID]
	if !ok {
		return domain.OrderAck{}, fmt.Errorf("paper: order %s: %w", venueOrderID, domain.ErrNotFound)
	}
	return o.ack, nil
}

func (p *Paper) Balances(ctx context.Context) (map[string]decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]decimal.Decimal, len(p.balances))
	for k, v := range p.balances {
		out[k] = v
	}
	return out, nil
}

// EmergencyStop cancels every resting order.
func (p *Paper) EmergencyStop(ctx context.Context, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, o := range p.orders {
		if o.ack.Status.Open() {
			o.ack.Status = domain.OrderStatusCancelled
			n++
		}
	}
	p.logger.Warn("paper emergency stop", slog.String("reason", reason), slog.Int("cancelled", n))
	return nil
}

// Run random-walks every seeded instrument on interval until ctx is done.
func (p *Paper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Tick()
		}
	}
}

// Tick moves each seeded mid by up to ±5 bps and republishes its book.
func (p *Paper) Tick() {
	p.mu.Lock()
	next := make([]domain.OrderBook, 0, len(p.seeds))
	for inst, mid := range p.seeds {
		move := decimal.NewFromFloat((p.rng.Float64()*2 - 1) * 0.0005)
		mid = mid.Mul(decimal.NewFromInt(1).Add(move)).Round(8)
		p.seeds[inst] = mid
		next = append(next, p.synthBook(inst, mid))
	}
	p.mu.Unlock()

	for _, b := range next {
		p.SetBook(b)
	}
}

// match fills o against the book. Caller holds p.mu.
func (p *Paper) match(o *paperOrder) {
	book := p.books[o.spec.Instrument]
	levels := book.Side(o.spec.Side)
	remaining := o.spec.Quantity.Sub(o.ack.FilledQuantity)

	for i := 0; i < len(levels) && remaining.IsPositive(); i++ {
		lvl := levels[i]
		if o.spec.Type == domain.OrderTypeLimit && !crosses(o.spec.Side, o.spec.Price, lvl.Price) {
			break
		}
		qty := decimal.Min(remaining, lvl.Size)
		p.settle(o, qty, lvl.Price)
		remaining = remaining.Sub(qty)
		levels[i].Size = lvl.Size.Sub(qty)
		if levels[i].Size.IsPositive() {
			break
		}
	}
	// drop exhausted levels
	j := 0
	for _, lvl := range levels {
		if lvl.Size.IsPositive() {
			levels[j] = lvl
			j++
		}
	}
	levels = levels[:j]
	if o.spec.Side == domain.SideBuy {
		book.Asks = levels
	} else {
		book.Bids = levels
	}
	p.books[o.spec.Instrument] = book

	switch {
	case o.ack.FilledQuantity.Equal(o.spec.Quantity):
		o.ack.Status = domain.OrderStatusFilled
	case o.ack.FilledQuantity.IsPositive():
		o.ack.Status = domain.OrderStatusPartiallyFilled
	}
}

func (p *Paper) settle(o *paperOrder, qty, price decimal.Decimal) {
	notional := qty.Mul(price)
	fee := p.fees.TakerFee(notional)
	base, quote := o.spec.Instrument.Base(), o.spec.Instrument.QuoteAsset()
	if o.spec.Side == domain.SideBuy {
		p.balances[quote] = p.balances[quote].Sub(notional).Sub(fee)
		p.balances[base] = p.balances[base].Add(qty)
	} else {
		p.balances[base] = p.balances[base].Sub(qty)
		p.balances[quote] = p.balances[quote].Add(notional).Sub(fee)
	}

	prevNotional := o.ack.AvgPrice.Mul(o.ack.FilledQuantity)
	o.ack.FilledQuantity = o.ack.FilledQuantity.Add(qty)
	o.ack.AvgPrice = prevNotional.Add(notional).Div(o.ack.FilledQuantity)
	o.ack.Fee = o.ack.Fee.Add(fee)
}

func (p *Paper) checkFunds(spec domain.OrderSpec) error {
	base, quote := spec.Instrument.Base(), spec.Instrument.QuoteAsset()
	if spec.Side == domain.SideSell {
		if p.balances[base].LessThan(spec.Quantity) {
			return fmt.Errorf("paper: insufficient %s: have %s need %s: %w",
				base, p.balances[base], spec.Quantity, domain.ErrInvalidOrderSpec)
		}
		return nil
	}
	price := spec.Price
	if spec.Type != domain.OrderTypeLimit {
		price = worstPrice(p.books[spec.Instrument].Asks, spec.Quantity)
	}
	need := spec.Quantity.Mul(price)
	need = need.Add(p.fees.TakerFee(need))
	if p.balances[quote].LessThan(need) {
		return fmt.Errorf("paper: insufficient %s: have %s need %s: %w",
			quote, p.balances[quote], need, domain.ErrInvalidOrderSpec)
	}
	return nil
}

// synthBook builds ten levels either side of mid with a 2 bps half spread.
func (p *Paper) synthBook(inst domain.Instrument, mid decimal.Decimal) domain.OrderBook {
	const levels = 10
	step := mid.Mul(decimal.NewFromFloat(0.0002))
	book := domain.OrderBook{
		Venue:      p.id,
		Instrument: inst,
		Bids:       make([]domain.PriceLevel, 0, levels),
		Asks:       make([]domain.PriceLevel, 0, levels),
		Timestamp:  p.now(),
	}
	for i := 1; i <= levels; i++ {
		off := step.Mul(decimal.NewFromInt(int64(i)))
		size := decimal.NewFromInt(int64(i)).Mul(decimal.NewFromFloat(0.5))
		book.Bids = append(book.Bids, domain.PriceLevel{Price: mid.Sub(off).Round(8), Size: size})
		book.Asks = append(book.Asks, domain.PriceLevel{Price: mid.Add(off).Round(8), Size: size})
	}
	return book
}

func crosses(side domain.Side, limit, level decimal.Decimal) bool {
	if side == domain.SideBuy {
		return level.LessThanOrEqual(limit)
	}
	return level.GreaterThanOrEqual(limit)
}

// worstPrice is the deepest level a taker of qty would reach.
func worstPrice(levels []domain.PriceLevel, qty decimal.Decimal) decimal.Decimal {
	var last decimal.Decimal
	for _, l := range levels {
		last = l.Price
		qty = qty.Sub(l.Size)
		if !qty.IsPositive() {
			break
		}
	}
	return last
}

func truncate(book domain.OrderBook, depth int) domain.OrderBook {
	out := book
	if depth > 0 && len(out.Bids) > depth {
		out.Bids = out.Bids[:depth]
	}
	if depth > 0 && len(out.Asks) > depth {
		out.Asks = out.Asks[:depth]
	}
	out.Bids = append([]domain.PriceLevel(nil), out.Bids...)
	out.Asks = append([]domain.PriceLevel(nil), out.Asks...)
	return out
}
