// Package marketview merges per-venue order books into one logical book per
// instrument.
package marketview

import (
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/venuecore/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

// PriorityFunc returns a venue's tie-break priority; lower sorts first.
type PriorityFunc func(domain.VenueID) int

// View is the unified market view. It is safe for concurrent use.
type View struct {
	mu       sync.RWMutex
	books    map[domain.Instrument]*merged
	maxAge   time.Duration
	priority PriorityFunc
	now      func() time.Time
}

type merged struct {
	venues  map[domain.VenueID]domain.OrderBook
	bids    *btree.BTreeG[domain.MergedLevel]
	asks    *btree.BTreeG[domain.MergedLevel]
	bestBid *domain.MergedLevel
	bestAsk *domain.MergedLevel
	// validUntil is when the oldest included venue goes stale.
	validUntil time.Time
}

// New creates a view that drops venue contributions older than maxAge.
func New(maxAge time.Duration, priority PriorityFunc) *View {
	if priority == nil {
		priority = func(domain.VenueID) int { return 0 }
	}
	return &View{
		books:    make(map[domain.Instrument]*merged),
		maxAge:   maxAge,
		priority: priority,
		now:      time.Now,
	}
}

func bidLess(a, b domain.MergedLevel) bool {
	if c := a.Price.Cmp(b.Price); c != 0 {
		return c > 0
	}
	return tieLess(a, b)
}

func askLess(a, b domain.MergedLevel) bool {
	if c := a.Price.Cmp(b.Price); c != 0 {
		return c < 0
	}
	return tieLess(a, b)
}

// tieLess orders equal prices by venue priority, then larger size, then id.
func tieLess(a, b domain.MergedLevel) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if c := a.Size.Cmp(b.Size); c != 0 {
		return c > 0
	}
	return a.Venue < b.Venue
}

// Update replaces one venue's book and re-merges the instrument.
func (v *View) Update(book domain.OrderBook) {
	v.mu.Lock()
	defer v.mu.Unlock()

	m, ok := v.books[book.Instrument]
	if !ok {
		m = &merged{venues: make(map[domain.VenueID]domain.OrderBook)}
		v.books[book.Instrument] = m
	}
	m.venues[book.Venue] = book
	v.rebuild(m)
}

// Remove drops a venue's contribution from every instrument.
func (v *View) Remove(venue domain.VenueID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, m := range v.books {
		if _, ok := m.venues[venue]; ok {
			delete(m.venues, venue)
			v.rebuild(m)
		}
	}
}

// rebuild merge-sorts every fresh venue's levels. Caller holds v.mu.
func (v *View) rebuild(m *merged) {
	now := v.now()
	opts := btree.Options{NoLocks: true}
	m.bids = btree.NewBTreeGOptions(bidLess, opts)
	m.asks = btree.NewBTreeGOptions(askLess, opts)
	m.validUntil = time.Time{}

	for id, book := range m.venues {
		if v.stale(book, now) {
			continue
		}
		if v.maxAge > 0 {
			expiry := book.Timestamp.Add(v.maxAge)
			if m.validUntil.IsZero() || expiry.Before(m.validUntil) {
				m.validUntil = expiry
			}
		}
		prio := v.priority(id)
		for _, l := range book.Bids {
			if l.Size.IsPositive() {
				m.bids.Set(domain.MergedLevel{Price: l.Price, Size: l.Size, Venue: id, Priority: prio})
			}
		}
		for _, l := range book.Asks {
			if l.Size.IsPositive() {
				m.asks.Set(domain.MergedLevel{Price: l.Price, Size: l.Size, Venue: id, Priority: prio})
			}
		}
	}

	m.bestBid, m.bestAsk = nil, nil
	if b, ok := m.bids.Min(); ok {
		m.bestBid = &b
	}
	if a, ok := m.asks.Min(); ok {
		m.bestAsk = &a
	}
}

func (v *View) stale(book domain.OrderBook, now time.Time) bool {
	return v.maxAge > 0 && now.Sub(book.Timestamp) > v.maxAge
}

// current returns the merged book, re-merging first if a contributing venue
// has gone stale since the last merge.
func (v *View) current(inst domain.Instrument) *merged {
	v.mu.RLock()
	m, ok := v.books[inst]
	fresh := ok && (m.validUntil.IsZero() || !v.now().After(m.validUntil))
	v.mu.RUnlock()
	if !ok {
		return nil
	}
	if fresh {
		return m
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if !m.validUntil.IsZero() && v.now().After(m.validUntil) {
		v.rebuild(m)
	}
	return m
}

// BestBid returns the highest bid across fresh venues.
func (v *View) BestBid(inst domain.Instrument) (domain.MergedLevel, bool) {
	m := v.current(inst)
	if m == nil {
		return domain.MergedLevel{}, false
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if m.bestBid == nil {
		return domain.MergedLevel{}, false
	}
	return *m.bestBid, true
}

// BestAsk returns the lowest ask across fresh venues.
func (v *View) BestAsk(inst domain.Instrument) (domain.MergedLevel, bool) {
	m := v.current(inst)
	if m == nil {
		return domain.MergedLevel{}, false
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if m.bestAsk == nil {
		return domain.MergedLevel{}, false
	}
	return *m.bestAsk, true
}

// Mid returns the midpoint of the unified best bid and ask.
func (v *View) Mid(inst domain.Instrument) (decimal.Decimal, bool) {
	b, okB := v.BestBid(inst)
	a, okA := v.BestAsk(inst)
	if !okB || !okA {
		return decimal.Zero, false
	}
	return b.Price.Add(a.Price).Div(decimal.NewFromInt(2)), true
}

// DepthAt sums the size available at price or better on the given book side:
// bids priced >= price, or asks priced <= price.
func (v *View) DepthAt(inst domain.Instrument, side domain.Side, price decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	v.walk(inst, side, func(l domain.MergedLevel) bool {
		if side == domain.SideBuy && l.Price.LessThan(price) {
			return false
		}
		if side == domain.SideSell && l.Price.GreaterThan(price) {
			return false
		}
		total = total.Add(l.Size)
		return true
	})
	return total
}

// Levels returns up to limit merged levels of one side (0 means all).
// side is the book side: SideBuy for bids, SideSell for asks.
func (v *View) Levels(inst domain.Instrument, side domain.Side, limit int) []domain.MergedLevel {
	var out []domain.MergedLevel
	v.walk(inst, side, func(l domain.MergedLevel) bool {
		out = append(out, l)
		return limit <= 0 || len(out) < limit
	})
	return out
}

func (v *View) walk(inst domain.Instrument, side domain.Side, fn func(domain.MergedLevel) bool) {
	m := v.current(inst)
	if m == nil {
		return
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	tree := m.bids
	if side == domain.SideSell {
		tree = m.asks
	}
	tree.Scan(fn)
}

// VenueBooks returns the fresh per-venue books for an instrument.
func (v *View) VenueBooks(inst domain.Instrument) map[domain.VenueID]domain.OrderBook {
	now := v.now()
	v.mu.RLock()
	defer v.mu.RUnlock()

	m, ok := v.books[inst]
	if !ok {
		return nil
	}
	out := make(map[domain.VenueID]domain.OrderBook, len(m.venues))
	for id, b := range m.venues {
		if !v.stale(b, now) {
			out[id] = b
		}
	}
	return out
}

// VenueBook returns one venue's book if it is fresh.
func (v *View) VenueBook(inst domain.Instrument, venue domain.VenueID) (domain.OrderBook, bool) {
	now := v.now()
	v.mu.RLock()
	defer v.mu.RUnlock()

	m, ok := v.books[inst]
	if !ok {
		return domain.OrderBook{}, false
	}
	b, ok := m.venues[venue]
	if !ok || v.stale(b, now) {
		return domain.OrderBook{}, false
	}
	return b, true
}

// Instruments lists every instrument with at least one book.
func (v *View) Instruments() []domain.Instrument {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]domain.Instrument, 0, len(v.books))
	for inst := range v.books {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
