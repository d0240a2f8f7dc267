package router

import (
	"sort"

	"github.com/alanyoungcy/venuecore/internal/domain"
	"github.com/shopspring/decimal"
)

// quantityPrecision bounds allocation decimals so split slices stay exact.
const quantityPrecision = 8

// candidate is one venue's book as seen by a routing strategy.
type candidate struct {
	venue    domain.VenueID
	priority int
	fees     domain.FeeSchedule
	levels   []domain.PriceLevel // the side a taker consumes
}

// sweep walks levels up to qty, honouring limit when set, and returns the
// quantity reachable and its notional.
func (c candidate) sweep(side domain.Side, qty, limit decimal.Decimal) (filled, notional decimal.Decimal) {
	for _, l := range c.levels {
		if !qty.IsPositive() {
			break
		}
		if limit.IsPositive() && !within(side, l.Price, limit) {
			break
		}
		take := decimal.Min(qty, l.Size)
		filled = filled.Add(take)
		notional = notional.Add(take.Mul(l.Price))
		qty = qty.Sub(take)
	}
	return filled, notional
}

// depth is the total size at or better than limit (all levels if limit is
// zero).
func (c candidate) depth(side domain.Side, limit decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, l := range c.levels {
		if limit.IsPositive() && !within(side, l.Price, limit) {
			break
		}
		total = total.Add(l.Size)
	}
	return total
}

func (c candidate) best() (decimal.Decimal, bool) {
	if len(c.levels) == 0 {
		return decimal.Zero, false
	}
	return c.levels[0].Price, true
}

// within reports whether a level price is acceptable for a taker on side.
func within(side domain.Side, price, limit decimal.Decimal) bool {
	if side == domain.SideBuy {
		return price.LessThanOrEqual(limit)
	}
	return price.GreaterThanOrEqual(limit)
}

// better reports whether price a beats b for a taker on side.
func better(side domain.Side, a, b decimal.Decimal) bool {
	if side == domain.SideBuy {
		return a.LessThan(b)
	}
	return a.GreaterThan(b)
}

type scored struct {
	c     candidate
	score decimal.Decimal
	avail decimal.Decimal
}

// rankAndFill sorts candidates by score (lower first unless higherBetter)
// and allocates greedily down the ranking.
func rankAndFill(side domain.Side, qty, limit decimal.Decimal, s []scored, higherBetter bool) ([]domain.Allocation, decimal.Decimal) {
	sort.SliceStable(s, func(i, j int) bool {
		if !s[i].score.Equal(s[j].score) {
			if higherBetter {
				return s[i].score.GreaterThan(s[j].score)
			}
			return s[i].score.LessThan(s[j].score)
		}
		return s[i].c.priority < s[j].c.priority
	})

	remaining := qty
	var out []domain.Allocation
	for _, sc := range s {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(remaining, sc.avail)
		if !take.IsPositive() {
			continue
		}
		out = append(out, allocation(side, sc.c, take, limit))
		remaining = remaining.Sub(take)
	}
	return out, remaining
}

func allocation(side domain.Side, c candidate, qty, limit decimal.Decimal) domain.Allocation {
	filled, notional := c.sweep(side, qty, limit)
	avg := decimal.Zero
	if filled.IsPositive() {
		avg = notional.Div(filled)
	}
	return domain.Allocation{
		Venue:         c.venue,
		Quantity:      qty,
		ExpectedPrice: avg,
		Fee:           c.fees.TakerFee(notional),
		Depth:         c.depth(side, limit),
	}
}

// bestExecution ranks venues by the average price achievable for the full
// size and fills from the best.
func bestExecution(side domain.Side, qty, limit decimal.Decimal, cs []candidate) ([]domain.Allocation, decimal.Decimal) {
	s := make([]scored, 0, len(cs))
	for _, c := range cs {
		filled, notional := c.sweep(side, qty, limit)
		if !filled.IsPositive() {
			continue
		}
		s = append(s, scored{c: c, score: notional.Div(filled), avail: filled})
	}
	return rankAndFill(side, qty, limit, s, side == domain.SideSell)
}

// costMinimization ranks by price x quantity + fee per unit filled: lowest
// all-in cost for buys, highest net proceeds for sells.
func costMinimization(side domain.Side, qty, limit decimal.Decimal, cs []candidate) ([]domain.Allocation, decimal.Decimal) {
	s := make([]scored, 0, len(cs))
	for _, c := range cs {
		filled, notional := c.sweep(side, qty, limit)
		if !filled.IsPositive() {
			continue
		}
		fee := c.fees.TakerFee(notional)
		total := notional.Add(fee)
		if side == domain.SideSell {
			total = notional.Sub(fee)
		}
		s = append(s, scored{c: c, score: total.Div(filled), avail: filled})
	}
	return rankAndFill(side, qty, limit, s, side == domain.SideSell)
}

// liquiditySeeking ranks venues by depth inside the price band and fills
// from the deepest.
func liquiditySeeking(side domain.Side, qty, band decimal.Decimal, cs []candidate) ([]domain.Allocation, decimal.Decimal) {
	s := make([]scored, 0, len(cs))
	for _, c := range cs {
		d := c.depth(side, band)
		if !d.IsPositive() {
			continue
		}
		s = append(s, scored{c: c, score: d, avail: d})
	}
	return rankAndFill(side, qty, band, s, true)
}

// impactMinimization spreads qty over the top-K venues by depth in
// proportion to depth, never giving a venue more than rate x its depth.
func impactMinimization(side domain.Side, qty, limit decimal.Decimal, cs []candidate, topK int, rate decimal.Decimal) ([]domain.Allocation, decimal.Decimal) {
	type slot struct {
		c     candidate
		depth decimal.Decimal
		cap   decimal.Decimal
		alloc decimal.Decimal
	}
	slots := make([]*slot, 0, len(cs))
	for _, c := range cs {
		d := c.depth(side, limit)
		if !d.IsPositive() {
			continue
		}
		slots = append(slots, &slot{c: c, depth: d, cap: d.Mul(rate).Truncate(quantityPrecision)})
	}
	sort.SliceStable(slots, func(i, j int) bool {
		if !slots[i].depth.Equal(slots[j].depth) {
			return slots[i].depth.GreaterThan(slots[j].depth)
		}
		return slots[i].c.priority < slots[j].c.priority
	})
	if topK > 0 && len(slots) > topK {
		slots = slots[:topK]
	}

	remaining := qty
	// Proportional passes; each pass hands out the remainder to venues that
	// still have capacity.
	for pass := 0; pass < 8 && remaining.IsPositive(); pass++ {
		open := decimal.Zero
		for _, s := range slots {
			if s.alloc.LessThan(s.cap) {
				open = open.Add(s.depth)
			}
		}
		if !open.IsPositive() {
			break
		}
		handed := decimal.Zero
		for _, s := range slots {
			spare := s.cap.Sub(s.alloc)
			if !spare.IsPositive() {
				continue
			}
			share := remaining.Mul(s.depth).Div(open).Truncate(quantityPrecision)
			take := decimal.Min(share, spare)
			s.alloc = s.alloc.Add(take)
			handed = handed.Add(take)
		}
		remaining = remaining.Sub(handed)
		if !handed.IsPositive() {
			break
		}
	}
	// Truncation dust goes to the first venue with spare capacity.
	for _, s := range slots {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(remaining, s.cap.Sub(s.alloc))
		if take.IsPositive() {
			s.alloc = s.alloc.Add(take)
			remaining = remaining.Sub(take)
		}
	}

	var out []domain.Allocation
	for _, s := range slots {
		if s.alloc.IsPositive() {
			out = append(out, allocation(side, s.c, s.alloc, limit))
		}
	}
	return out, remaining
}
