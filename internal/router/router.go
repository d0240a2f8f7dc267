// Package router splits orders across venues and dispatches the pieces,
// failing over to alternate venues when one is unavailable.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/venuecore/internal/domain"
	"github.com/alanyoungcy/venuecore/internal/venue"
)

// Venues lists the adapters the router may use.
type Venues interface {
	Eligible() []venue.Adapter
	Priority(id domain.VenueID) int
}

// Books supplies cached per-venue books. A miss triggers a live fetch.
type Books interface {
	VenueBook(inst domain.Instrument, v domain.VenueID) (domain.OrderBook, bool)
}

// Emergency reports halted scopes.
type Emergency interface {
	Covers(v domain.VenueID, inst domain.Instrument) bool
}

// RiskGate admits an order and returns the quantity it may trade after
// scaling and position caps.
type RiskGate interface {
	Check(ctx context.Context, order domain.Order) (decimal.Decimal, error)
}

// Config holds routing parameters.
type Config struct {
	DefaultStrategy      domain.RoutingStrategy
	Deadline             time.Duration
	TopK                 int
	MaxParticipationRate decimal.Decimal
	BandBps              decimal.Decimal
	Depth                int
	Backoff              Backoff
	MaxRetries           int
}

func (c *Config) defaults() {
	if !c.DefaultStrategy.Valid() {
		c.DefaultStrategy = domain.StrategyBestExecution
	}
	if c.Deadline <= 0 {
		c.Deadline = 2 * time.Second
	}
	if c.TopK <= 0 {
		c.TopK = 3
	}
	if !c.MaxParticipationRate.IsPositive() {
		c.MaxParticipationRate = decimal.NewFromFloat(0.2)
	}
	if !c.BandBps.IsPositive() {
		c.BandBps = decimal.NewFromInt(50)
	}
	if c.Depth <= 0 {
		c.Depth = 20
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = DefaultBackoff
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
}

// Router is the smart order router.
type Router struct {
	venues    Venues
	books     Books
	emergency Emergency
	gate      RiskGate
	cfg       Config
	logger    *slog.Logger

	observer  atomic.Pointer[Observer]

	// sleep waits between failover attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Router. gate may be nil, in which case orders pass unscaled.
func New(venues Venues, books Books, emergency Emergency, gate RiskGate, cfg Config, logger *slog.Logger) *Router {
	cfg.defaults()
	return &Router{
		venues:    venues,
		books:     books,
		emergency: emergency,
		gate:      gate,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "router")),
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// DefaultStrategy returns the strategy used when an order names none.
func (r *Router) DefaultStrategy() domain.RoutingStrategy {
	return r.cfg.DefaultStrategy
}

// Observer is notified of every planning decision.
type Observer interface {
	RoutePlanned(strategy domain.RoutingStrategy, took time.Duration, err error)
}

// SetObserver installs o.
func (r *Router) SetObserver(o Observer) {
	r.observer.Store(&o)
}

// Plan computes venue allocations for the order's remaining quantity.
func (r *Router) Plan(ctx context.Context, order domain.Order, strategy domain.RoutingStrategy) (domain.RoutePlan, error) {
	start := time.Now()
	plan, err := r.plan(ctx, order, strategy)
	if o := r.observer.Load(); o != nil {
		label := plan.Strategy
		if label == "" {
			label = strategy
		}
		(*o).RoutePlanned(label, time.Since(start), err)
	}
	return plan, err
}

func (r *Router) plan(ctx context.Context, order domain.Order, strategy domain.RoutingStrategy) (domain.RoutePlan, error) {
	if strategy == "" {
		strategy = r.cfg.DefaultStrategy
	}
	if !strategy.Valid() {
		return domain.RoutePlan{}, fmt.Errorf("router: unknown strategy %q: %w", strategy, domain.ErrInvalidOrderSpec)
	}
	qty := order.Remaining()
	if !qty.IsPositive() {
		return domain.RoutePlan{}, fmt.Errorf("router: nothing to route: %w", domain.ErrInvalidOrderSpec)
	}
	if r.emergency != nil && r.emergency.Covers("", order.Instrument) {
		return domain.RoutePlan{}, fmt.Errorf("router: %s halted: %w", order.Instrument, domain.ErrEmergencyActive)
	}

	allowed := qty
	if r.gate != nil {
		a, err := r.gate.Check(ctx, order)
		if err != nil {
			return domain.RoutePlan{}, fmt.Errorf("router: risk gate: %w", err)
		}
		allowed = decimal.Min(a, qty)
	}
	plan := domain.RoutePlan{
		Strategy:   strategy,
		Instrument: order.Instrument,
		Side:       order.Side,
		Requested:  qty,
		Allowed:    allowed,
	}
	if !allowed.IsPositive() {
		return plan, fmt.Errorf("router: risk scaling left no quantity: %w", domain.ErrRiskBreach)
	}

	cands := r.candidates(ctx, order.Instrument, order.Side)
	if len(cands) == 0 {
		return plan, fmt.Errorf("router: %s: %w", order.Instrument, domain.ErrNoRoute)
	}

	limit := order.LimitPrice()
	var allocs []domain.Allocation
	var left decimal.Decimal
	switch strategy {
	case domain.StrategyBestExecution:
		allocs, left = bestExecution(order.Side, allowed, limit, cands)
	case domain.StrategyCostMinimization:
		allocs, left = costMinimization(order.Side, allowed, limit, cands)
	case domain.StrategyLiquiditySeeking:
		allocs, left = liquiditySeeking(order.Side, allowed, r.band(order.Side, limit, cands), cands)
	case domain.StrategyImpactMinimization:
		allocs, left = impactMinimization(order.Side, allowed, limit, cands, r.cfg.TopK, r.cfg.MaxParticipationRate)
	}

	// A limit order's unfilled remainder rests on the best-priced venue.
	if order.Type == domain.OrderTypeLimit && left.IsPositive() && strategy != domain.StrategyImpactMinimization {
		allocs = restRemainder(order.Side, allocs, cands, left, limit)
		left = decimal.Zero
	}

	plan.Allocations = allocs
	plan.Unallocated = left
	if len(allocs) == 0 {
		return plan, fmt.Errorf("router: no venue can absorb %s %s: %w", order.Side, order.Instrument, domain.ErrNoRoute)
	}
	return plan, nil
}

// band returns the price bound for liquidity seeking: the limit price, or
// the best candidate price moved BandBps against the taker.
func (r *Router) band(side domain.Side, limit decimal.Decimal, cs []candidate) decimal.Decimal {
	if limit.IsPositive() {
		return limit
	}
	var best decimal.Decimal
	found := false
	for _, c := range cs {
		p, ok := c.best()
		if !ok {
			continue
		}
		if !found || better(side, p, best) {
			best, found = p, true
		}
	}
	if !found {
		return decimal.Zero
	}
	shift := best.Mul(r.cfg.BandBps).Div(decimal.NewFromInt(10_000))
	if side == domain.SideBuy {
		return best.Add(shift)
	}
	return best.Sub(shift)
}

func restRemainder(side domain.Side, allocs []domain.Allocation, cs []candidate, left, limit decimal.Decimal) []domain.Allocation {
	if len(allocs) > 0 {
		allocs[0].Quantity = allocs[0].Quantity.Add(left)
		return allocs
	}
	best := cs[0]
	for _, c := range cs[1:] {
		p, ok := c.best()
		q, bok := best.best()
		if ok && (!bok || better(side, p, q)) {
			best = c
		}
	}
	return append(allocs, domain.Allocation{
		Venue:         best.venue,
		Quantity:      left,
		ExpectedPrice: limit,
		Depth:         decimal.Zero,
	})
}

// candidates gathers a book for every eligible, non-halted venue. Venues
// missing from the market view are fetched live under the route deadline;
// those that do not answer in time are left out.
func (r *Router) candidates(ctx context.Context, inst domain.Instrument, side domain.Side) []candidate {
	adapters := r.venues.Eligible()

	var (
		mu  sync.Mutex
		out = make([]candidate, 0, len(adapters))
	)
	add := func(a venue.Adapter, book domain.OrderBook) {
		levels := book.Side(side)
		if len(levels) == 0 {
			return
		}
		mu.Lock()
		out = append(out, candidate{venue: a.ID(), priority: r.venues.Priority(a.ID()), fees: a.Fees(), levels: levels})
		mu.Unlock()
	}

	fctx, cancel := context.WithTimeout(ctx, r.cfg.Deadline)
	defer cancel()
	var g errgroup.Group
	for _, a := range adapters {
		if r.emergency != nil && r.emergency.Covers(a.ID(), inst) {
			continue
		}
		if r.books != nil {
			if book, ok := r.books.VenueBook(inst, a.ID()); ok {
				add(a, book)
				continue
			}
		}
		g.Go(func() error {
			book, err := a.OrderBook(fctx, inst, r.cfg.Depth)
			if err != nil {
				r.logger.Debug("live book fetch failed",
					slog.String("venue", string(a.ID())),
					slog.String("instrument", string(inst)),
					slog.String("error", err.Error()),
				)
				return nil
			}
			add(a, book)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(out, func(i, j int) bool {
		if out[i].priority != out[j].priority {
			return out[i].priority < out[j].priority
		}
		return out[i].venue < out[j].venue
	})
	return out
}

// Dispatch places each allocation of plan. A venue that is unavailable is
// replaced by the next alternate after a backoff delay, up to MaxRetries
// times per allocation. Placements that succeeded are returned alongside a
// *domain.PartialFailure when some allocations could not be placed.
//
// Impact-minimization plans keep every venue within its participation cap
// across failovers: an alternate takes only its remaining room and the rest
// of a failed allocation stays unplaced.
func (r *Router) Dispatch(ctx context.Context, order domain.Order, plan domain.RoutePlan) ([]domain.Placement, error) {
	adapters := make(map[domain.VenueID]venue.Adapter)
	for _, a := range r.venues.Eligible() {
		adapters[a.ID()] = a
	}
	var budget *participation
	if plan.Strategy == domain.StrategyImpactMinimization {
		budget = newParticipation(plan, r.cfg.MaxParticipationRate)
	}

	failed := &domain.PartialFailure{Op: "dispatch"}
	var placements []domain.Placement
	for i, alloc := range plan.Allocations {
		spec := domain.OrderSpec{
			ClientOrderID: fmt.Sprintf("%s-%d", order.ID, i),
			Instrument:    order.Instrument,
			Side:          order.Side,
			Type:          order.Type,
			Quantity:      alloc.Quantity,
			Price:         order.LimitPrice(),
		}
		budget.release(alloc.Venue, alloc.Quantity)
		p, err := r.place(ctx, spec, r.route(alloc.Venue, plan, adapters), budget)
		if err != nil {
			if len(plan.Allocations) == 1 || errors.Is(err, domain.ErrEmergencyActive) || ctx.Err() != nil {
				return placements, err
			}
			failed.Add(alloc.Venue, err)
			continue
		}
		placements = append(placements, p)
	}
	if len(placements) == 0 && len(failed.Failures) > 0 {
		return nil, fmt.Errorf("router: no allocation placed: %w", failed)
	}
	return placements, failed.OrNil()
}

// route orders venues for one allocation: its own venue, the rest of the
// plan, then any other eligible venue by priority.
func (r *Router) route(primary domain.VenueID, plan domain.RoutePlan, adapters map[domain.VenueID]venue.Adapter) []venue.Adapter {
	seen := map[domain.VenueID]bool{}
	var out []venue.Adapter
	push := func(id domain.VenueID) {
		if seen[id] {
			return
		}
		seen[id] = true
		if a, ok := adapters[id]; ok {
			out = append(out, a)
		}
	}
	push(primary)
	for _, a := range plan.Allocations {
		push(a.Venue)
	}
	rest := make([]domain.VenueID, 0, len(adapters))
	for id := range adapters {
		rest = append(rest, id)
	}
	sort.Slice(rest, func(i, j int) bool {
		pi, pj := r.venues.Priority(rest[i]), r.venues.Priority(rest[j])
		if pi != pj {
			return pi < pj
		}
		return rest[i] < rest[j]
	})
	for _, id := range rest {
		push(id)
	}
	return out
}

func (r *Router) place(ctx context.Context, spec domain.OrderSpec, route []venue.Adapter, budget *participation) (domain.Placement, error) {
	if len(route) == 0 {
		return domain.Placement{}, fmt.Errorf("router: no venue for %s: %w", spec.Instrument, domain.ErrNoRoute)
	}
	want := spec.Quantity
	var lastErr error
	attempts := 0
	for _, a := range route {
		if attempts > r.cfg.MaxRetries {
			break
		}
		spec.Quantity = want
		if budget != nil {
			room := budget.room(a.ID())
			if !room.IsPositive() {
				continue
			}
			spec.Quantity = decimal.Min(want, room)
		}
		if attempts > 0 {
			if err := r.sleep(ctx, r.cfg.Backoff.Delay(attempts-1)); err != nil {
				return domain.Placement{}, err
			}
		}
		// Emergency may have been raised since planning. A halted venue is
		// skipped; a halted instrument stops the dispatch.
		if r.emergency != nil && r.emergency.Covers(a.ID(), spec.Instrument) {
			if r.emergency.Covers("", spec.Instrument) {
				return domain.Placement{}, fmt.Errorf("router: %s halted: %w", spec.Instrument, domain.ErrEmergencyActive)
			}
			lastErr = fmt.Errorf("router: venue %s halted: %w", a.ID(), domain.ErrEmergencyActive)
			continue
		}
		attempts++
		ack, err := a.PlaceOrder(ctx, spec)
		if err == nil {
			budget.commit(a.ID(), spec.Quantity)
			if short := want.Sub(spec.Quantity); short.IsPositive() {
				r.logger.Info("participation cap left quantity unplaced",
					slog.String("client_order_id", spec.ClientOrderID),
					slog.String("venue", string(a.ID())),
					slog.String("unplaced", short.String()),
				)
			}
			if attempts > 1 {
				r.logger.Info("order placed on alternate venue",
					slog.String("client_order_id", spec.ClientOrderID),
					slog.String("venue", string(a.ID())),
					slog.Int("attempts", attempts),
				)
			}
			return domain.Placement{Venue: a.ID(), Quantity: spec.Quantity, Ack: ack, Attempts: attempts}, nil
		}
		if !errors.Is(err, domain.ErrVenueUnavailable) {
			return domain.Placement{}, err
		}
		r.logger.Warn("venue unavailable, failing over",
			slog.String("client_order_id", spec.ClientOrderID),
			slog.String("venue", string(a.ID())),
			slog.String("error", err.Error()),
		)
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("router: no venue for %s: %w", spec.Instrument, domain.ErrNoRoute)
	}
	return domain.Placement{}, lastErr
}

// participation tracks, per venue, the quantity an impact-minimization
// dispatch has committed against the cap rate × depth. Venues outside the
// plan have no known depth and therefore no room. A nil budget is unlimited.
type participation struct {
	caps      map[domain.VenueID]decimal.Decimal
	committed map[domain.VenueID]decimal.Decimal
}

func newParticipation(plan domain.RoutePlan, rate decimal.Decimal) *participation {
	b := &participation{
		caps:      make(map[domain.VenueID]decimal.Decimal, len(plan.Allocations)),
		committed: make(map[domain.VenueID]decimal.Decimal, len(plan.Allocations)),
	}
	for _, a := range plan.Allocations {
		b.caps[a.Venue] = a.Depth.Mul(rate).Truncate(quantityPrecision)
		b.committed[a.Venue] = b.committed[a.Venue].Add(a.Quantity)
	}
	return b
}

// release drops an allocation's reservation before it is dispatched.
func (b *participation) release(v domain.VenueID, qty decimal.Decimal) {
	if b == nil {
		return
	}
	b.committed[v] = b.committed[v].Sub(qty)
}

func (b *participation) commit(v domain.VenueID, qty decimal.Decimal) {
	if b == nil {
		return
	}
	b.committed[v] = b.committed[v].Add(qty)
}

func (b *participation) room(v domain.VenueID) decimal.Decimal {
	return b.caps[v].Sub(b.committed[v])
}

// Execute plans and dispatches order, returning the fills reported in the
// placement acknowledgements.
func (r *Router) Execute(ctx context.Context, order domain.Order, strategy domain.RoutingStrategy) ([]domain.Fill, error) {
	plan, err := r.Plan(ctx, order, strategy)
	if err != nil {
		return nil, err
	}
	placements, err := r.Dispatch(ctx, order, plan)
	return Fills(order.ID, placements, time.Now().UTC()), err
}

// Fills converts filled placement acks into fills.
func Fills(orderID string, placements []domain.Placement, at time.Time) []domain.Fill {
	var fills []domain.Fill
	for _, p := range placements {
		if !p.Ack.FilledQuantity.IsPositive() {
			continue
		}
		fills = append(fills, domain.Fill{
			OrderID:  orderID,
			Venue:    p.Venue,
			Quantity: p.Ack.FilledQuantity,
			Price:    p.Ack.AvgPrice,
			Fee:      p.Ack.Fee,
			At:       at,
		})
	}
	return fills
}
