// Package position reconciles venue balances into per-venue positions and
// cross-venue aggregates.
package position

import (
	"context"
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

// Venues lists the registered adapters.
type Venues interface {
	All() []venue.Adapter
}

// Config holds synchronizer parameters.
type Config struct {
	// Instruments whose base asset balances are tracked as positions.
	Instruments []domain.Instrument
	CallTimeout time.Duration
}

type key struct {
	venue domain.VenueID
	inst  domain.Instrument
}

// baseline is the first observed quantity of a venue/instrument and the net
// filled quantity at that moment. Later drift is measured against it.
type baseline struct {
	quantity decimal.Decimal
	filled   decimal.Decimal
}

type snapshot struct {
	perVenue   map[domain.VenueID]map[domain.Instrument]domain.Position
	aggregates map[domain.Instrument]domain.AggregatePosition
}

// Synchronizer owns the authoritative position view. Reads never block on a
// sync in progress.
type Synchronizer struct {
	venues Venues
	orders domain.OrderStore
	pub    domain.Publisher
	cfg    Config
	logger *slog.Logger

	view atomic.Pointer[snapshot]

	// mu serializes Sync and guards baselines.
	mu        sync.Mutex
	baselines map[key]baseline

	now func() time.Time
}

// New creates a Synchronizer with an empty view.
func New(venues Venues, orders domain.OrderStore, pub domain.Publisher, cfg Config, logger *slog.Logger) *Synchronizer {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 3 * time.Second
	}
	s := &Synchronizer{
		venues:    venues,
		orders:    orders,
		pub:       pub,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "position_sync")),
		baselines: make(map[key]baseline),
		now:       func() time.Time { return time.Now().UTC() },
	}
	s.view.Store(&snapshot{
		perVenue:   map[domain.VenueID]map[domain.Instrument]domain.Position{},
		aggregates: map[domain.Instrument]domain.AggregatePosition{},
	})
	return s
}

// Run syncs immediately and then on every interval until ctx is done.
func (s *Synchronizer) Run(ctx context.Context, interval time.Duration) error {
	s.logger.Info("position sync started", slog.Duration("interval", interval))
	defer s.logger.Info("position sync stopped")

	s.syncAndLog(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.syncAndLog(ctx)
		}
	}
}

func (s *Synchronizer) syncAndLog(ctx context.Context) {
	if _, err := s.Sync(ctx); err != nil {
		s.logger.Warn("position sync incomplete", slog.String("error", err.Error()))
	}
}

// Sync fetches balances from every venue concurrently and swaps in the new
// view. Unreachable venues keep their previous positions and are reported
// in a *domain.PartialFailure. The returned warnings are also emitted as
// events.
func (s *Synchronizer) Sync(ctx context.Context) ([]domain.ReconcileWarning, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	adapters := s.venues.All()
	var (
		mu       sync.Mutex
		balances = make(map[domain.VenueID]map[string]decimal.Decimal, len(adapters))
		failed   = &domain.PartialFailure{Op: "position sync"}
	)
	var g errgroup.Group
	for _, a := range adapters {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
			defer cancel()
			b, err := a.Balances(cctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed.Add(a.ID(), err)
				return nil
			}
			balances[a.ID()] = b
			return nil
		})
	}
	_ = g.Wait()

	prev := s.view.Load()
	now := s.now()
	next := &snapshot{
		perVenue:   make(map[domain.VenueID]map[domain.Instrument]domain.Position, len(adapters)),
		aggregates: make(map[domain.Instrument]domain.AggregatePosition),
	}
	for _, a := range adapters {
		id := a.ID()
		b, ok := balances[id]
		if !ok {
			if old, had := prev.perVenue[id]; had {
				next.perVenue[id] = old
			}
			continue
		}
		positions := make(map[domain.Instrument]domain.Position, len(s.cfg.Instruments))
		for _, inst := range s.cfg.Instruments {
			qty := b[inst.Base()]
			if qty.IsZero() {
				continue
			}
			positions[inst] = domain.Position{Venue: id, Instrument: inst, Quantity: qty, UpdatedAt: now}
		}
		next.perVenue[id] = positions
	}

	fills, err := s.fills(ctx)
	if err != nil {
		s.logger.Warn("load order history", slog.String("error", err.Error()))
	}
	for id := range balances {
		positions := next.perVenue[id]
		for inst, p := range positions {
			if f, ok := fills[key{id, inst}]; ok && f.bought.IsPositive() {
				p.AvgEntryPrice = f.cost.Div(f.bought).Round(8)
				positions[inst] = p
			}
		}
	}
	aggregate(next)

	var warnings []domain.ReconcileWarning
	if err == nil {
		warnings = s.reconcile(next, balances, fills)
	}
	s.view.Store(next)

	for _, w := range warnings {
		s.logger.Warn("reconcile warning",
			slog.String("venue", string(w.Venue)),
			slog.String("instrument", string(w.Instrument)),
			slog.String("kind", w.Kind),
			slog.String("detail", w.Detail),
		)
		s.emit(ctx, domain.EventReconcileWarning, w)
	}
	if perr := failed.OrNil(); perr != nil {
		s.emit(ctx, domain.EventReconcileFailure, map[string]string{"error": perr.Error()})
		return warnings, fmt.Errorf("position: sync: %w", perr)
	}
	return warnings, nil
}

// aggregate fills snap.aggregates from snap.perVenue. Quantity is the exact
// sum of the per-venue quantities; the entry price is quantity weighted.
func aggregate(snap *snapshot) {
	cost := make(map[domain.Instrument]decimal.Decimal)
	for id, positions := range snap.perVenue {
		for inst, p := range positions {
			agg, ok := snap.aggregates[inst]
			if !ok {
				agg = domain.AggregatePosition{Instrument: inst, PerVenue: make(map[domain.VenueID]decimal.Decimal)}
			}
			agg.Quantity = agg.Quantity.Add(p.Quantity)
			agg.PerVenue[id] = p.Quantity
			snap.aggregates[inst] = agg
			cost[inst] = cost[inst].Add(p.Quantity.Mul(p.AvgEntryPrice))
		}
	}
	for inst, agg := range snap.aggregates {
		if !agg.Quantity.IsZero() {
			agg.AvgEntryPrice = cost[inst].Div(agg.Quantity).Round(8)
			snap.aggregates[inst] = agg
		}
	}
}

type fillStats struct {
	net    decimal.Decimal
	bought decimal.Decimal
	cost   decimal.Decimal
	orders int
}

// fills sums leaf order fills per venue and instrument.
func (s *Synchronizer) fills(ctx context.Context) (map[key]fillStats, error) {
	orders, err := s.orders.List(ctx, domain.OrderFilter{})
	if err != nil {
		return nil, fmt.Errorf("position: list orders: %w", err)
	}
	out := make(map[key]fillStats)
	for _, o := range orders {
		if o.VenueOrderID == "" || o.Venue == "" {
			continue
		}
		k := key{o.Venue, o.Instrument}
		f := out[k]
		f.orders++
		if o.Side == domain.SideBuy {
			f.net = f.net.Add(o.FilledQuantity)
			f.bought = f.bought.Add(o.FilledQuantity)
			f.cost = f.cost.Add(o.FilledQuantity.Mul(o.AvgFillPrice))
		} else {
			f.net = f.net.Sub(o.FilledQuantity)
		}
		out[k] = f
	}
	return out, nil
}

// reconcile compares observed quantities with the baseline plus fills since
// it was taken. Caller holds s.mu.
func (s *Synchronizer) reconcile(next *snapshot, fetched map[domain.VenueID]map[string]decimal.Decimal, fills map[key]fillStats) []domain.ReconcileWarning {
	var out []domain.ReconcileWarning
	for id := range fetched {
		for _, inst := range s.cfg.Instruments {
			k := key{id, inst}
			observed := next.perVenue[id][inst].Quantity
			f := fills[k]
			base, seen := s.baselines[k]
			if !seen {
				s.baselines[k] = baseline{quantity: observed, filled: f.net}
				if !observed.IsZero() && f.orders == 0 {
					out = append(out, domain.ReconcileWarning{
						Venue:      id,
						Instrument: inst,
						Kind:       domain.WarnUnexplainedPosition,
						Expected:   decimal.Zero,
						Observed:   observed,
						Detail:     "position present with no order history",
					})
				}
				continue
			}
			expected := base.quantity.Add(f.net.Sub(base.filled))
			if !expected.Equal(observed) {
				out = append(out, domain.ReconcileWarning{
					Venue:      id,
					Instrument: inst,
					Kind:       domain.WarnQuantityDrift,
					Expected:   expected,
					Observed:   observed,
					Detail:     fmt.Sprintf("drift %s versus filled orders", observed.Sub(expected)),
				})
				// Re-anchor so one external transfer warns once.
				s.baselines[k] = baseline{quantity: observed, filled: f.net}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Venue != out[j].Venue {
			return out[i].Venue < out[j].Venue
		}
		return out[i].Instrument < out[j].Instrument
	})
	return out
}

// Positions returns every per-venue position.
func (s *Synchronizer) Positions() []domain.Position {
	snap := s.view.Load()
	var out []domain.Position
	for _, positions := range snap.perVenue {
		for _, p := range positions {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Instrument != out[j].Instrument {
			return out[i].Instrument < out[j].Instrument
		}
		return out[i].Venue < out[j].Venue
	})
	return out
}

// Aggregates returns the cross-venue totals.
func (s *Synchronizer) Aggregates() []domain.AggregatePosition {
	snap := s.view.Load()
	out := make([]domain.AggregatePosition, 0, len(snap.aggregates))
	for _, agg := range snap.aggregates {
		cp := agg
		cp.PerVenue = make(map[domain.VenueID]decimal.Decimal, len(agg.PerVenue))
		for k, v := range agg.PerVenue {
			cp.PerVenue[k] = v
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

// Aggregate returns the cross-venue total for inst.
func (s *Synchronizer) Aggregate(inst domain.Instrument) (domain.AggregatePosition, bool) {
	for _, agg := range s.Aggregates() {
		if agg.Instrument == inst {
			return agg, true
		}
	}
	return domain.AggregatePosition{}, false
}

func (s *Synchronizer) emit(ctx context.Context, t domain.EventType, payload any) {
	ev, err := domain.NewEvent(t, payload)
	if err != nil {
		s.logger.Error("encode event", slog.String("error", err.Error()))
		return
	}
	if err := s.pub.Publish(ctx, ev); err != nil {
		s.logger.Warn("publish event", slog.String("type", string(t)), slog.String("error", err.Error()))
	}
}
