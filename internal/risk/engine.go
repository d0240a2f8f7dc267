package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/venuecore/internal/domain"
)

// Positions supplies the authoritative aggregated holdings.
type Positions interface {
	Aggregates() []domain.AggregatePosition
}

// Marks supplies mark prices.
type Marks interface {
	Mid(inst domain.Instrument) (decimal.Decimal, bool)
}

// Observer is notified after every evaluation.
type Observer interface {
	RiskEvaluated(snap domain.RiskSnapshot)
}

// Config holds engine parameters.
type Config struct {
	Limits         domain.RiskLimits
	SnapshotMaxAge time.Duration
	Confidence     float64
	MCPaths        int
	Seed           uint64
	DrawdownScale  float64
	// Equity is the capital base; unrealized PnL is added to it.
	Equity float64
	// Window is the number of returns kept per instrument.
	Window int
}

func (c *Config) defaults() {
	if c.SnapshotMaxAge <= 0 {
		c.SnapshotMaxAge = 30 * time.Second
	}
	if c.Confidence <= 0 || c.Confidence >= 1 {
		c.Confidence = 0.95
	}
	if c.MCPaths <= 0 {
		c.MCPaths = 10000
	}
	if c.DrawdownScale <= 0 || c.DrawdownScale >= 1 {
		c.DrawdownScale = 0.5
	}
	if c.Window <= 0 {
		c.Window = 250
	}
}

// historical VaR needs a usable tail; shorter series fall back to parametric.
const minHistorical = 30

// Engine evaluates portfolio risk on a cadence and gates new orders on the
// latest snapshot. Readers never block on evaluation.
type Engine struct {
	positions Positions
	marks     Marks
	store     domain.RiskSnapshotStore
	audit     domain.AuditStore
	pub       domain.Publisher
	observer  Observer
	cfg       Config
	logger    *slog.Logger

	limits   atomic.Pointer[domain.RiskLimits]
	snap     atomic.Pointer[domain.RiskSnapshot]
	override atomic.Pointer[time.Time]

	// mu serializes evaluations and guards the fields below.
	mu        sync.Mutex
	drawdown  *Drawdown
	prices    map[domain.Instrument][]float64
	portfolio []float64

	now func() time.Time
}

// NewEngine creates an Engine. No snapshot exists until the first Evaluate,
// so Check fails as stale until then.
func NewEngine(positions Positions, marks Marks, store domain.RiskSnapshotStore, audit domain.AuditStore, pub domain.Publisher, cfg Config, logger *slog.Logger) *Engine {
	cfg.defaults()
	e := &Engine{
		positions: positions,
		marks:     marks,
		store:     store,
		audit:     audit,
		pub:       pub,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "risk_engine")),
		drawdown:  NewDrawdown(cfg.Limits.MaxPortfolioDrawdown, cfg.DrawdownScale),
		prices:    make(map[domain.Instrument][]float64),
		now:       func() time.Time { return time.Now().UTC() },
	}
	limits := cfg.Limits
	e.limits.Store(&limits)
	return e
}

// SetObserver installs o. Must be called before Run.
func (e *Engine) SetObserver(o Observer) { e.observer = o }

// Limits returns the current limits.
func (e *Engine) Limits() domain.RiskLimits { return *e.limits.Load() }

// Snapshot returns a copy of the latest snapshot.
func (e *Engine) Snapshot() (domain.RiskSnapshot, bool) {
	s := e.snap.Load()
	if s == nil {
		return domain.RiskSnapshot{}, false
	}
	return s.Clone(), true
}

// Run evaluates immediately and then on every interval until ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	e.logger.Info("risk engine started", slog.Duration("interval", interval))
	defer e.logger.Info("risk engine stopped")

	if _, err := e.Evaluate(ctx); err != nil {
		e.logger.Warn("risk evaluation failed", slog.String("error", err.Error()))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.Evaluate(ctx); err != nil {
				e.logger.Warn("risk evaluation failed", slog.String("error", err.Error()))
			}
		}
	}
}

type exposure struct {
	inst     domain.Instrument
	quantity float64
	notional float64
}

// Evaluate computes and publishes a new snapshot.
func (e *Engine) Evaluate(ctx context.Context) (domain.RiskSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	limits := e.Limits()
	now := e.now()

	var (
		held  []exposure
		pnl   float64
		gross float64
	)
	for _, agg := range e.positions.Aggregates() {
		mark, ok := e.marks.Mid(agg.Instrument)
		if !ok {
			continue
		}
		px := mark.InexactFloat64()
		e.record(agg.Instrument, px)
		qty := agg.Quantity.InexactFloat64()
		if qty == 0 {
			continue
		}
		if agg.AvgEntryPrice.IsPositive() {
			pnl += qty * (px - agg.AvgEntryPrice.InexactFloat64())
		}
		held = append(held, exposure{inst: agg.Instrument, quantity: qty, notional: qty * px})
		gross += math.Abs(qty * px)
	}
	sort.Slice(held, func(i, j int) bool { return held[i].inst < held[j].inst })

	equity := e.cfg.Equity + pnl
	dd := e.drawdown.Update(equity)

	snap := domain.RiskSnapshot{
		ID:              uuid.NewString(),
		Timestamp:       now,
		Equity:          equity,
		GrossExposure:   gross,
		CurrentDrawdown: dd,
		ScalingFactor:   e.drawdown.Scaling(),
		Exposures:       make(map[domain.Instrument]float64, len(held)),
	}
	if equity > 0 {
		snap.Leverage = gross / equity
	}

	series := make(map[domain.Instrument][]float64, len(held))
	for _, h := range held {
		snap.Exposures[h.inst] = h.notional
		if r := returns(e.prices[h.inst]); len(r) > 0 {
			series[h.inst] = r
		}
	}
	e.portfolio = portfolioReturns(held, series, equity)
	if len(e.portfolio) >= minObservations {
		var (
			v   VaRResult
			err error
		)
		if len(e.portfolio) >= minHistorical {
			v, err = HistoricalVaR(e.portfolio, e.cfg.Confidence, equity)
		} else {
			v, err = ParametricVaR(e.portfolio, e.cfg.Confidence, equity)
		}
		if err == nil {
			snap.VaRPercent = v.Percent
			snap.VaRAmount = v.Amount
			snap.ExpectedShortfall = v.ExpectedShortfall * equity
		}
	}
	snap.Instruments, snap.CorrelationMatrix = CorrelationMatrix(series)
	snap.Breaches = breaches(snap, held, limits)

	e.snap.Store(&snap)
	if err := e.store.Append(ctx, snap); err != nil {
		e.logger.Warn("persist risk snapshot", slog.String("error", err.Error()))
	}
	e.emit(ctx, domain.EventRiskSnapshot, snap)
	for _, b := range snap.Breaches {
		e.logger.Warn("risk limit breached",
			slog.String("kind", string(b.Kind)),
			slog.String("instrument", string(b.Instrument)),
			slog.Float64("value", b.Value),
			slog.Float64("limit", b.Limit),
			slog.Bool("blocking", b.Blocking),
		)
		e.emit(ctx, domain.EventRiskBreach, b)
	}
	if e.observer != nil {
		e.observer.RiskEvaluated(snap)
	}
	return snap.Clone(), nil
}

// record appends a mark to inst's price history, keeping Window+1 prices.
func (e *Engine) record(inst domain.Instrument, px float64) {
	h := append(e.prices[inst], px)
	if len(h) > e.cfg.Window+1 {
		h = h[len(h)-e.cfg.Window-1:]
	}
	e.prices[inst] = h
}

func returns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			continue
		}
		out = append(out, prices[i]/prices[i-1]-1)
	}
	return out
}

// portfolioReturns weights each instrument's returns by its share of equity
// over the common trailing window.
func portfolioReturns(held []exposure, series map[domain.Instrument][]float64, equity float64) []float64 {
	if equity <= 0 {
		return nil
	}
	window := math.MaxInt
	for _, h := range held {
		r, ok := series[h.inst]
		if !ok {
			continue
		}
		window = min(window, len(r))
	}
	if window == math.MaxInt || window == 0 {
		return nil
	}
	out := make([]float64, window)
	for _, h := range held {
		r, ok := series[h.inst]
		if !ok {
			continue
		}
		w := h.notional / equity
		tail := r[len(r)-window:]
		for i, v := range tail {
			out[i] += w * v
		}
	}
	return out
}

// breaches compares snap against limits. VaR and leverage block new
// exposure; the rest are reported. Drawdown protection acts through the
// snapshot's scaling factor and position size through clipping in Check.
func breaches(snap domain.RiskSnapshot, held []exposure, l domain.RiskLimits) []domain.Breach {
	var out []domain.Breach
	add := func(kind domain.BreachKind, inst domain.Instrument, value, limit float64, blocking bool) {
		if limit > 0 && value > limit {
			out = append(out, domain.Breach{Kind: kind, Instrument: inst, Value: value, Limit: limit, Blocking: blocking})
		}
	}
	add(domain.BreachDrawdown, "", snap.CurrentDrawdown, l.MaxPortfolioDrawdown, false)
	add(domain.BreachVaR, "", snap.VaRPercent, l.MaxVaR, true)
	add(domain.BreachLeverage, "", snap.Leverage, l.MaxLeverage, true)

	maxCorr, avgCorr := PairStats(snap.CorrelationMatrix)
	add(domain.BreachCorrelation, "", maxCorr, l.MaxCorrelation, false)
	add(domain.BreachAvgCorrelation, "", avgCorr, l.MaxAvgCorrelation, false)

	for _, h := range held {
		add(domain.BreachPositionSize, h.inst, math.Abs(h.quantity), l.MaxPositionSize, false)
		if snap.Equity > 0 {
			add(domain.BreachSectorExposure, h.inst, math.Abs(h.notional)/snap.Equity, l.MaxSectorExposure, false)
		}
	}
	return out
}

// Check admits order against the latest snapshot and returns the quantity
// it may trade. The part of the order that reduces the current position is
// always admitted in full. The rest is new exposure: it is refused while a
// blocking breach stands without an override, scaled by drawdown
// protection and clipped to the position limit.
func (e *Engine) Check(ctx context.Context, order domain.Order) (decimal.Decimal, error) {
	snap := e.snap.Load()
	if snap == nil || snap.Stale(e.now(), e.cfg.SnapshotMaxAge) {
		return decimal.Zero, fmt.Errorf("risk: check %s: %w", order.ID, domain.ErrStaleSnapshot)
	}

	current := e.holding(order.Instrument)
	qty := order.Remaining()
	reducing := reduction(order.Side, current, qty)
	opening := qty.Sub(reducing)
	if !opening.IsPositive() {
		return reducing, nil
	}
	// Once the reduction is done the position is flat.
	if reducing.IsPositive() {
		current = decimal.Zero
	}

	if blocking := snap.Blocking(); len(blocking) > 0 {
		if until, active := e.OverrideUntil(); active {
			e.logger.Warn("blocking breach overridden",
				slog.String("order_id", order.ID),
				slog.Time("until", until),
			)
		} else {
			if reducing.IsPositive() {
				return reducing, nil
			}
			return decimal.Zero, fmt.Errorf("risk: check %s: %w", order.ID, &domain.RiskBreachError{Breaches: blocking})
		}
	}

	if snap.ScalingFactor > 0 && snap.ScalingFactor < 1 {
		opening = opening.Mul(decimal.NewFromFloat(snap.ScalingFactor)).Truncate(8)
	}

	limits := e.Limits()
	if limits.MaxPositionSize > 0 {
		limit := decimal.NewFromFloat(limits.MaxPositionSize)
		room := limit.Sub(current)
		if order.Side == domain.SideSell {
			room = limit.Add(current)
		}
		if room.LessThan(opening) {
			opening = decimal.Max(room, decimal.Zero)
		}
		if !opening.IsPositive() && !reducing.IsPositive() {
			return decimal.Zero, fmt.Errorf("risk: check %s: %w", order.ID, &domain.RiskBreachError{Breaches: []domain.Breach{{
				Kind:       domain.BreachPositionSize,
				Instrument: order.Instrument,
				Value:      current.Abs().InexactFloat64(),
				Limit:      limits.MaxPositionSize,
				Blocking:   true,
			}}})
		}
	}
	return reducing.Add(opening), nil
}

func (e *Engine) holding(inst domain.Instrument) decimal.Decimal {
	for _, agg := range e.positions.Aggregates() {
		if agg.Instrument == inst {
			return agg.Quantity
		}
	}
	return decimal.Zero
}

// reduction returns how much of qty on side moves current toward zero.
func reduction(side domain.Side, current, qty decimal.Decimal) decimal.Decimal {
	switch {
	case side == domain.SideSell && current.IsPositive():
		return decimal.Min(qty, current)
	case side == domain.SideBuy && current.IsNegative():
		return decimal.Min(qty, current.Neg())
	}
	return decimal.Zero
}

// Override lets orders through blocking breaches until until. A zero until
// clears the override.
func (e *Engine) Override(ctx context.Context, actor, reason string, until time.Time) error {
	if until.IsZero() {
		e.override.Store(nil)
	} else {
		e.override.Store(&until)
	}
	e.logger.Warn("risk override set",
		slog.String("actor", actor),
		slog.String("reason", reason),
		slog.Time("until", until),
	)
	return e.writeAudit(ctx, domain.AuditRiskOverride, actor, reason, map[string]any{"until": until})
}

// OverrideUntil reports the active override deadline.
func (e *Engine) OverrideUntil() (time.Time, bool) {
	u := e.override.Load()
	if u == nil || !e.now().Before(*u) {
		return time.Time{}, false
	}
	return *u, true
}

// SetLimits replaces the limits. The next evaluation uses them.
func (e *Engine) SetLimits(ctx context.Context, actor string, limits domain.RiskLimits) error {
	e.limits.Store(&limits)
	e.mu.Lock()
	e.drawdown.SetThreshold(limits.MaxPortfolioDrawdown)
	e.mu.Unlock()
	e.logger.Info("risk limits updated", slog.String("actor", actor))
	return e.writeAudit(ctx, domain.AuditRiskLimits, actor, "limits updated", map[string]any{"limits": limits})
}

// Size runs a sizing model with the current drawdown scaling.
func (e *Engine) Size(req SizingRequest) (SizingResult, error) {
	scaling := 1.0
	if s := e.snap.Load(); s != nil && s.ScalingFactor > 0 {
		scaling = s.ScalingFactor
	}
	return size(req, e.Limits().MaxKelly, scaling)
}

// CompareVaR runs all three VaR methods on series, or on the portfolio
// return series from the last evaluation when series is empty.
func (e *Engine) CompareVaR(series []float64, confidence float64) (VaRComparison, error) {
	if confidence == 0 {
		confidence = e.cfg.Confidence
	}
	equity := e.cfg.Equity
	if s := e.snap.Load(); s != nil {
		equity = s.Equity
	}
	if len(series) == 0 {
		e.mu.Lock()
		series = append([]float64(nil), e.portfolio...)
		e.mu.Unlock()
	}
	return CompareVaR(series, confidence, equity, e.cfg.MCPaths, e.cfg.Seed)
}

func (e *Engine) writeAudit(ctx context.Context, action, actor, reason string, detail map[string]any) error {
	entry := domain.AuditEntry{
		ID:        uuid.NewString(),
		Action:    action,
		Actor:     actor,
		Reason:    reason,
		Detail:    detail,
		CreatedAt: e.now(),
	}
	if err := e.audit.Log(ctx, entry); err != nil {
		return fmt.Errorf("risk: audit %s: %w", action, err)
	}
	return nil
}

func (e *Engine) emit(ctx context.Context, t domain.EventType, payload any) {
	ev, err := domain.NewEvent(t, payload)
	if err != nil {
		e.logger.Error("encode event", slog.String("type", string(t)), slog.String("error", err.Error()))
		return
	}
	if err := e.pub.Publish(ctx, ev); err != nil {
		e.logger.Warn("publish event", slog.String("type", string(t)), slog.String("error", err.Error()))
	}
}
