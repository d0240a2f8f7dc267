package ordermgr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/venuecore/internal/domain"
)

// group tracks the children of a composite parent. Fields other than the
// atomics are guarded by the tree's root lock.
type group struct {
	kind     domain.OrderKind
	parentID string
	req      PlaceRequest

	mu       sync.Mutex
	children []string

	cancelled atomic.Bool // cooperative cancel, checked before each dispatch
	finished  atomic.Bool // no more children will be created
	resolved  bool        // OCO pair decided
	armed     bool        // bracket exits placed
	degraded  bool

	wake chan struct{}
}

func (g *group) add(id string) {
	g.mu.Lock()
	g.children = append(g.children, id)
	g.mu.Unlock()
}

func (g *group) ids() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.children...)
}

func (g *group) notify() {
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) addGroup(parentID string, kind domain.OrderKind, req PlaceRequest) *group {
	g := &group{kind: kind, parentID: parentID, req: req, wake: make(chan struct{}, 1)}
	m.mu.Lock()
	m.groups[parentID] = g
	m.mu.Unlock()
	return g
}

func (m *Manager) group(parentID string) *group {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.groups[parentID]
}

// afterUpdate runs composite reactions for a changed order and settles its
// parent. The caller holds the root lock.
func (m *Manager) afterUpdate(ctx context.Context, o domain.Order) {
	if o.ParentID == "" {
		if o.Status.Terminal() && m.group(o.ID) == nil {
			m.forget(o.ID)
		}
		return
	}
	g := m.group(o.ParentID)
	if g == nil {
		return
	}
	switch g.kind {
	case domain.KindOCO:
		m.onOCOLeg(ctx, g, o)
	case domain.KindBracket:
		m.onBracketLeg(ctx, g, o)
	case domain.KindIceberg, domain.KindTWAP, domain.KindVWAP:
		g.notify()
	}
	m.settle(ctx, o.ParentID)
}

// settle recomputes a parent's fill and status from its children.
func (m *Manager) settle(ctx context.Context, parentID string) {
	p, ok := m.load(parentID)
	g := m.group(parentID)
	if !ok || g == nil || p.Status.Terminal() {
		return
	}

	var children []domain.Order
	for _, id := range g.ids() {
		if c, ok := m.load(id); ok {
			children = append(children, c)
		}
	}

	filled, notional := decimal.Zero, decimal.Zero
	allTerminal, allRejected, anyActive := true, len(children) > 0, false
	var entry *domain.Order
	for i, c := range children {
		// A bracket parent reports its entry; exits close the position.
		if g.kind != domain.KindBracket || c.Leg == domain.LegEntry {
			filled = filled.Add(c.FilledQuantity)
			notional = notional.Add(c.FilledQuantity.Mul(c.AvgFillPrice))
		}
		if c.Leg == domain.LegEntry {
			entry = &children[i]
		}
		if !c.Status.Terminal() {
			allTerminal = false
		}
		if c.Status != domain.OrderStatusRejected {
			allRejected = false
		}
		if c.Status != domain.OrderStatusPending {
			anyActive = true
		}
	}

	done := allTerminal && (g.cancelled.Load() || m.groupDone(g, entry))
	if filled.GreaterThan(p.Quantity) {
		filled = p.Quantity
	}
	changed := !filled.Equal(p.FilledQuantity)
	p.FilledQuantity = filled
	if filled.IsPositive() {
		p.AvgFillPrice = notional.Div(filled).Round(8)
	}

	target := p.Status
	switch {
	case done && filled.GreaterThanOrEqual(p.Quantity):
		target = domain.OrderStatusFilled
	case done && filled.IsPositive():
		target = domain.OrderStatusCancelled
	case done && allRejected:
		target = domain.OrderStatusRejected
	case done:
		target = domain.OrderStatusCancelled
	case filled.IsPositive() && filled.LessThan(p.Quantity):
		target = domain.OrderStatusPartiallyFilled
	case anyActive && p.Status == domain.OrderStatusPending:
		target = domain.OrderStatusRouted
	}

	switch {
	case target == p.Status && !(changed && target == domain.OrderStatusPartiallyFilled):
		if changed {
			m.commit(ctx, p)
		}
	case target == domain.OrderStatusRejected && p.Status != domain.OrderStatusPending && p.Status != domain.OrderStatusRouted:
		_ = m.transition(ctx, &p, domain.OrderStatusCancelled, "")
	default:
		if err := m.advance(ctx, &p, target); err != nil {
			m.logger.Warn("settle parent", slog.String("order_id", p.ID), slog.String("error", err.Error()))
			return
		}
	}

	if p.ParentID != "" {
		m.afterUpdate(ctx, p)
		return
	}
	if p.Status.Terminal() {
		m.forget(p.ID)
	}
}

func (m *Manager) groupDone(g *group, entry *domain.Order) bool {
	switch g.kind {
	case domain.KindIceberg, domain.KindTWAP, domain.KindVWAP:
		return g.finished.Load()
	case domain.KindBracket:
		if entry == nil {
			return false
		}
		return !entry.FilledQuantity.IsPositive() || g.armed || g.degraded
	}
	return true
}

// OCO

func (m *Manager) startOCO(ctx context.Context, parent *domain.Order, req PlaceRequest) error {
	g := m.addGroup(parent.ID, domain.KindOCO, req)
	legs := make([]domain.Order, 0, 2)
	for i, lr := range req.Legs {
		leg := domain.LegA
		if i == 1 {
			leg = domain.LegB
		}
		c := m.child(*parent, leg, parent.Quantity)
		c.Type = lr.Type
		c.Price = lr.Price
		c.StopPrice = lr.StopPrice
		g.add(c.ID)
		m.create(ctx, c)
		legs = append(legs, c)
	}

	var firstErr error
	for i := range legs {
		if g.resolved {
			break
		}
		if err := m.route(ctx, &legs[i]); err != nil && firstErr == nil {
			firstErr = err
		}
		m.afterUpdate(ctx, legs[i])
	}
	return firstErr
}

// onOCOLeg cancels the sibling once either leg fills or ends.
func (m *Manager) onOCOLeg(ctx context.Context, g *group, o domain.Order) {
	if g.resolved || !(o.FilledQuantity.IsPositive() || o.Status.Terminal()) {
		return
	}
	g.resolved = true
	m.cancelSiblings(ctx, g, o.ID, "oco: leg "+string(o.Leg)+" "+string(o.Status))
}

func (m *Manager) cancelSiblings(ctx context.Context, g *group, keep, reason string) {
	for _, id := range g.ids() {
		if id == keep {
			continue
		}
		s, ok := m.load(id)
		if !ok || s.Status.Terminal() {
			continue
		}
		if g.kind == domain.KindBracket && s.Leg == domain.LegEntry {
			continue
		}
		if err := m.cancelLeaf(ctx, &s, reason); err != nil {
			m.logger.Error("cancel linked leg failed",
				slog.String("order_id", s.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Bracket

func (m *Manager) startBracket(ctx context.Context, parent *domain.Order, req PlaceRequest) error {
	g := m.addGroup(parent.ID, domain.KindBracket, req)
	entry := m.child(*parent, domain.LegEntry, parent.Quantity)
	entry.StopPrice = parent.StopPrice
	g.add(entry.ID)
	m.create(ctx, entry)
	err := m.route(ctx, &entry)
	m.afterUpdate(ctx, entry)
	return err
}

func (m *Manager) onBracketLeg(ctx context.Context, g *group, o domain.Order) {
	switch o.Leg {
	case domain.LegEntry:
		if g.armed || g.degraded || g.cancelled.Load() {
			return
		}
		if o.Status.Terminal() && o.FilledQuantity.IsPositive() {
			m.armExits(ctx, g, o)
		}
	case domain.LegStopLoss, domain.LegTakeProfit:
		if g.resolved || !(o.FilledQuantity.IsPositive() || o.Status.Terminal()) {
			return
		}
		g.resolved = true
		m.cancelSiblings(ctx, g, o.ID, "bracket: "+string(o.Leg)+" "+string(o.Status))
	}
}

// armExits places the stop-loss and take-profit pair for a filled entry.
// Failure to place either marks the bracket degraded.
func (m *Manager) armExits(ctx context.Context, g *group, entry domain.Order) {
	parent, ok := m.load(g.parentID)
	if !ok {
		return
	}
	qty := entry.FilledQuantity
	side := entry.Side.Opposite()

	sl := m.child(parent, domain.LegStopLoss, qty)
	sl.Side = side
	sl.Type = domain.OrderTypeStop
	sl.Price = nil
	sl.StopPrice = g.req.StopLoss

	tp := m.child(parent, domain.LegTakeProfit, qty)
	tp.Side = side
	tp.Type = domain.OrderTypeLimit
	tp.Price = g.req.TakeProfit

	g.armed = true
	for _, c := range []domain.Order{sl, tp} {
		g.add(c.ID)
		m.create(ctx, c)
	}

	var failure error
	if err := m.route(ctx, &sl); err != nil {
		failure = fmt.Errorf("stop loss: %w", err)
	}
	if failure == nil {
		if err := m.route(ctx, &tp); err != nil {
			failure = fmt.Errorf("take profit: %w", err)
		}
	}
	if failure != nil {
		m.degrade(ctx, g, failure)
		return
	}
	m.logger.Info("bracket exits armed",
		slog.String("order_id", parent.ID),
		slog.String("stop_loss", sl.StopPrice.String()),
		slog.String("take_profit", tp.Price.String()),
	)
	// A take-profit that filled on placement resolves the pair immediately.
	m.onBracketLeg(ctx, g, tp)
}

func (m *Manager) degrade(ctx context.Context, g *group, cause error) {
	g.degraded = true
	parent, ok := m.load(g.parentID)
	if !ok {
		return
	}
	parent.Degraded = true
	parent.Reason = "exits not armed: " + cause.Error()
	m.commit(ctx, parent)
	m.logger.Error("bracket degraded",
		slog.String("order_id", parent.ID),
		slog.String("error", cause.Error()),
	)
	m.emit(ctx, domain.EventOrderDegraded, parent)

	// Whatever exit was armed cannot stand alone.
	for _, id := range g.ids() {
		c, ok := m.load(id)
		if !ok || c.Leg == domain.LegEntry || c.Status.Terminal() {
			continue
		}
		if err := m.cancelLeaf(ctx, &c, "bracket degraded"); err != nil {
			m.logger.Error("cancel orphan exit", slog.String("order_id", c.ID), slog.String("error", err.Error()))
		}
	}
}

// Slicers

func (m *Manager) startSlicer(ctx context.Context, parent *domain.Order, req PlaceRequest) error {
	g := m.addGroup(parent.ID, req.Kind, req)

	var (
		sizes    []decimal.Decimal
		interval time.Duration
	)
	if req.Kind != domain.KindIceberg {
		d, err := req.duration()
		if err != nil {
			return fmt.Errorf("ordermgr: %w", err)
		}
		weights := equalWeights(req.Slices)
		if req.Kind == domain.KindVWAP {
			weights = m.vwapWeights(*parent, req)
		}
		sizes = splitWeighted(parent.Quantity, weights)
		interval = d / time.Duration(len(sizes))
	}

	m.logger.Info("slicer started",
		slog.String("order_id", parent.ID),
		slog.String("kind", string(req.Kind)),
		slog.Int("slices", len(sizes)),
		slog.Duration("interval", interval),
	)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if req.Kind == domain.KindIceberg {
			m.runIceberg(g, req.Visible)
		} else {
			m.runScheduled(g, sizes, interval)
		}
		m.finishSlicer(g)
	}()
	return nil
}

// runScheduled dispatches sizes at fixed intervals.
func (m *Manager) runScheduled(g *group, sizes []decimal.Decimal, interval time.Duration) {
	for i, size := range sizes {
		if i > 0 && !m.wait(g, interval) {
			return
		}
		if !size.IsPositive() {
			continue
		}
		if _, ok := m.dispatchSlice(g, size); !ok {
			return
		}
	}
}

// runIceberg shows visible quantity at a time and releases the next slice
// only after the previous one is completely filled.
func (m *Manager) runIceberg(g *group, visible decimal.Decimal) {
	for {
		parent, ok := m.load(g.parentID)
		if !ok || parent.Status.Terminal() {
			return
		}
		remaining := parent.Quantity.Sub(m.filledByChildren(g))
		if !remaining.IsPositive() {
			return
		}
		id, ok := m.dispatchSlice(g, decimal.Min(visible, remaining))
		if !ok {
			return
		}
		for {
			c, ok := m.load(id)
			if !ok {
				return
			}
			if c.Status == domain.OrderStatusFilled {
				break
			}
			if c.Status.Terminal() {
				return
			}
			if !m.wait(g, m.cfg.SliceCheck) {
				return
			}
		}
	}
}

// wait sleeps d or until woken. It returns false when the group was
// cancelled or the manager is closing.
func (m *Manager) wait(g *group, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-m.baseCtx.Done():
		return false
	case <-t.C:
	case <-g.wake:
	}
	return !g.cancelled.Load()
}

// dispatchSlice creates and routes one child. It reports false when the
// slicer should stop.
func (m *Manager) dispatchSlice(g *group, size decimal.Decimal) (string, bool) {
	unlock := m.locks.lock(g.parentID)
	defer unlock()

	if g.cancelled.Load() {
		return "", false
	}
	parent, ok := m.load(g.parentID)
	if !ok || parent.Status.Terminal() {
		return "", false
	}
	ctx := m.baseCtx
	c := m.child(parent, domain.LegSlice, size)
	g.add(c.ID)
	m.create(ctx, c)
	err := m.route(ctx, &c)
	m.afterUpdate(ctx, c)
	if err != nil {
		m.logger.Warn("slice dispatch failed, stopping",
			slog.String("order_id", g.parentID),
			slog.String("slice_id", c.ID),
			slog.String("error", err.Error()),
		)
		if latest, ok := m.load(g.parentID); ok && latest.Reason == "" {
			latest.Reason = "slicing stopped: " + err.Error()
			m.commit(ctx, latest)
		}
		return c.ID, false
	}
	return c.ID, true
}

func (m *Manager) finishSlicer(g *group) {
	unlock := m.locks.lock(g.parentID)
	defer unlock()
	g.finished.Store(true)
	m.settle(m.baseCtx, g.parentID)
}

func (m *Manager) filledByChildren(g *group) decimal.Decimal {
	total := decimal.Zero
	for _, id := range g.ids() {
		if c, ok := m.load(id); ok {
			total = total.Add(c.FilledQuantity)
		}
	}
	return total
}

// vwapWeights uses the request's volume profile, or the merged depth of the
// taker side when none is given.
func (m *Manager) vwapWeights(parent domain.Order, req PlaceRequest) []decimal.Decimal {
	if len(req.Profile) > 0 {
		return req.Profile
	}
	n := req.Slices
	var weights []decimal.Decimal
	if m.market != nil {
		// The taker side of a buy is the ask book.
		book := domain.SideSell
		if parent.Side == domain.SideSell {
			book = domain.SideBuy
		}
		for _, l := range m.market.Levels(parent.Instrument, book, n) {
			weights = append(weights, l.Size)
		}
	}
	if len(weights) == 0 {
		return equalWeights(n)
	}
	// Pad missing buckets with the observed average.
	sum := decimal.Zero
	for _, w := range weights {
		sum = sum.Add(w)
	}
	avg := sum.Div(decimal.NewFromInt(int64(len(weights))))
	for len(weights) < n {
		weights = append(weights, avg)
	}
	return weights
}

func equalWeights(n int) []decimal.Decimal {
	if n < 1 {
		n = 1
	}
	out := make([]decimal.Decimal, n)
	for i := range out {
		out[i] = decimal.NewFromInt(1)
	}
	return out
}

// splitWeighted divides qty in proportion to weights, truncating to eight
// decimals. The remainder lands on the last slice.
func splitWeighted(qty decimal.Decimal, weights []decimal.Decimal) []decimal.Decimal {
	total := decimal.Zero
	for _, w := range weights {
		total = total.Add(w)
	}
	if !total.IsPositive() {
		weights = equalWeights(len(weights))
		total = decimal.NewFromInt(int64(len(weights)))
	}
	out := make([]decimal.Decimal, len(weights))
	assigned := decimal.Zero
	for i := 0; i < len(weights)-1; i++ {
		out[i] = qty.Mul(weights[i]).Div(total).Truncate(8)
		assigned = assigned.Add(out[i])
	}
	out[len(out)-1] = qty.Sub(assigned)
	return out
}
