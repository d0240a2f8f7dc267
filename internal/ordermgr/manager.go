// Package ordermgr owns order state. It validates composite requests, drives
// the lifecycle state machine, and runs the OCO, iceberg, TWAP, VWAP and
// bracket behaviours on top of the router.
package ordermgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/venuecore/internal/domain"
	"github.com/alanyoungcy/venuecore/internal/validation"
	"github.com/alanyoungcy/venuecore/internal/venue"
)

// Router plans and places orders across venues.
type Router interface {
	Plan(ctx context.Context, order domain.Order, strategy domain.RoutingStrategy) (domain.RoutePlan, error)
	Dispatch(ctx context.Context, order domain.Order, plan domain.RoutePlan) ([]domain.Placement, error)
}

// Venues resolves adapters for status queries and cancels.
type Venues interface {
	Get(id domain.VenueID) (venue.Adapter, bool)
}

// Emergency reports halted scopes.
type Emergency interface {
	Covers(v domain.VenueID, inst domain.Instrument) bool
}

// Market supplies marks for stop triggers and depth for VWAP profiles.
type Market interface {
	Mid(inst domain.Instrument) (decimal.Decimal, bool)
	Levels(inst domain.Instrument, side domain.Side, limit int) []domain.MergedLevel
}

// Observer is notified of every committed status change.
type Observer interface {
	OrderTransition(kind domain.OrderKind, to domain.OrderStatus)
}

// Config tunes the manager.
type Config struct {
	// CallTimeout bounds each venue status or cancel call.
	CallTimeout time.Duration
	// SliceCheck is how often an iceberg re-checks its working slice when no
	// fill notification arrives.
	SliceCheck time.Duration
}

// Manager is the advanced order manager.
type Manager struct {
	store     domain.OrderStore
	router    Router
	venues    Venues
	emergency Emergency
	market    Market
	pub       domain.Publisher
	observer  Observer
	validate  *validation.Validator
	cfg       Config
	logger    *slog.Logger

	locks *keyedMutex

	mu     sync.RWMutex
	live   map[string]domain.Order
	groups map[string]*group

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	now     func() time.Time
}

// New creates a Manager. Close stops background slicers.
func New(store domain.OrderStore, rt Router, venues Venues, emergency Emergency, market Market, pub domain.Publisher, cfg Config, logger *slog.Logger) *Manager {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 3 * time.Second
	}
	if cfg.SliceCheck <= 0 {
		cfg.SliceCheck = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:     store,
		router:    rt,
		venues:    venues,
		emergency: emergency,
		market:    market,
		pub:       pub,
		validate:  validation.New(),
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "order_manager")),
		locks:     newKeyedMutex(),
		live:      make(map[string]domain.Order),
		groups:    make(map[string]*group),
		baseCtx:   ctx,
		stop:      cancel,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetObserver installs o. Must be called before orders are placed.
func (m *Manager) SetObserver(o Observer) { m.observer = o }

// Close stops slicers and waits for them to exit.
func (m *Manager) Close() {
	m.stop()
	m.wg.Wait()
}

// Place validates req, records the parent order and starts its behaviour.
// The returned order reflects the state after the first dispatch.
func (m *Manager) Place(ctx context.Context, req PlaceRequest) (domain.Order, error) {
	req.normalize()
	if err := m.validate.Struct(req, domain.ErrInvalidOrderSpec); err != nil {
		return domain.Order{}, fmt.Errorf("ordermgr: %w", err)
	}
	if err := req.check(); err != nil {
		return domain.Order{}, fmt.Errorf("ordermgr: %w", err)
	}

	parent := m.newOrder(req)
	m.create(ctx, parent)

	unlock := m.locks.lock(parent.ID)
	err := m.start(ctx, &parent, req)
	unlock()

	out, gerr := m.Get(ctx, parent.ID)
	if gerr != nil {
		out = parent
	}
	return out, err
}

func (m *Manager) start(ctx context.Context, parent *domain.Order, req PlaceRequest) error {
	if m.halted("", parent.Instrument) {
		err := fmt.Errorf("ordermgr: %s halted: %w", parent.Instrument, domain.ErrEmergencyActive)
		m.reject(ctx, parent, err)
		return err
	}
	switch req.Kind {
	case domain.KindOCO:
		return m.startOCO(ctx, parent, req)
	case domain.KindBracket:
		return m.startBracket(ctx, parent, req)
	case domain.KindIceberg, domain.KindTWAP, domain.KindVWAP:
		return m.startSlicer(ctx, parent, req)
	default:
		err := m.route(ctx, parent)
		m.afterUpdate(ctx, *parent)
		return err
	}
}

func (m *Manager) newOrder(req PlaceRequest) domain.Order {
	now := m.now()
	return domain.Order{
		ID:         uuid.NewString(),
		Instrument: req.Instrument,
		Side:       req.Side,
		Type:       req.Type,
		Kind:       req.Kind,
		Quantity:   req.Quantity,
		Price:      req.Price,
		StopPrice:  req.StopPrice,
		Status:     domain.OrderStatusPending,
		Strategy:   req.Strategy,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// child derives a leaf order from parent.
func (m *Manager) child(parent domain.Order, leg domain.Leg, qty decimal.Decimal) domain.Order {
	now := m.now()
	return domain.Order{
		ID:         uuid.NewString(),
		ParentID:   parent.ID,
		Instrument: parent.Instrument,
		Side:       parent.Side,
		Type:       parent.Type,
		Kind:       domain.KindSingle,
		Leg:        leg,
		Quantity:   qty,
		Price:      parent.Price,
		Strategy:   parent.Strategy,
		Status:     domain.OrderStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Get returns the latest state of an order.
func (m *Manager) Get(ctx context.Context, id string) (domain.Order, error) {
	if o, ok := m.load(id); ok {
		return o, nil
	}
	o, err := m.store.GetByID(ctx, id)
	if err != nil {
		return domain.Order{}, fmt.Errorf("ordermgr: get %s: %w", id, err)
	}
	return o, nil
}

// List returns persisted orders matching filter.
func (m *Manager) List(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	orders, err := m.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("ordermgr: list: %w", err)
	}
	return orders, nil
}

// Open returns a snapshot of orders that are not yet terminal.
func (m *Manager) Open() []domain.Order {
	out := m.snapshot()
	n := 0
	for _, o := range out {
		if !o.Status.Terminal() {
			out[n] = o
			n++
		}
	}
	return out[:n]
}

// Recover reloads open single orders from the store so polling resumes after
// a restart. Composite orders are not resumed.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	orders, err := m.store.List(ctx, domain.OrderFilter{OpenOnly: true})
	if err != nil {
		return 0, fmt.Errorf("ordermgr: recover: %w", err)
	}
	n := 0
	m.mu.Lock()
	for _, o := range orders {
		if o.ParentID != "" || o.Kind != domain.KindSingle {
			continue
		}
		if _, ok := m.live[o.ID]; !ok {
			m.live[o.ID] = o
			n++
		}
	}
	m.mu.Unlock()
	if n > 0 {
		m.logger.Info("recovered open orders", slog.Int("count", n))
	}
	return n, nil
}

// Cancel cancels an order and, for composite orders, every working child.
func (m *Manager) Cancel(ctx context.Context, id string) (domain.Order, error) {
	unlock, err := m.lockRoot(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	defer unlock()

	o, ok := m.load(id)
	if !ok {
		stored, err := m.store.GetByID(ctx, id)
		if err != nil {
			return domain.Order{}, fmt.Errorf("ordermgr: cancel %s: %w", id, err)
		}
		o = stored
	}
	if o.Status.Terminal() {
		return o, fmt.Errorf("ordermgr: cancel %s in status %s: %w", id, o.Status, domain.ErrInvalidTransition)
	}

	cerr := m.cancelTree(ctx, &o, "cancelled by request")
	m.afterUpdate(ctx, o)

	latest, _ := m.load(id)
	if latest.ID == "" {
		latest, _ = m.store.GetByID(ctx, id)
	}
	return latest, cerr
}

// CancelScope cancels every working order in scope. Composite parents in
// scope stop dispatching further children. Per-venue cancel failures are
// collected into a *domain.PartialFailure.
func (m *Manager) CancelScope(ctx context.Context, scope domain.EmergencyScope, reason string) (int, error) {
	failed := &domain.PartialFailure{Op: "cancel_orders"}
	cancelled := 0
	for _, o := range m.snapshot() {
		if o.Status.Terminal() {
			continue
		}
		if g := m.group(o.ID); g != nil {
			if scope.Venue == "" && (scope.Instrument == "" || scope.Instrument == o.Instrument) {
				g.cancelled.Store(true)
				g.notify()
			}
			continue
		}
		if !scope.Matches(o.Venue, o.Instrument) {
			continue
		}
		if err := m.cancelOne(ctx, o.ID, reason); err != nil {
			failed.Add(o.Venue, err)
			continue
		}
		cancelled++
	}
	if cancelled > 0 {
		m.logger.Warn("orders cancelled by scope",
			slog.String("venue", string(scope.Venue)),
			slog.String("instrument", string(scope.Instrument)),
			slog.Int("count", cancelled),
			slog.String("reason", reason),
		)
	}
	return cancelled, failed.OrNil()
}

func (m *Manager) cancelOne(ctx context.Context, id, reason string) error {
	unlock, err := m.lockRoot(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()
	o, ok := m.load(id)
	if !ok || o.Status.Terminal() {
		return nil
	}
	err = m.cancelLeaf(ctx, &o, reason)
	m.afterUpdate(ctx, o)
	return err
}

// ApplyAck applies a venue status report to an order. Reports for orders
// that are already terminal return ErrInvalidTransition and change nothing.
func (m *Manager) ApplyAck(ctx context.Context, id string, ack domain.OrderAck) error {
	unlock, err := m.lockRoot(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()
	o, ok := m.load(id)
	if !ok {
		return fmt.Errorf("ordermgr: order %s: %w", id, domain.ErrNotFound)
	}
	if err := m.applyAck(ctx, &o, ack); err != nil {
		return err
	}
	m.afterUpdate(ctx, o)
	return nil
}

// Sync queries the venue for an open order's status and applies it.
func (m *Manager) Sync(ctx context.Context, id string) error {
	unlock, err := m.lockRoot(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()
	o, ok := m.load(id)
	if !ok || !o.Status.Open() || o.VenueOrderID == "" {
		return nil
	}
	a, ok := m.venues.Get(o.Venue)
	if !ok {
		return fmt.Errorf("ordermgr: venue %s: %w", o.Venue, domain.ErrNotFound)
	}
	cctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	ack, err := a.OrderStatus(cctx, o.VenueOrderID)
	if err != nil {
		return fmt.Errorf("ordermgr: status %s: %w", o.ID, err)
	}
	if err := m.applyAck(ctx, &o, ack); err != nil {
		return err
	}
	m.afterUpdate(ctx, o)
	return nil
}

// Run polls open orders until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	m.logger.Info("order poller started", slog.Duration("interval", interval))
	defer m.logger.Info("order poller stopped")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll syncs resting venue orders and evaluates stop triggers.
func (m *Manager) Poll(ctx context.Context) {
	for _, o := range m.snapshot() {
		switch {
		case o.Status.Open() && o.VenueOrderID != "":
			if err := m.Sync(ctx, o.ID); err != nil {
				m.logger.Debug("order sync failed",
					slog.String("order_id", o.ID),
					slog.String("venue", string(o.Venue)),
					slog.String("error", err.Error()),
				)
			}
		case o.Status == domain.OrderStatusPending && o.Type == domain.OrderTypeStop && m.group(o.ID) == nil:
			if err := m.checkStop(ctx, o.ID); err != nil {
				m.logger.Warn("stop trigger failed",
					slog.String("order_id", o.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (m *Manager) checkStop(ctx context.Context, id string) error {
	unlock, err := m.lockRoot(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()
	o, ok := m.load(id)
	if !ok || o.Status != domain.OrderStatusPending || o.Type != domain.OrderTypeStop || o.StopPrice == nil {
		return nil
	}
	mark, ok := m.market.Mid(o.Instrument)
	if !ok || !stopTriggered(o.Side, mark, *o.StopPrice) {
		return nil
	}
	m.logger.Info("stop triggered",
		slog.String("order_id", o.ID),
		slog.String("mark", mark.String()),
		slog.String("stop", o.StopPrice.String()),
	)
	o.Type = domain.OrderTypeMarket
	o.Reason = "stop triggered at " + mark.String()
	m.commit(ctx, o)
	err = m.route(ctx, &o)
	m.afterUpdate(ctx, o)
	return err
}

// stopTriggered: buy stops fire at or above the stop, sell stops at or below.
func stopTriggered(side domain.Side, mark, stop decimal.Decimal) bool {
	if side == domain.SideBuy {
		return mark.GreaterThanOrEqual(stop)
	}
	return mark.LessThanOrEqual(stop)
}

// route sends a leaf order through the router. The caller holds the root
// lock and calls afterUpdate.
func (m *Manager) route(ctx context.Context, o *domain.Order) error {
	if m.halted("", o.Instrument) {
		err := fmt.Errorf("ordermgr: %s halted: %w", o.Instrument, domain.ErrEmergencyActive)
		m.reject(ctx, o, err)
		return err
	}
	if o.Type == domain.OrderTypeStop {
		// Armed locally until the mark crosses.
		return nil
	}

	plan, err := m.router.Plan(ctx, *o, o.Strategy)
	if err != nil {
		m.reject(ctx, o, err)
		return err
	}
	o.Strategy = plan.Strategy

	placements, derr := m.router.Dispatch(ctx, *o, plan)
	if len(placements) == 0 {
		if derr == nil {
			derr = fmt.Errorf("ordermgr: nothing placed: %w", domain.ErrNoRoute)
		}
		m.reject(ctx, o, derr)
		return derr
	}
	if derr != nil {
		m.logger.Warn("order partially dispatched",
			slog.String("order_id", o.ID),
			slog.String("error", derr.Error()),
		)
	}

	placed := decimal.Zero
	for _, p := range placements {
		placed = placed.Add(p.Quantity)
	}
	if want := o.Remaining(); placed.LessThan(want) {
		clipped := o.FilledQuantity.Add(placed)
		o.Reason = fmt.Sprintf("quantity reduced from %s to %s", o.Quantity, clipped)
		o.Quantity = clipped
	}

	if len(placements) == 1 {
		p := placements[0]
		o.Venue = p.Venue
		o.VenueOrderID = p.Ack.VenueOrderID
		if err := m.transition(ctx, o, domain.OrderStatusRouted, ""); err != nil {
			return err
		}
		if err := m.applyAck(ctx, o, p.Ack); err != nil {
			m.logger.Warn("apply placement ack", slog.String("order_id", o.ID), slog.String("error", err.Error()))
		}
		m.recheckEmergency(ctx, o)
		return nil
	}

	// Split across venues: each placement becomes a child of o.
	g := m.addGroup(o.ID, domain.KindSingle, PlaceRequest{})
	g.finished.Store(true)
	if err := m.transition(ctx, o, domain.OrderStatusRouted, ""); err != nil {
		return err
	}
	for _, p := range placements {
		c := m.child(*o, domain.LegNone, p.Quantity)
		c.Venue = p.Venue
		c.VenueOrderID = p.Ack.VenueOrderID
		g.add(c.ID)
		m.create(ctx, c)
		if err := m.transition(ctx, &c, domain.OrderStatusRouted, ""); err != nil {
			return err
		}
		if err := m.applyAck(ctx, &c, p.Ack); err != nil {
			m.logger.Warn("apply placement ack", slog.String("order_id", c.ID), slog.String("error", err.Error()))
		}
		m.recheckEmergency(ctx, &c)
	}
	m.settle(ctx, o.ID)
	if latest, ok := m.load(o.ID); ok {
		*o = latest
	}
	return nil
}

// recheckEmergency cancels an order whose venue or instrument was halted
// while the placement was in flight.
func (m *Manager) recheckEmergency(ctx context.Context, o *domain.Order) {
	if !o.Status.Open() || !m.halted(o.Venue, o.Instrument) {
		return
	}
	if err := m.cancelLeaf(ctx, o, "emergency stop"); err != nil {
		m.logger.Error("cancel after emergency failed",
			slog.String("order_id", o.ID),
			slog.String("venue", string(o.Venue)),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) halted(v domain.VenueID, inst domain.Instrument) bool {
	return m.emergency != nil && m.emergency.Covers(v, inst)
}

// cancelTree cancels o and, if o is a composite parent, all its working
// descendants. The caller holds the root lock.
func (m *Manager) cancelTree(ctx context.Context, o *domain.Order, reason string) error {
	g := m.group(o.ID)
	if g == nil {
		return m.cancelLeaf(ctx, o, reason)
	}
	g.cancelled.Store(true)
	g.finished.Store(true)
	g.notify()

	var errs []error
	for _, id := range g.ids() {
		c, ok := m.load(id)
		if !ok || c.Status.Terminal() {
			continue
		}
		if err := m.cancelTree(ctx, &c, reason); err != nil {
			errs = append(errs, err)
		}
	}
	if o.Reason == "" {
		o.Reason = reason
		m.commit(ctx, *o)
	}
	m.settle(ctx, o.ID)
	if latest, ok := m.load(o.ID); ok {
		*o = latest
	}
	return errors.Join(errs...)
}

// cancelLeaf cancels a single order at its venue, or locally when it was
// never placed.
func (m *Manager) cancelLeaf(ctx context.Context, o *domain.Order, reason string) error {
	if o.Status.Terminal() {
		return nil
	}
	if o.Status == domain.OrderStatusPending || o.VenueOrderID == "" {
		return m.transition(ctx, o, domain.OrderStatusCancelled, reason)
	}

	a, ok := m.venues.Get(o.Venue)
	if !ok {
		return fmt.Errorf("ordermgr: cancel %s: venue %s: %w", o.ID, o.Venue, domain.ErrNotFound)
	}
	cctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()

	done, err := a.CancelOrder(cctx, o.VenueOrderID)
	if err != nil {
		return fmt.Errorf("ordermgr: cancel %s: %w", o.ID, err)
	}
	o.Reason = reason
	// Pick up fills that landed before the cancel took effect.
	if ack, err := a.OrderStatus(cctx, o.VenueOrderID); err == nil {
		if err := m.applyAck(ctx, o, ack); err != nil {
			m.logger.Debug("apply cancel ack", slog.String("order_id", o.ID), slog.String("error", err.Error()))
		}
	}
	if o.Status.Terminal() {
		return nil
	}
	if !done {
		return fmt.Errorf("ordermgr: venue %s refused cancel of %s", o.Venue, o.ID)
	}
	return m.transition(ctx, o, domain.OrderStatusCancelled, reason)
}

// applyAck folds a venue report into o. FilledQuantity only grows and never
// exceeds Quantity.
func (m *Manager) applyAck(ctx context.Context, o *domain.Order, ack domain.OrderAck) error {
	if o.Status.Terminal() {
		return fmt.Errorf("ordermgr: ack for %s order %s: %w", o.Status, o.ID, domain.ErrInvalidTransition)
	}
	grew := false
	filled := decimal.Min(ack.FilledQuantity, o.Quantity)
	if filled.GreaterThan(o.FilledQuantity) {
		o.FilledQuantity = filled
		if ack.AvgPrice.IsPositive() {
			o.AvgFillPrice = ack.AvgPrice
		}
		grew = true
	}

	var target domain.OrderStatus
	switch {
	case o.FilledQuantity.GreaterThanOrEqual(o.Quantity):
		target = domain.OrderStatusFilled
	case ack.Status == domain.OrderStatusCancelled:
		target = domain.OrderStatusCancelled
	case ack.Status == domain.OrderStatusRejected && o.FilledQuantity.IsPositive():
		target = domain.OrderStatusCancelled
	case ack.Status == domain.OrderStatusRejected:
		target = domain.OrderStatusRejected
	case o.FilledQuantity.IsPositive():
		target = domain.OrderStatusPartiallyFilled
	default:
		target = o.Status
	}

	if target == o.Status && !(grew && target == domain.OrderStatusPartiallyFilled) {
		if grew {
			m.commit(ctx, *o)
		}
		return nil
	}
	return m.advance(ctx, o, target)
}

// advance moves o to target, passing through routed when o is still pending.
func (m *Manager) advance(ctx context.Context, o *domain.Order, target domain.OrderStatus) error {
	if o.Status == domain.OrderStatusPending &&
		(target == domain.OrderStatusPartiallyFilled || target == domain.OrderStatusFilled) {
		if err := m.transition(ctx, o, domain.OrderStatusRouted, ""); err != nil {
			return err
		}
	}
	return m.transition(ctx, o, target, "")
}

func (m *Manager) transition(ctx context.Context, o *domain.Order, to domain.OrderStatus, reason string) error {
	if err := checkTransition(*o, to); err != nil {
		return err
	}
	from := o.Status
	o.Status = to
	if reason != "" {
		o.Reason = reason
	}
	m.commit(ctx, *o)

	log := m.logger.With(
		slog.String("order_id", o.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	if to == domain.OrderStatusRejected {
		log.Warn("order rejected", slog.String("reason", o.Reason))
	} else {
		log.Debug("order transition")
	}

	if m.observer != nil {
		m.observer.OrderTransition(o.Kind, to)
	}
	m.emit(ctx, domain.EventOrderStatus, domain.OrderStatusChange{Order: *o, From: from, To: to})
	if to == domain.OrderStatusRejected {
		m.emit(ctx, domain.EventOrderRejected, *o)
	}
	return nil
}

func (m *Manager) reject(ctx context.Context, o *domain.Order, cause error) {
	if err := m.transition(ctx, o, domain.OrderStatusRejected, cause.Error()); err != nil {
		m.logger.Error("reject order", slog.String("order_id", o.ID), slog.String("error", err.Error()))
	}
}

// create records a new order and announces it.
func (m *Manager) create(ctx context.Context, o domain.Order) {
	m.commit(ctx, o)
	m.emit(ctx, domain.EventOrderStatus, domain.OrderStatusChange{Order: o, To: o.Status})
}

// commit stores o in the live set and persists it.
func (m *Manager) commit(ctx context.Context, o domain.Order) {
	o.UpdatedAt = m.now()
	m.mu.Lock()
	m.live[o.ID] = o
	m.mu.Unlock()
	if err := m.store.Save(ctx, o); err != nil {
		m.logger.Error("persist order failed", slog.String("order_id", o.ID), slog.String("error", err.Error()))
	}
}

func (m *Manager) emit(ctx context.Context, t domain.EventType, payload any) {
	if m.pub == nil {
		return
	}
	ev, err := domain.NewEvent(t, payload)
	if err != nil {
		m.logger.Error("encode event", slog.String("type", string(t)), slog.String("error", err.Error()))
		return
	}
	if err := m.pub.Publish(ctx, ev); err != nil {
		m.logger.Warn("publish event", slog.String("type", string(t)), slog.String("error", err.Error()))
	}
}

func (m *Manager) load(id string) (domain.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.live[id]
	return o, ok
}

func (m *Manager) snapshot() []domain.Order {
	m.mu.RLock()
	out := make([]domain.Order, 0, len(m.live))
	for _, o := range m.live {
		out = append(out, o)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// lockRoot locks the top-level order of id's tree. Every order in a tree
// shares one writer.
func (m *Manager) lockRoot(ctx context.Context, id string) (func(), error) {
	root := id
	for depth := 0; depth < 8; depth++ {
		o, ok := m.load(root)
		if !ok {
			stored, err := m.store.GetByID(ctx, root)
			if err != nil {
				return nil, fmt.Errorf("ordermgr: order %s: %w", root, err)
			}
			o = stored
		}
		if o.ParentID == "" {
			break
		}
		root = o.ParentID
	}
	return m.locks.lock(root), nil
}

// forget drops a finished tree from the live set.
func (m *Manager) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var drop func(string)
	drop = func(id string) {
		if g, ok := m.groups[id]; ok {
			for _, c := range g.ids() {
				drop(c)
			}
			delete(m.groups, id)
		}
		delete(m.live, id)
	}
	drop(id)
}
