// Package emergency owns the halt flags. Stops are idempotent and only an
// administrative reset clears them.
package emergency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/venuecore/internal/domain"
	"github.com/alanyoungcy/venuecore/internal/venue"
)

// Orders cancels open orders in a scope.
type Orders interface {
	CancelScope(ctx context.Context, scope domain.EmergencyScope, reason string) (int, error)
}

// Venues resolves adapters for venue-level emergency stops.
type Venues interface {
	All() []venue.Adapter
	Get(id domain.VenueID) (venue.Adapter, bool)
}

// Observer is notified whenever the halt state changes.
type Observer interface {
	EmergencyChanged(state domain.EmergencyState)
}

// Config holds controller parameters.
type Config struct {
	CallTimeout time.Duration
	// SweepLockTTL bounds how long a distributed sweep lock is held.
	SweepLockTTL time.Duration
}

// Actions recorded in events and audit entries.
const (
	ActionStop  = "stop"
	ActionReset = "reset"
	ActionSync  = "sync"
)

const sweepLockKey = "emergency:sweep"

// Result describes the outcome of a stop call.
type Result struct {
	// Changed is false when the scope was already halted.
	Changed   bool                  `json:"changed"`
	Cancelled int                   `json:"cancelled"`
	State     domain.EmergencyState `json:"state"`
}

// Controller holds the emergency state. Readers use an atomic snapshot and
// never block; writers serialize on mu.
type Controller struct {
	orders   Orders
	venues   Venues
	audit    domain.AuditStore
	pub      domain.Publisher
	mirror   domain.EmergencyMirror
	locks    domain.LockManager
	observer Observer
	cfg      Config
	logger   *slog.Logger

	state atomic.Pointer[domain.EmergencyState]
	mu    sync.Mutex

	now func() time.Time
}

// New creates a Controller with nothing halted. mirror and locks may be nil.
func New(orders Orders, venues Venues, audit domain.AuditStore, pub domain.Publisher, mirror domain.EmergencyMirror, locks domain.LockManager, cfg Config, logger *slog.Logger) *Controller {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 3 * time.Second
	}
	if cfg.SweepLockTTL <= 0 {
		cfg.SweepLockTTL = 30 * time.Second
	}
	c := &Controller{
		orders: orders,
		venues: venues,
		audit:  audit,
		pub:    pub,
		mirror: mirror,
		locks:  locks,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "emergency")),
		now:    func() time.Time { return time.Now().UTC() },
	}
	c.state.Store(&domain.EmergencyState{})
	return c
}

// SetObserver installs o. Must be called before any stop.
func (c *Controller) SetObserver(o Observer) { c.observer = o }

// SetOrders installs the order canceller. The order manager depends on the
// controller for halt checks, so it is attached after construction.
func (c *Controller) SetOrders(o Orders) { c.orders = o }

// State returns a copy of the current state.
func (c *Controller) State() domain.EmergencyState {
	return c.state.Load().Clone()
}

// Covers reports whether an order for inst on v is halted.
func (c *Controller) Covers(v domain.VenueID, inst domain.Instrument) bool {
	return c.state.Load().Covers(v, inst)
}

// StopAll halts everything.
func (c *Controller) StopAll(ctx context.Context, actor, reason string) (Result, error) {
	return c.stop(ctx, domain.EmergencyScope{}, actor, reason)
}

// StopVenue halts one venue.
func (c *Controller) StopVenue(ctx context.Context, v domain.VenueID, actor, reason string) (Result, error) {
	if v == "" {
		return Result{}, fmt.Errorf("emergency: stop venue: venue is required: %w", domain.ErrInvalidOrderSpec)
	}
	return c.stop(ctx, domain.EmergencyScope{Venue: v}, actor, reason)
}

// StopInstrument halts one instrument on every venue.
func (c *Controller) StopInstrument(ctx context.Context, inst domain.Instrument, actor, reason string) (Result, error) {
	if inst == "" {
		return Result{}, fmt.Errorf("emergency: stop instrument: instrument is required: %w", domain.ErrInvalidOrderSpec)
	}
	return c.stop(ctx, domain.EmergencyScope{Instrument: inst}, actor, reason)
}

// Stop dispatches to the narrowest stop for scope. A scope naming both a
// venue and an instrument is rejected.
func (c *Controller) Stop(ctx context.Context, scope domain.EmergencyScope, actor, reason string) (Result, error) {
	switch {
	case scope.Venue != "" && scope.Instrument != "":
		return Result{}, fmt.Errorf("emergency: stop: give a venue or an instrument, not both: %w", domain.ErrInvalidOrderSpec)
	case scope.Venue != "":
		return c.StopVenue(ctx, scope.Venue, actor, reason)
	case scope.Instrument != "":
		return c.StopInstrument(ctx, scope.Instrument, actor, reason)
	default:
		return c.StopAll(ctx, actor, reason)
	}
}

func (c *Controller) stop(ctx context.Context, scope domain.EmergencyScope, actor, reason string) (Result, error) {
	if reason == "" {
		return Result{}, fmt.Errorf("emergency: stop: reason is required: %w", domain.ErrInvalidOrderSpec)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.state.Load()
	if flagged(*cur, scope) {
		c.logger.Info("emergency stop already active",
			slog.String("venue", string(scope.Venue)),
			slog.String("instrument", string(scope.Instrument)),
		)
		return Result{State: cur.Clone()}, nil
	}
	// A broader flag already swept this scope.
	covered := cur.Covers(scope.Venue, scope.Instrument) && (scope.Venue != "" || scope.Instrument != "")

	next := cur.Clone()
	if !next.Active() {
		next.Since = c.now()
	}
	switch {
	case scope.Venue != "":
		if next.Venues == nil {
			next.Venues = make(map[domain.VenueID]string)
		}
		next.Venues[scope.Venue] = reason
	case scope.Instrument != "":
		if next.Instruments == nil {
			next.Instruments = make(map[domain.Instrument]string)
		}
		next.Instruments[scope.Instrument] = reason
	default:
		next.Global = true
		next.GlobalReason = reason
	}
	c.state.Store(&next)

	c.logger.Error("emergency stop",
		slog.String("actor", actor),
		slog.String("reason", reason),
		slog.String("venue", string(scope.Venue)),
		slog.String("instrument", string(scope.Instrument)),
	)
	c.publishState(ctx, next)

	res := Result{Changed: true, State: next.Clone()}
	failures := &domain.PartialFailure{Op: "emergency stop"}
	if !covered {
		res.Cancelled = c.sweep(ctx, scope, reason, failures)
	}

	detail := map[string]any{
		"venue":      scope.Venue,
		"instrument": scope.Instrument,
		"cancelled":  res.Cancelled,
	}
	if len(failures.Failures) > 0 {
		detail["failures"] = failures.Error()
	}
	c.writeAudit(ctx, domain.AuditEmergencyStop, actor, reason, detail)
	c.emit(ctx, domain.EmergencyChange{Action: ActionStop, Scope: scope, Reason: reason, Actor: actor, State: res.State})

	if err := failures.OrNil(); err != nil {
		return res, fmt.Errorf("emergency: stop: %w", err)
	}
	return res, nil
}

// flagged reports whether exactly this scope's flag is already set.
func flagged(s domain.EmergencyState, scope domain.EmergencyScope) bool {
	switch {
	case scope.Venue != "":
		_, ok := s.Venues[scope.Venue]
		return ok
	case scope.Instrument != "":
		_, ok := s.Instruments[scope.Instrument]
		return ok
	default:
		return s.Global
	}
}

// sweep cancels open orders in scope and stops the affected venues. It
// records per-venue failures and keeps going. Caller holds c.mu.
func (c *Controller) sweep(ctx context.Context, scope domain.EmergencyScope, reason string, failures *domain.PartialFailure) int {
	if c.locks != nil {
		unlock, err := c.locks.Acquire(ctx, sweepLockKey, c.cfg.SweepLockTTL)
		if err != nil {
			// Local orders still need cancelling when a peer holds the lock.
			c.logger.Warn("sweep lock not acquired", slog.String("error", err.Error()))
		} else {
			defer unlock()
		}
	}

	cancelled := 0
	if c.orders != nil {
		n, err := c.orders.CancelScope(ctx, scope, reason)
		cancelled = n
		var pf *domain.PartialFailure
		switch {
		case errors.As(err, &pf):
			for v, ferr := range pf.Failures {
				failures.Add(v, ferr)
			}
		case err != nil:
			failures.Add(scope.Venue, err)
		}
	}

	var targets []venue.Adapter
	switch {
	case scope.Venue != "":
		if a, ok := c.venues.Get(scope.Venue); ok {
			targets = append(targets, a)
		}
	case scope.Instrument == "":
		targets = c.venues.All()
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, a := range targets {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
			defer cancel()
			if err := a.EmergencyStop(cctx, reason); err != nil {
				c.logger.Error("venue emergency stop failed",
					slog.String("venue", string(a.ID())),
					slog.String("error", err.Error()),
				)
				mu.Lock()
				failures.Add(a.ID(), err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return cancelled
}

// Reset clears every halt. It is the only way to clear one.
func (c *Controller) Reset(ctx context.Context, actor, reason string) (domain.EmergencyState, error) {
	if reason == "" {
		return domain.EmergencyState{}, fmt.Errorf("emergency: reset: reason is required: %w", domain.ErrInvalidOrderSpec)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.state.Load().Clone()
	if !prev.Active() {
		return prev, nil
	}
	next := domain.EmergencyState{}
	c.state.Store(&next)

	c.logger.Warn("emergency state reset",
		slog.String("actor", actor),
		slog.String("reason", reason),
	)
	c.publishState(ctx, next)
	c.writeAudit(ctx, domain.AuditEmergencyReset, actor, reason, map[string]any{"previous": prev})
	c.emit(ctx, domain.EmergencyChange{Action: ActionReset, Reason: reason, Actor: actor, State: next})
	return next, nil
}

// Refresh adopts the state a peer process wrote to the mirror. Newly halted
// scopes have their local orders cancelled; the peer already stopped the
// venues.
func (c *Controller) Refresh(ctx context.Context) error {
	if c.mirror == nil {
		return nil
	}
	remote, err := c.mirror.Load(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("emergency: load mirror: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.state.Load()
	added := addedScopes(*cur, remote)
	if sameFlags(*cur, remote) {
		return nil
	}
	next := remote.Clone()
	c.state.Store(&next)
	c.logger.Warn("emergency state adopted from peer", slog.Bool("active", next.Active()))
	if c.observer != nil {
		c.observer.EmergencyChanged(next.Clone())
	}

	failures := &domain.PartialFailure{Op: "emergency refresh"}
	for _, scope := range added {
		if c.orders == nil {
			break
		}
		if _, err := c.orders.CancelScope(ctx, scope, "halted by peer"); err != nil {
			failures.Add(scope.Venue, err)
		}
	}
	c.emit(ctx, domain.EmergencyChange{Action: ActionSync, Reason: "peer", State: next.Clone()})
	if err := failures.OrNil(); err != nil {
		return fmt.Errorf("emergency: refresh: %w", err)
	}
	return nil
}

// Run refreshes from the mirror on every interval until ctx is done.
func (c *Controller) Run(ctx context.Context, interval time.Duration) error {
	if c.mirror == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Warn("emergency refresh failed", slog.String("error", err.Error()))
			}
		}
	}
}

func addedScopes(cur, next domain.EmergencyState) []domain.EmergencyScope {
	var out []domain.EmergencyScope
	if next.Global && !cur.Global {
		out = append(out, domain.EmergencyScope{})
	}
	for v := range next.Venues {
		if _, ok := cur.Venues[v]; !ok {
			out = append(out, domain.EmergencyScope{Venue: v})
		}
	}
	for inst := range next.Instruments {
		if _, ok := cur.Instruments[inst]; !ok {
			out = append(out, domain.EmergencyScope{Instrument: inst})
		}
	}
	return out
}

func sameFlags(a, b domain.EmergencyState) bool {
	return len(addedScopes(a, b)) == 0 && len(addedScopes(b, a)) == 0
}

func (c *Controller) publishState(ctx context.Context, s domain.EmergencyState) {
	if c.observer != nil {
		c.observer.EmergencyChanged(s.Clone())
	}
	if c.mirror == nil {
		return
	}
	if err := c.mirror.Store(ctx, s); err != nil {
		c.logger.Warn("mirror emergency state", slog.String("error", err.Error()))
	}
}

func (c *Controller) writeAudit(ctx context.Context, action, actor, reason string, detail map[string]any) {
	err := c.audit.Log(ctx, domain.AuditEntry{
		ID:        uuid.NewString(),
		Action:    action,
		Actor:     actor,
		Reason:    reason,
		Detail:    detail,
		CreatedAt: c.now(),
	})
	if err != nil {
		c.logger.Error("audit emergency action", slog.String("action", action), slog.String("error", err.Error()))
	}
}

func (c *Controller) emit(ctx context.Context, change domain.EmergencyChange) {
	ev, err := domain.NewEvent(domain.EventEmergencyChanged, change)
	if err != nil {
		c.logger.Error("encode event", slog.String("error", err.Error()))
		return
	}
	if err := c.pub.Publish(ctx, ev); err != nil {
		c.logger.Warn("publish event", slog.String("error", err.Error()))
	}
}
