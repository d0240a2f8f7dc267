// Package venuetest provides adapter doubles for tests in other packages.
package venuetest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/alanyoungcy/venuecore/internal/domain"
	"github.com/alanyoungcy/venuecore/internal/venue"
	"github.com/shopspring/decimal"
)

// Stub wraps an inner adapter and lets tests inject failures or delays per
// operation. Hooks run before the inner call; a non-nil error short-circuits.
type Stub struct {
	venue.Adapter

	mu    sync.Mutex
	hooks map[string]func(ctx context.Context) error

	Placed    atomic.Int64
	Cancelled atomic.Int64
	Stops     atomic.Int64
}

// Wrap returns a Stub around inner.
func Wrap(inner venue.Adapter) *Stub {
	return &Stub{Adapter: inner, hooks: make(map[string]func(context.Context) error)}
}

// On installs hook for op ("place_order", "cancel_order", "order_book",
// "balances", "emergency_stop", "order_status", "quote").
func (s *Stub) On(op string, hook func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks[op] = hook
}

// Fail makes op return a VenueUnavailable error.
func (s *Stub) Fail(op string) {
	s.On(op, func(context.Context) error {
		return domain.NewVenueError(s.ID(), op, context.DeadlineExceeded)
	})
}

// Hang makes op block until the call context is done.
func (s *Stub) Hang(op string) {
	s.On(op, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
}

// Clear removes the hook for op.
func (s *Stub) Clear(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hooks, op)
}

func (s *Stub) run(ctx context.Context, op string) error {
	s.mu.Lock()
	h := s.hooks[op]
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	return h(ctx)
}

func (s *Stub) Quote(ctx context.Context, inst domain.Instrument) (domain.Quote, error) {
	if err := s.run(ctx, "quote"); err != nil {
		return domain.Quote{}, err
	}
	return s.Adapter.Quote(ctx, inst)
}

func (s *Stub) OrderBook(ctx context.Context, inst domain.Instrument, depth int) (domain.OrderBook, error) {
	if err := s.run(ctx, "order_book"); err != nil {
		return domain.OrderBook{}, err
	}
	return s.Adapter.OrderBook(ctx, inst, depth)
}

func (s *Stub) PlaceOrder(ctx context.Context, spec domain.OrderSpec) (domain.OrderAck, error) {
	if err := s.run(ctx, "place_order"); err != nil {
		return domain.OrderAck{}, err
	}
	s.Placed.Add(1)
	return s.Adapter.PlaceOrder(ctx, spec)
}

func (s *Stub) CancelOrder(ctx context.Context, id string) (bool, error) {
	if err := s.run(ctx, "cancel_order"); err != nil {
		return false, err
	}
	ok, err := s.Adapter.CancelOrder(ctx, id)
	if ok {
		s.Cancelled.Add(1)
	}
	return ok, err
}

func (s *Stub) OrderStatus(ctx context.Context, id string) (domain.OrderAck, error) {
	if err := s.run(ctx, "order_status"); err != nil {
		return domain.OrderAck{}, err
	}
	return s.Adapter.OrderStatus(ctx, id)
}

func (s *Stub) Balances(ctx context.Context) (map[string]decimal.Decimal, error) {
	if err := s.run(ctx, "balances"); err != nil {
		return nil, err
	}
	return s.Adapter.Balances(ctx)
}

func (s *Stub) EmergencyStop(ctx context.Context, reason string) error {
	if err := s.run(ctx, "emergency_stop"); err != nil {
		return err
	}
	s.Stops.Add(1)
	return s.Adapter.EmergencyStop(ctx, reason)
}
