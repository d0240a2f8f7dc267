package venue

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"time"

	"github.com/alanyoungcy/venuecore/internal/domain"
	"github.com/shopspring/decimal"
)

var errBreakerOpen = errors.New("circuit breaker open")

// GuardConfig bounds every adapter call.
type GuardConfig struct {
	Timeout          time.Duration
	FailureThreshold int
	Cooldown         time.Duration
	// Observer, if set, sees every guarded call.
	Observer CallObserver
}

// CallObserver is notified after each guarded venue call.
type CallObserver interface {
	VenueCall(venue domain.VenueID, op string, took time.Duration, err error)
}

// Guard wraps an Adapter with a per-call timeout and a circuit breaker.
// Timeouts and transport errors surface as *domain.VenueError; venue
// business errors (rejections, unknown orders) pass through unchanged.
type Guard struct {
	inner   Adapter
	timeout time.Duration
	brk     *breaker
	obs     CallObserver
	logger  *slog.Logger
}

var _ Adapter = (*Guard)(nil)

// NewGuard wraps inner.
func NewGuard(inner Adapter, cfg GuardConfig, logger *slog.Logger) *Guard {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &Guard{
		inner:   inner,
		timeout: cfg.Timeout,
		brk:     newBreaker(cfg.FailureThreshold, cfg.Cooldown),
		obs:     cfg.Observer,
		logger:  logger.With(slog.String("component", "venue_guard"), slog.String("venue", string(inner.ID()))),
	}
}

// Unwrap returns the wrapped adapter.
func (g *Guard) Unwrap() Adapter { return g.inner }

// Breaker reports the current circuit state.
func (g *Guard) Breaker() BreakerState { return g.brk.current() }

func (g *Guard) ID() domain.VenueID { return g.inner.ID() }

func (g *Guard) Fees() domain.FeeSchedule { return g.inner.Fees() }

func (g *Guard) Quote(ctx context.Context, instrument domain.Instrument) (domain.Quote, error) {
	return guarded(ctx, g, "quote", func(ctx context.Context) (domain.Quote, error) {
		return g.inner.Quote(ctx, instrument)
	})
}

func (g *Guard) OrderBook(ctx context.Context, instrument domain.Instrument, depth int) (domain.OrderBook, error) {
	return guarded(ctx, g, "order_book", func(ctx context.Context) (domain.OrderBook, error) {
		return g.inner.OrderBook(ctx, instrument, depth)
	})
}

func (g *Guard) PlaceOrder(ctx context.Context, spec domain.OrderSpec) (domain.OrderAck, error) {
	return guarded(ctx, g, "place_order", func(ctx context.Context) (domain.OrderAck, error) {
		return g.inner.PlaceOrder(ctx, spec)
	})
}

func (g *Guard) CancelOrder(ctx context.Context, venueOrderID string) (bool, error) {
	return guarded(ctx, g, "cancel_order", func(ctx context.Context) (bool, error) {
		return g.inner.CancelOrder(ctx, venueOrderID)
	})
}

func (g *Guard) OrderStatus(ctx context.Context, venueOrderID string) (domain.OrderAck, error) {
	return guarded(ctx, g, "order_status", func(ctx context.Context) (domain.OrderAck, error) {
		return g.inner.OrderStatus(ctx, venueOrderID)
	})
}

func (g *Guard) Balances(ctx context.Context) (map[string]decimal.Decimal, error) {
	return guarded(ctx, g, "balances", func(ctx context.Context) (map[string]decimal.Decimal, error) {
		return g.inner.Balances(ctx)
	})
}

// EmergencyStop bypasses the breaker: a halt must always be attempted.
func (g *Guard) EmergencyStop(ctx context.Context, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := g.inner.EmergencyStop(ctx, reason); err != nil {
		if isTransport(ctx, err) {
			return domain.NewVenueError(g.inner.ID(), "emergency_stop", err)
		}
		return err
	}
	return nil
}

func guarded[T any](ctx context.Context, g *Guard, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if !g.brk.allow() {
		return zero, domain.NewVenueError(g.inner.ID(), op, errBreakerOpen)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	v, err := fn(callCtx)
	if g.obs != nil {
		g.obs.VenueCall(g.inner.ID(), op, time.Since(start), err)
	}
	if err == nil {
		g.brk.success()
		return v, nil
	}
	// Caller cancelled: not the venue's fault.
	if ctx.Err() != nil {
		return zero, ctx.Err()
	}
	if !isTransport(callCtx, err) {
		g.brk.success()
		return zero, err
	}
	if g.brk.failure() {
		g.logger.Warn("circuit opened", slog.String("op", op), slog.Any("error", err))
	}
	var ve *domain.VenueError
	if errors.As(err, &ve) {
		return zero, ve
	}
	return zero, domain.NewVenueError(g.inner.ID(), op, err)
}

func isTransport(ctx context.Context, err error) bool {
	if errors.Is(err, domain.ErrVenueUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if ctx.Err() != nil {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
