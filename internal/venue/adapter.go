// Package venue defines the venue adapter contract, the registry that owns
// configured adapters, and the concrete paper and REST variants.
package venue

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/venuecore/internal/domain"
	"github.com/shopspring/decimal"
)

// Adapter is the capability set every venue implementation provides. Calls
// made through a Guard return *domain.VenueError on timeout or transport
// failure.
type Adapter interface {
	ID() domain.VenueID
	Fees() domain.FeeSchedule
	Quote(ctx context.Context, instrument domain.Instrument) (domain.Quote, error)
	OrderBook(ctx context.Context, instrument domain.Instrument, depth int) (domain.OrderBook, error)
	PlaceOrder(ctx context.Context, spec domain.OrderSpec) (domain.OrderAck, error)
	CancelOrder(ctx context.Context, venueOrderID string) (bool, error)
	OrderStatus(ctx context.Context, venueOrderID string) (domain.OrderAck, error)
	Balances(ctx context.Context) (map[string]decimal.Decimal, error)
	EmergencyStop(ctx context.Context, reason string) error
}

// Options tune adapters built by New.
type Options struct {
	CallTimeout     time.Duration
	BreakerFailures int
	BreakerCooldown time.Duration
	HTTPClient      *http.Client
	SecretResolver  func(domain.VenueID) (string, error)
	Observer        CallObserver
}

// New builds the adapter variant named by cfg.Kind and wraps it in a Guard.
func New(cfg domain.VenueConfig, opts Options, logger *slog.Logger) (Adapter, error) {
	var inner Adapter
	switch cfg.Kind {
	case domain.VenueKindPaper:
		inner = NewPaper(cfg, logger)
	case domain.VenueKindREST:
		secret := cfg.APISecret
		if secret == "" && opts.SecretResolver != nil {
			s, err := opts.SecretResolver(cfg.ID)
			if err != nil {
				return nil, fmt.Errorf("venue: resolve secret for %s: %w", cfg.ID, err)
			}
			secret = s
		}
		inner = NewREST(cfg, secret, opts.HTTPClient)
	default:
		return nil, fmt.Errorf("venue: unknown kind %q", cfg.Kind)
	}
	return NewGuard(inner, GuardConfig{
		Timeout:          opts.CallTimeout,
		FailureThreshold: opts.BreakerFailures,
		Cooldown:         opts.BreakerCooldown,
		Observer:         opts.Observer,
	}, logger), nil
}
