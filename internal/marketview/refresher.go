package marketview

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/venuecore/internal/domain"
	"golang.org/x/sync/errgroup"
)

// VenueBooker fetches books from one venue.
type VenueBooker interface {
	ID() domain.VenueID
	OrderBook(ctx context.Context, instrument domain.Instrument, depth int) (domain.OrderBook, error)
}

// Refresher polls every eligible venue for the tracked instruments and feeds
// the view. Quotes go out as droppable events and the unified top of book is
// mirrored into the quote cache when one is configured.
type Refresher struct {
	view        *View
	venues      func() []VenueBooker
	instruments []domain.Instrument
	depth       int
	parallelism int
	pub         domain.Publisher
	cache       domain.QuoteCache
	logger      *slog.Logger
}

// RefresherConfig configures a Refresher.
type RefresherConfig struct {
	Instruments []domain.Instrument
	Depth       int
	Parallelism int
}

// NewRefresher creates a Refresher. pub and cache may be nil.
func NewRefresher(view *View, venues func() []VenueBooker, cfg RefresherConfig, pub domain.Publisher, cache domain.QuoteCache, logger *slog.Logger) *Refresher {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 16
	}
	return &Refresher{
		view:        view,
		venues:      venues,
		instruments: cfg.Instruments,
		depth:       cfg.Depth,
		parallelism: cfg.Parallelism,
		pub:         pub,
		cache:       cache,
		logger:      logger.With(slog.String("component", "market_refresher")),
	}
}

// Run refreshes on interval until ctx is done.
func (r *Refresher) Run(ctx context.Context, interval time.Duration) error {
	r.logger.Info("market view refresher started",
		slog.Int("instruments", len(r.instruments)),
		slog.Duration("interval", interval),
	)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Refresh(ctx)
		}
	}
}

// Refresh polls every venue/instrument pair once. A failing venue is logged
// and skipped; it ages out of the view through the staleness policy.
func (r *Refresher) Refresh(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(r.parallelism)

	for _, v := range r.venues() {
		for _, inst := range r.instruments {
			v, inst := v, inst
			g.Go(func() error {
				book, err := v.OrderBook(ctx, inst, r.depth)
				if err != nil {
					if !errors.Is(err, context.Canceled) {
						r.logger.Debug("order book fetch failed",
							slog.String("venue", string(v.ID())),
							slog.String("instrument", string(inst)),
							slog.Any("error", err),
						)
					}
					return nil
				}
				book.Venue = v.ID()
				book.Instrument = inst
				r.view.Update(book)
				r.emitQuote(ctx, book)
				return nil
			})
		}
	}
	_ = g.Wait()

	for _, inst := range r.instruments {
		r.mirror(ctx, inst)
	}
}

func (r *Refresher) emitQuote(ctx context.Context, book domain.OrderBook) {
	if r.pub == nil {
		return
	}
	q, ok := book.Quote()
	if !ok {
		return
	}
	ev, err := domain.NewEvent(domain.EventQuote, q)
	if err != nil {
		return
	}
	_ = r.pub.Publish(ctx, ev)
}

func (r *Refresher) mirror(ctx context.Context, inst domain.Instrument) {
	if r.cache == nil {
		return
	}
	bid, okB := r.view.BestBid(inst)
	ask, okA := r.view.BestAsk(inst)
	if !okB || !okA {
		return
	}
	if err := r.cache.SetTop(ctx, inst, bid, ask, time.Now()); err != nil {
		r.logger.Warn("quote cache write failed", slog.String("instrument", string(inst)), slog.Any("error", err))
	}
}
