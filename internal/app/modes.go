package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/venuecore/internal/cache/redis"
	"github.com/alanyoungcy/venuecore/internal/domain"
	"github.com/alanyoungcy/venuecore/internal/ordermgr"
	"github.com/alanyoungcy/venuecore/internal/server"
	"github.com/alanyoungcy/venuecore/internal/server/handler"
)

// errReadOnly rejects order mutations on a monitor peer.
var errReadOnly = fmt.Errorf("monitor mode is read-only: %w", domain.ErrInvalidTransition)

// TradeMode runs every engine: market refresh, arbitrage detection, order
// management, position sync, risk evaluation and the API. Paper and live
// differ only in the venue kinds the configuration allows.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies, c *core) error {
	a.logger.InfoContext(ctx, "starting trade mode", slog.String("mode", a.cfg.Mode))

	if err := c.emergency.Refresh(ctx); err != nil {
		a.logger.WarnContext(ctx, "load shared emergency state", slog.String("error", err.Error()))
	}
	if n, err := c.orders.Recover(ctx); err != nil {
		return fmt.Errorf("trade mode: %w", err)
	} else if n > 0 {
		a.logger.InfoContext(ctx, "recovered open orders", slog.Int("orders", n))
	}

	g, ctx := errgroup.WithContext(ctx)

	a.startCommon(ctx, g, deps, c)

	for _, p := range c.papers {
		g.Go(func() error {
			return ignoreCanceled(p.Run(ctx, a.cfg.Market.RefreshInterval.Duration))
		})
	}
	if a.cfg.Arbitrage.Enabled {
		g.Go(func() error {
			return ignoreCanceled(c.detector.Run(ctx, a.cfg.Arbitrage.Interval.Duration))
		})
	}
	g.Go(func() error {
		return ignoreCanceled(c.orders.Run(ctx, a.cfg.Orders.PollInterval.Duration))
	})

	a.startHTTPServer(ctx, g, deps, c, c.orders)

	return g.Wait()
}

// MonitorMode runs a read-only peer. Events of the trading peer arrive over
// Redis and are re-broadcast to local websocket clients; positions and risk
// are still evaluated locally, and emergency stops issued here propagate
// through the shared mirror. No orders are placed.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies, c *core) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	if deps.SignalBus == nil {
		return errors.New("monitor mode: redis is required")
	}
	if err := c.emergency.Refresh(ctx); err != nil {
		a.logger.WarnContext(ctx, "load shared emergency state", slog.String("error", err.Error()))
	}

	g, ctx := errgroup.WithContext(ctx)

	a.startCommon(ctx, g, deps, c)

	g.Go(func() error {
		return ignoreCanceled(redis.Bridge(ctx, deps.SignalBus, c.bus, a.logger))
	})

	a.startHTTPServer(ctx, g, deps, c, readOnlyOrders{c.orders})

	return g.Wait()
}

// startCommon starts the loops every mode runs.
func (a *App) startCommon(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *core) {
	cfg := a.cfg

	g.Go(func() error { return ignoreCanceled(c.bus.Run(ctx)) })
	g.Go(func() error { return ignoreCanceled(c.hub.Run(ctx)) })
	g.Go(func() error {
		return ignoreCanceled(c.registry.Run(ctx, cfg.Venue.HealthInterval.Duration))
	})
	g.Go(func() error {
		return ignoreCanceled(c.refresher.Run(ctx, cfg.Market.RefreshInterval.Duration))
	})
	g.Go(func() error {
		return ignoreCanceled(c.positions.Run(ctx, cfg.Position.Interval.Duration))
	})
	g.Go(func() error {
		return ignoreCanceled(c.risk.Run(ctx, cfg.Risk.Interval.Duration))
	})
	g.Go(func() error {
		return ignoreCanceled(c.emergency.Run(ctx, cfg.Emergency.MirrorInterval.Duration))
	})

	if deps.Archiver != nil {
		g.Go(func() error {
			return ignoreCanceled(deps.Archiver.Run(ctx, cfg.Archive.Interval.Duration))
		})
	}
	if deps.Badger != nil {
		g.Go(func() error {
			return a.badgerGC(ctx, deps, cfg.Badger.GCInterval.Duration)
		})
	}
}

func (a *App) badgerGC(ctx context.Context, deps *Dependencies, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := deps.Badger.RunGC(); err != nil {
				a.logger.WarnContext(ctx, "badger gc failed", slog.String("error", err.Error()))
			}
		}
	}
}

// startHTTPServer adds the API server to g when enabled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *core, orders handler.OrderService) {
	if !a.cfg.Server.Enabled {
		return
	}
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health:    handler.NewHealthHandler(a.cfg.Mode, a.startedAt, a.logger, deps.Probes...),
		Orders:    handler.NewOrderHandler(orders, a.logger),
		Venues:    handler.NewVenueHandler(c.registry, c.provisioner, func(v domain.VenueID) bool { return c.emergency.Covers(v, "") }, a.logger),
		Arb:       handler.NewArbHandler(c.detector, a.logger),
		Risk:      handler.NewRiskHandler(c.risk, a.logger),
		Positions: handler.NewPositionHandler(c.positions, a.logger),
		Emergency: handler.NewEmergencyHandler(c.emergency, a.logger),
		Metrics:   c.metrics.Handler(),
	}, c.hub, server.Options{
		Limiter:  deps.RateLimiter,
		Recorder: c.metrics,
	}, a.logger)

	g.Go(func() error { return ignoreCanceled(srv.Run(ctx)) })
}

// readOnlyOrders serves order queries and rejects mutations.
type readOnlyOrders struct {
	*ordermgr.Manager
}

func (readOnlyOrders) Place(context.Context, ordermgr.PlaceRequest) (domain.Order, error) {
	return domain.Order{}, errReadOnly
}

func (readOnlyOrders) Cancel(context.Context, string) (domain.Order, error) {
	return domain.Order{}, errReadOnly
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
