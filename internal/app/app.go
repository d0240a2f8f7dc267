// Package app wires the venue integration core together and runs it in the
// configured operating mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/venuecore/internal/arbitrage"
	"github.com/alanyoungcy/venuecore/internal/config"
	"github.com/alanyoungcy/venuecore/internal/domain"
	"github.com/alanyoungcy/venuecore/internal/emergency"
	"github.com/alanyoungcy/venuecore/internal/events"
	"github.com/alanyoungcy/venuecore/internal/marketview"
	"github.com/alanyoungcy/venuecore/internal/metrics"
	"github.com/alanyoungcy/venuecore/internal/ordermgr"
	"github.com/alanyoungcy/venuecore/internal/position"
	"github.com/alanyoungcy/venuecore/internal/risk"
	"github.com/alanyoungcy/venuecore/internal/router"
	"github.com/alanyoungcy/venuecore/internal/server/ws"
	"github.com/alanyoungcy/venuecore/internal/venue"
)

// App is the root application object. It owns the configuration, logger, and
// the cleanup functions run in reverse order on shutdown.
type App struct {
	cfg       *config.Config
	logger    *slog.Logger
	startedAt time.Time
	closers   []func()
}

// New creates an App from a validated configuration.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "app")),
		startedAt: time.Now().UTC(),
	}
}

// Run wires dependencies, builds the engines, starts the goroutines of the
// configured mode and blocks until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("store", a.cfg.Store.Driver),
		slog.Int("venues", len(a.cfg.Venues)),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	c, err := a.build(ctx, deps)
	if err != nil {
		return fmt.Errorf("app: build: %w", err)
	}
	a.closers = append(a.closers, c.orders.Close, c.hub.Close)

	switch strings.ToLower(a.cfg.Mode) {
	case "paper", "live":
		return a.TradeMode(ctx, deps, c)
	case "monitor":
		return a.MonitorMode(ctx, deps, c)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close tears down all resources in reverse registration order. Safe to call
// more than once.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// core holds the engines shared by every mode.
type core struct {
	metrics     *metrics.Metrics
	bus         *events.Bus
	hub         *ws.Hub
	registry    *venue.Registry
	provisioner *venue.Provisioner
	view        *marketview.View
	refresher   *marketview.Refresher
	detector    *arbitrage.Detector
	emergency   *emergency.Controller
	router      *router.Router
	orders      *ordermgr.Manager
	positions   *position.Synchronizer
	risk        *risk.Engine
	papers      []*venue.Paper
}

func (a *App) build(ctx context.Context, deps *Dependencies) (*core, error) {
	cfg := a.cfg
	m := metrics.New()

	hub := ws.NewHub(a.logger, ws.Config{
		Mode:           cfg.Mode,
		StartedAt:      a.startedAt,
		AllowedOrigins: cfg.Server.CORSOrigins,
	})
	sinks := append([]events.Sink{hub}, deps.Sinks...)
	bus := events.NewBus(events.Config{
		QuoteBuffer:    cfg.Events.QuoteBuffer,
		CriticalBuffer: cfg.Events.CriticalBuffer,
		DeliverTimeout: cfg.Events.DeliverTimeout.Duration,
	}, a.logger, sinks...)
	bus.SetObserver(m)

	reg := venue.NewRegistry(cfg.Venue.HealthTTL.Duration, a.logger)
	opts := venue.Options{
		CallTimeout:     cfg.Venue.CallTimeout.Duration,
		BreakerFailures: cfg.Venue.BreakerFailures,
		BreakerCooldown: cfg.Venue.BreakerCooldown.Duration,
		Observer:        m,
	}
	var sealer venue.Sealer
	if deps.Vault != nil {
		sealer = deps.Vault
	}
	prov := venue.NewProvisioner(reg, deps.CredentialStore, sealer, deps.AuditStore, opts, a.logger)

	for _, vc := range cfg.Venues {
		if _, err := prov.Upsert(ctx, "config", vc.DomainVenue()); err != nil {
			return nil, fmt.Errorf("register venue %s: %w", vc.ID, err)
		}
	}
	reg.TestAll(ctx)

	var papers []*venue.Paper
	for _, ad := range reg.All() {
		if g, ok := ad.(*venue.Guard); ok {
			if p, ok := g.Unwrap().(*venue.Paper); ok {
				papers = append(papers, p)
			}
		}
	}

	instruments := cfg.Market.DomainInstruments()
	view := marketview.New(cfg.Market.QuoteMaxAge.Duration, reg.Priority)
	refresher := marketview.NewRefresher(view, func() []marketview.VenueBooker {
		eligible := reg.Eligible()
		out := make([]marketview.VenueBooker, len(eligible))
		for i, v := range eligible {
			out[i] = v
		}
		return out
	}, marketview.RefresherConfig{
		Instruments: instruments,
		Depth:       cfg.Market.Depth,
	}, bus, deps.QuoteCache, a.logger)

	maxQty, _ := decimal.NewFromString(cfg.Arbitrage.MaxTradeQuantity)
	detector := arbitrage.NewDetector(arbitrage.Config{
		Instruments:      instruments,
		MinProfitPercent: cfg.Arbitrage.MinProfitPercent,
		SlippageBps:      decimal.NewFromFloat(cfg.Arbitrage.SlippageBps),
		MaxTradeQuantity: maxQty,
	}, view, func(id domain.VenueID) (domain.FeeSchedule, bool) {
		vc, ok := reg.Config(id)
		return vc.Fees, ok
	}, bus, a.logger)

	ctl := emergency.New(nil, reg, deps.AuditStore, bus, deps.Mirror, deps.LockManager, emergency.Config{
		CallTimeout: cfg.Emergency.CallTimeout.Duration,
	}, a.logger)
	ctl.SetObserver(m)

	positions := position.New(reg, deps.OrderStore, bus, position.Config{
		Instruments: instruments,
		CallTimeout: cfg.Position.CallTimeout.Duration,
	}, a.logger)

	engine := risk.NewEngine(positions, view, deps.SnapshotStore, deps.AuditStore, bus, risk.Config{
		Limits:         cfg.Risk.Limits,
		SnapshotMaxAge: cfg.Risk.SnapshotMaxAge.Duration,
		Confidence:     cfg.Risk.VaRConfidence,
		MCPaths:        cfg.Risk.MCPaths,
		Seed:           cfg.Risk.Seed,
		DrawdownScale:  cfg.Risk.DrawdownScale,
		Equity:         cfg.Risk.Equity,
		Window:         cfg.Risk.Window,
	}, a.logger)
	engine.SetObserver(m)

	rt := router.New(reg, view, ctl, engine, router.Config{
		DefaultStrategy:      domain.RoutingStrategy(cfg.Router.DefaultStrategy),
		Deadline:             cfg.Router.RouteDeadline.Duration,
		TopK:                 cfg.Router.TopK,
		MaxParticipationRate: decimal.NewFromFloat(cfg.Router.MaxParticipationRate),
		BandBps:              decimal.NewFromFloat(cfg.Router.BandBps),
		Depth:                cfg.Market.Depth,
		Backoff:              router.Backoff{Base: cfg.Router.BackoffBase.Duration, Max: cfg.Router.BackoffMax.Duration},
		MaxRetries:           cfg.Router.MaxRetries,
	}, a.logger)
	rt.SetObserver(m)

	mgr := ordermgr.New(deps.OrderStore, rt, reg, ctl, view, bus, ordermgr.Config{
		CallTimeout: cfg.Orders.CallTimeout.Duration,
	}, a.logger)
	mgr.SetObserver(m)
	ctl.SetOrders(mgr)

	return &core{
		metrics:     m,
		bus:         bus,
		hub:         hub,
		registry:    reg,
		provisioner: prov,
		view:        view,
		refresher:   refresher,
		detector:    detector,
		emergency:   ctl,
		router:      rt,
		orders:      mgr,
		positions:   positions,
		risk:        engine,
		papers:      papers,
	}, nil
}
