// Package server exposes the HTTP API, the websocket event stream and the
// Prometheus endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/venuecore/internal/domain"
	"github.com/alanyoungcy/venuecore/internal/server/handler"
	"github.com/alanyoungcy/venuecore/internal/server/middleware"
	"github.com/alanyoungcy/venuecore/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey guards the API when set.
	APIKey string
	// RateLimit is the per-client request budget per RateWindow; zero disables.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates the route handlers.
type Handlers struct {
	Health    *handler.HealthHandler
	Orders    *handler.OrderHandler
	Venues    *handler.VenueHandler
	Arb       *handler.ArbHandler
	Risk      *handler.RiskHandler
	Positions *handler.PositionHandler
	Emergency *handler.EmergencyHandler
	// Metrics serves GET /metrics when non-nil.
	Metrics http.Handler
}

// Options carries the optional collaborators of the middleware chain.
type Options struct {
	Limiter  domain.RateLimiter
	Recorder middleware.RequestRecorder
}

// Server is the headless HTTP + websocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

var openPaths = []string{"/api/health", "/metrics"}

// NewServer registers every route and builds the middleware chain.
func NewServer(cfg Config, h Handlers, hub *ws.Hub, opts Options, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http_server"))
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)

	mux.HandleFunc("GET /api/orders", h.Orders.ListOrders)
	mux.HandleFunc("POST /api/orders", h.Orders.PlaceOrder)
	mux.HandleFunc("GET /api/orders/{id}", h.Orders.GetOrder)
	mux.HandleFunc("DELETE /api/orders/{id}", h.Orders.CancelOrder)

	mux.HandleFunc("GET /api/venues", h.Venues.ListVenues)
	mux.HandleFunc("POST /api/venues", h.Venues.UpsertVenue)
	mux.HandleFunc("POST /api/venues/{id}/test", h.Venues.TestVenue)

	mux.HandleFunc("GET /api/arbitrage", h.Arb.ListRecent)
	mux.HandleFunc("PUT /api/arbitrage/threshold", h.Arb.SetThreshold)

	mux.HandleFunc("GET /api/risk/snapshot", h.Risk.GetSnapshot)
	mux.HandleFunc("PUT /api/risk/limits", h.Risk.SetLimits)
	mux.HandleFunc("POST /api/risk/var", h.Risk.CompareVaR)
	mux.HandleFunc("POST /api/risk/sizing", h.Risk.Size)
	mux.HandleFunc("POST /api/risk/override", h.Risk.Override)

	mux.HandleFunc("GET /api/positions", h.Positions.ListPositions)

	mux.HandleFunc("GET /api/emergency", h.Emergency.GetState)
	mux.HandleFunc("POST /api/emergency/stop", h.Emergency.Stop)
	mux.HandleFunc("POST /api/emergency/reset", h.Emergency.Reset)

	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	// Logging sits directly above the mux so it sees the matched pattern.
	var chain http.Handler = middleware.Logging(logger, opts.Recorder)(mux)
	if opts.Limiter != nil && cfg.RateLimit > 0 {
		window := cfg.RateWindow
		if window <= 0 {
			window = time.Second
		}
		chain = middleware.RateLimit(opts.Limiter, cfg.RateLimit, window, logger, openPaths...)(chain)
	}
	chain = middleware.Auth(cfg.APIKey, openPaths...)(chain)
	chain = middleware.CORS(cfg.CORSOrigins)(chain)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           chain,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the full middleware chain, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves until ctx is done, then shuts down within 10s.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.logger.Info("server listening", slog.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	s.logger.Info("server shutting down")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return ctx.Err()
}
