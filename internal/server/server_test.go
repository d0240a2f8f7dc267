package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/venuecore/internal/arbitrage"
	"github.com/alanyoungcy/venuecore/internal/domain"
	"github.com/alanyoungcy/venuecore/internal/emergency"
	"github.com/alanyoungcy/venuecore/internal/marketview"
	"github.com/alanyoungcy/venuecore/internal/metrics"
	"github.com/alanyoungcy/venuecore/internal/ordermgr"
	"github.com/alanyoungcy/venuecore/internal/position"
	"github.com/alanyoungcy/venuecore/internal/risk"
	"github.com/alanyoungcy/venuecore/internal/router"
	"github.com/alanyoungcy/venuecore/internal/server"
	"github.com/alanyoungcy/venuecore/internal/server/handler"
	"github.com/alanyoungcy/venuecore/internal/store/memory"
	"github.com/alanyoungcy/venuecore/internal/venue"
	vt "github.com/alanyoungcy/venuecore/internal/venue/venuetest"
)

const btc = domain.Instrument("BTC/USDT")

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, domain.Event) error { return nil }

type denyAll struct{}

func (denyAll) Allow(context.Context, string, int, time.Duration) (bool, error) { return false, nil }

type stack struct {
	b       *vt.Stub
	audit   *memory.AuditStore
	metrics *metrics.Metrics
	handler http.Handler
}

func newStack(t *testing.T, cfg server.Config, opts server.Options) *stack {
	t.Helper()
	log := vt.Discard()
	pub := nopPublisher{}

	a := vt.NewPaper("a", 0)
	a.SetBook(vt.Book("a", btc,
		[]domain.PriceLevel{vt.Level("99", "10")},
		[]domain.PriceLevel{vt.Level("101", "10")},
	))
	b := vt.Wrap(vt.NewPaper("b", 1))

	reg := venue.NewRegistry(time.Minute, log)
	require.NoError(t, reg.Register(domain.VenueConfig{ID: "a", Kind: domain.VenueKindPaper}, a))
	require.NoError(t, reg.Register(domain.VenueConfig{ID: "b", Kind: domain.VenueKindPaper, Priority: 1}, b))
	reg.TestAll(context.Background())

	audit := memory.NewAuditStore()
	orders := memory.NewOrderStore()
	view := marketview.New(time.Minute, reg.Priority)
	ctl := emergency.New(nil, reg, audit, pub, nil, nil, emergency.Config{}, log)
	rt := router.New(reg, nil, ctl, nil, router.Config{}, log)
	mgr := ordermgr.New(orders, rt, reg, ctl, view, pub, ordermgr.Config{}, log)
	t.Cleanup(mgr.Close)
	ctl.SetOrders(mgr)

	sync := position.New(reg, orders, pub, position.Config{Instruments: []domain.Instrument{btc}}, log)
	engine := risk.NewEngine(sync, view, memory.NewRiskSnapshotStore(0), audit, pub, risk.Config{
		Equity: 1000,
		Limits: domain.RiskLimits{MaxPortfolioDrawdown: 0.1, MaxPositionSize: 100, MaxSectorExposure: 1, MaxCorrelation: 0.9, MaxAvgCorrelation: 0.9, MaxVaR: 0.5, MaxLeverage: 5, MaxKelly: 0.25},
	}, log)
	det := arbitrage.NewDetector(arbitrage.Config{Instruments: []domain.Instrument{btc}, MinProfitPercent: 0.5}, view, nil, pub, log)
	prov := venue.NewProvisioner(reg, nil, nil, audit, venue.Options{}, log)

	m := metrics.New()
	if opts.Recorder == nil {
		opts.Recorder = m
	}
	srv := server.NewServer(cfg, server.Handlers{
		Health:    handler.NewHealthHandler("paper", time.Now(), log),
		Orders:    handler.NewOrderHandler(mgr, log),
		Venues:    handler.NewVenueHandler(reg, prov, func(v domain.VenueID) bool { return ctl.Covers(v, "") }, log),
		Arb:       handler.NewArbHandler(det, log),
		Risk:      handler.NewRiskHandler(engine, log),
		Positions: handler.NewPositionHandler(sync, log),
		Emergency: handler.NewEmergencyHandler(ctl, log),
		Metrics:   m.Handler(),
	}, nil, opts, log)
	return &stack{b: b, audit: audit, metrics: m, handler: srv.Handler()}
}

func (s *stack) do(t *testing.T, method, path string, body any, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	s := newStack(t, server.Config{}, server.Options{})

	rec, body := s.do(t, http.MethodPost, "/api/orders", map[string]any{
		"instrument": "BTC/USDT", "side": "buy", "quantity": "2",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "filled", body["status"])
	id := body["id"].(string)

	rec, body = s.do(t, http.MethodGet, "/api/orders/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, body["id"])

	rec, _ = s.do(t, http.MethodDelete, "/api/orders/"+id, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "filled orders cannot be cancelled")

	rec, _ = s.do(t, http.MethodGet, "/api/orders/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = s.do(t, http.MethodGet, "/api/orders?instrument=BTC/USDT", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, body["orders"])
}

func TestInvalidOrderIsBadRequest(t *testing.T) {
	s := newStack(t, server.Config{}, server.Options{})

	rec, _ := s.do(t, http.MethodPost, "/api/orders", map[string]any{
		"instrument": "BTC/USDT", "side": "buy", "quantity": "0",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = s.do(t, http.MethodPost, "/api/orders", map[string]any{"bogus": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEmergencyStopGatesOrders(t *testing.T) {
	s := newStack(t, server.Config{}, server.Options{})

	rec, _ := s.do(t, http.MethodPost, "/api/emergency/stop", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "reason is required")

	rec, body := s.do(t, http.MethodPost, "/api/emergency/stop",
		map[string]any{"reason": "bad prints", "instrument": "BTC/USDT"}, "X-Actor", "alice")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["changed"])

	rec, body = s.do(t, http.MethodPost, "/api/orders", map[string]any{
		"instrument": "BTC/USDT", "side": "buy", "quantity": "1",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, body, "order")
	assert.Equal(t, "rejected", body["order"].(map[string]any)["status"])

	rec, _ = s.do(t, http.MethodPost, "/api/emergency/reset", map[string]any{"reason": "clear"})
	require.Equal(t, http.StatusOK, rec.Code)

	entries, err := s.audit.List(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "alice", entries[0].Actor)
	assert.Equal(t, "api", entries[1].Actor)
}

func TestPartialVenueFailureIsMultiStatus(t *testing.T) {
	s := newStack(t, server.Config{}, server.Options{})
	s.b.Fail("emergency_stop")

	rec, body := s.do(t, http.MethodPost, "/api/emergency/stop", map[string]any{"reason": "incident"})
	require.Equal(t, http.StatusMultiStatus, rec.Code, rec.Body.String())
	assert.Contains(t, body["failures"], "b")
	assert.Equal(t, true, body["result"].(map[string]any)["state"].(map[string]any)["global"])

	rec, body = s.do(t, http.MethodGet, "/api/venues", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	for _, v := range body["venues"].([]any) {
		assert.Equal(t, true, v.(map[string]any)["halted"])
	}
}

func TestRiskEndpoints(t *testing.T) {
	s := newStack(t, server.Config{}, server.Options{})

	rec, _ := s.do(t, http.MethodGet, "/api/risk/snapshot", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body := s.do(t, http.MethodPost, "/api/risk/sizing", map[string]any{
		"method": "kelly", "win_rate": 0.6, "avg_win": 0.08, "avg_loss": 0.05,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.InDelta(t, 0.35, body["raw_fraction"], 1e-9)
	assert.InDelta(t, 0.25, body["fraction"], 1e-9)

	rec, _ = s.do(t, http.MethodPost, "/api/risk/var", map[string]any{"returns": []float64{0.01}})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "too few returns")

	rec, _ = s.do(t, http.MethodPut, "/api/risk/limits", map[string]any{"max_kelly": 2})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = s.do(t, http.MethodPost, "/api/risk/override", map[string]any{"reason": "desk call", "duration": "5m"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = s.do(t, http.MethodPost, "/api/risk/override", map[string]any{"reason": "x", "duration": "48h"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVenueEndpoints(t *testing.T) {
	s := newStack(t, server.Config{}, server.Options{})

	rec, body := s.do(t, http.MethodPost, "/api/venues", map[string]any{"id": "c", "kind": "paper", "priority": 2})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "c", body["id"])

	rec, body = s.do(t, http.MethodPost, "/api/venues/c/test", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ok"])

	rec, _ = s.do(t, http.MethodPost, "/api/venues/zzz/test", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = s.do(t, http.MethodPost, "/api/venues", map[string]any{"id": "d", "kind": "carrier-pigeon"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestArbitrageThreshold(t *testing.T) {
	s := newStack(t, server.Config{}, server.Options{})

	rec, _ := s.do(t, http.MethodPut, "/api/arbitrage/threshold", map[string]any{"min_profit_percent": 1.5})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := s.do(t, http.MethodGet, "/api/arbitrage", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.5, body["min_profit_percent"])
	assert.Empty(t, body["opportunities"])
}

func TestAuthAndRateLimit(t *testing.T) {
	s := newStack(t, server.Config{APIKey: "k", RateLimit: 1}, server.Options{Limiter: denyAll{}})

	rec, _ := s.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "health is open")

	rec, _ = s.do(t, http.MethodGet, "/api/positions", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = s.do(t, http.MethodGet, "/api/positions", nil, "Authorization", "Bearer k")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestMetricsRecordRoutes(t *testing.T) {
	s := newStack(t, server.Config{}, server.Options{})
	s.do(t, http.MethodGet, "/api/positions", nil)

	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `venuecore_http_requests_total{code="2xx",route="GET /api/positions"} 1`)
}
