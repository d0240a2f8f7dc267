package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/venuecore/internal/config"
	"github.com/alanyoungcy/venuecore/internal/domain"
	"github.com/alanyoungcy/venuecore/internal/ordermgr"
	"github.com/alanyoungcy/venuecore/internal/store/memory"
	vt "github.com/alanyoungcy/venuecore/internal/venue/venuetest"
)

const btc = domain.Instrument("BTC/USDT")

func paperConfig() config.Config {
	cfg := config.Defaults()
	cfg.Server.Enabled = false
	cfg.Market.Instruments = []string{string(btc)}
	cfg.Venues = []config.VenueConfig{
		{ID: "a", Kind: "paper", TakerFeeBps: 10, Balances: map[string]string{"USDT": "1000000"}, SeedPrices: map[string]string{string(btc): "50000"}},
		{ID: "b", Kind: "paper", Priority: 1, TakerFeeBps: 10, Balances: map[string]string{"USDT": "1000000"}, SeedPrices: map[string]string{string(btc): "50010"}},
	}
	return cfg
}

func TestWireDefaultsToMemory(t *testing.T) {
	cfg := config.Defaults()
	deps, cleanup, err := Wire(context.Background(), &cfg, vt.Discard())
	require.NoError(t, err)
	defer cleanup()

	assert.IsType(t, &memory.OrderStore{}, deps.OrderStore)
	assert.IsType(t, &memory.AuditStore{}, deps.AuditStore)
	assert.Nil(t, deps.SignalBus)
	assert.Nil(t, deps.Archiver)
	assert.Nil(t, deps.Vault)
	assert.Empty(t, deps.Sinks)
}

func TestWireBadgerInMemory(t *testing.T) {
	cfg := config.Defaults()
	cfg.Store.Driver = "badger"
	cfg.Badger.Path = ""
	cfg.Vault.Passphrase = "pw"
	cfg.Vault.Iterations = 1000

	deps, cleanup, err := Wire(context.Background(), &cfg, vt.Discard())
	require.NoError(t, err)
	defer cleanup()

	require.NotNil(t, deps.Badger)
	require.NotNil(t, deps.Vault)
	require.NoError(t, deps.OrderStore.Save(context.Background(), domain.Order{ID: "o1", Instrument: btc, Status: domain.OrderStatusPending}))
	got, err := deps.OrderStore.GetByID(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, btc, got.Instrument)
}

func TestBuildRegistersConfiguredVenues(t *testing.T) {
	cfg := paperConfig()
	a := New(&cfg, vt.Discard())
	deps, cleanup, err := Wire(context.Background(), &cfg, vt.Discard())
	require.NoError(t, err)
	defer cleanup()

	c, err := a.build(context.Background(), deps)
	require.NoError(t, err)
	defer c.orders.Close()

	assert.Len(t, c.registry.All(), 2)
	assert.Len(t, c.papers, 2)
	assert.True(t, c.registry.IsEligible("a"), "paper venues pass the startup connection test")

	entries, err := deps.AuditStore.List(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "config", entries[0].Actor)
}

func TestTradeModePlacesOrdersAndStops(t *testing.T) {
	cfg := paperConfig()
	cfg.Market.RefreshInterval.Duration = 10 * time.Millisecond
	cfg.Position.Interval.Duration = 10 * time.Millisecond
	cfg.Risk.Interval.Duration = 10 * time.Millisecond
	cfg.Risk.MCPaths = 200
	cfg.Orders.PollInterval.Duration = 10 * time.Millisecond
	cfg.Arbitrage.Interval.Duration = 10 * time.Millisecond

	a := New(&cfg, vt.Discard())
	deps, cleanup, err := Wire(context.Background(), &cfg, vt.Discard())
	require.NoError(t, err)
	defer cleanup()
	c, err := a.build(context.Background(), deps)
	require.NoError(t, err)
	defer c.orders.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.TradeMode(ctx, deps, c) }()

	require.Eventually(t, func() bool {
		_, ok := c.view.Mid(btc)
		_, fresh := c.risk.Snapshot()
		return ok && fresh
	}, 2*time.Second, 10*time.Millisecond)

	o, err := c.orders.Place(ctx, ordermgr.PlaceRequest{Instrument: btc, Side: domain.SideBuy, Quantity: vt.D("1")})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, o.Status)

	_, err = c.emergency.StopAll(ctx, "ops", "drill")
	require.NoError(t, err)
	_, err = c.orders.Place(ctx, ordermgr.PlaceRequest{Instrument: btc, Side: domain.SideBuy, Quantity: vt.D("1")})
	assert.ErrorIs(t, err, domain.ErrEmergencyActive)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("trade mode did not stop")
	}
}

func TestReadOnlyOrdersRejectMutations(t *testing.T) {
	ro := readOnlyOrders{}
	_, err := ro.Place(context.Background(), ordermgr.PlaceRequest{})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = ro.Cancel(context.Background(), "x")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}
