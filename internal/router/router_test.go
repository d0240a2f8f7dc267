package router_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/venuecore/internal/domain"
	"github.com/alanyoungcy/venuecore/internal/router"
	"github.com/alanyoungcy/venuecore/internal/venue"
	vt "github.com/alanyoungcy/venuecore/internal/venue/venuetest"
)

const btc = domain.Instrument("BTC/USDT")

type halts struct {
	mu    sync.Mutex
	state domain.EmergencyState
}

func (h *halts) Covers(v domain.VenueID, inst domain.Instrument) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.Covers(v, inst)
}

type fixedGate struct {
	allowed decimal.Decimal
	err     error
}

func (g fixedGate) Check(context.Context, domain.Order) (decimal.Decimal, error) {
	return g.allowed, g.err
}

func registry(t *testing.T, adapters ...venue.Adapter) *venue.Registry {
	t.Helper()
	reg := venue.NewRegistry(time.Minute, vt.Discard())
	for i, a := range adapters {
		require.NoError(t, reg.Register(domain.VenueConfig{ID: a.ID(), Kind: domain.VenueKindPaper, Priority: i}, a))
	}
	reg.TestAll(context.Background())
	return reg
}

func paperWithAsks(id domain.VenueID, asks ...domain.PriceLevel) *venue.Paper {
	p := vt.NewPaper(id, 0)
	p.SetBook(vt.Book(id, btc, []domain.PriceLevel{vt.Level("90", "100")}, asks))
	return p
}

func marketBuy(qty string) domain.Order {
	return domain.Order{
		ID:         "ord-1",
		Instrument: btc,
		Side:       domain.SideBuy,
		Type:       domain.OrderTypeMarket,
		Kind:       domain.KindSingle,
		Quantity:   vt.D(qty),
	}
}

func TestPlanBestExecutionPrefersBestAverage(t *testing.T) {
	a := paperWithAsks("a", vt.Level("101", "1"), vt.Level("102", "5"))
	b := paperWithAsks("b", vt.Level("100.5", "1"), vt.Level("103", "5"))
	r := router.New(registry(t, a, b), nil, &halts{}, nil, router.Config{}, vt.Discard())

	small, err := r.Plan(context.Background(), marketBuy("1"), domain.StrategyBestExecution)
	require.NoError(t, err)
	require.Len(t, small.Allocations, 1)
	assert.Equal(t, domain.VenueID("b"), small.Allocations[0].Venue)

	// For 3 units a averages 101.67 against b's 102.17.
	large, err := r.Plan(context.Background(), marketBuy("3"), domain.StrategyBestExecution)
	require.NoError(t, err)
	require.NotEmpty(t, large.Allocations)
	assert.Equal(t, domain.VenueID("a"), large.Allocations[0].Venue)
	assert.True(t, large.Allocations[0].Quantity.Equal(vt.D("3")))
	assert.True(t, large.Unallocated.IsZero())
}

func TestPlanCostMinimizationAccountsForFees(t *testing.T) {
	pricey := venue.NewPaper(domain.VenueConfig{
		ID:       "pricey",
		Kind:     domain.VenueKindPaper,
		Fees:     domain.FeeSchedule{TakerBps: vt.D("50")},
		Balances: map[string]decimal.Decimal{"USDT": vt.D("1000000")},
	}, vt.Discard())
	pricey.SetBook(vt.Book("pricey", btc, nil, []domain.PriceLevel{vt.Level("100", "10")}))
	cheap := paperWithAsks("cheap", vt.Level("100.2", "10"))

	r := router.New(registry(t, pricey, cheap), nil, &halts{}, nil, router.Config{}, vt.Discard())

	best, err := r.Plan(context.Background(), marketBuy("1"), domain.StrategyBestExecution)
	require.NoError(t, err)
	assert.Equal(t, domain.VenueID("pricey"), best.Allocations[0].Venue)

	cost, err := r.Plan(context.Background(), marketBuy("1"), domain.StrategyCostMinimization)
	require.NoError(t, err)
	assert.Equal(t, domain.VenueID("cheap"), cost.Allocations[0].Venue)
}

func TestPlanLiquiditySeekingPicksDeepestInBand(t *testing.T) {
	thin := paperWithAsks("thin", vt.Level("100", "1"), vt.Level("200", "50"))
	deep := paperWithAsks("deep", vt.Level("100.2", "8"))
	r := router.New(registry(t, thin, deep), nil, &halts{}, nil, router.Config{}, vt.Discard())

	plan, err := r.Plan(context.Background(), marketBuy("5"), domain.StrategyLiquiditySeeking)
	require.NoError(t, err)
	require.Len(t, plan.Allocations, 1)
	assert.Equal(t, domain.VenueID("deep"), plan.Allocations[0].Venue)
	assert.True(t, plan.Allocations[0].Depth.Equal(vt.D("8")))
}

func TestPlanImpactMinimizationCapsParticipation(t *testing.T) {
	a := paperWithAsks("a", vt.Level("100", "10"))
	b := paperWithAsks("b", vt.Level("100", "20"))
	c := paperWithAsks("c", vt.Level("100", "30"))
	d := paperWithAsks("d", vt.Level("100", "5"))
	r := router.New(registry(t, a, b, c, d), nil, &halts{}, nil, router.Config{
		TopK:                 3,
		MaxParticipationRate: vt.D("0.2"),
	}, vt.Discard())

	plan, err := r.Plan(context.Background(), marketBuy("100"), domain.StrategyImpactMinimization)
	require.NoError(t, err)

	got := map[domain.VenueID]decimal.Decimal{}
	for _, al := range plan.Allocations {
		got[al.Venue] = al.Quantity
		assert.True(t, al.Quantity.LessThanOrEqual(al.Depth.Mul(vt.D("0.2"))), "venue %s over cap", al.Venue)
	}
	assert.NotContains(t, got, domain.VenueID("d"), "only the top three venues by depth")
	assert.True(t, got["a"].Equal(vt.D("2")))
	assert.True(t, got["b"].Equal(vt.D("4")))
	assert.True(t, got["c"].Equal(vt.D("6")))
	assert.True(t, plan.Unallocated.Equal(vt.D("88")))
}

func TestPlanLimitOrderRestsRemainder(t *testing.T) {
	a := paperWithAsks("a", vt.Level("101", "1"))
	r := router.New(registry(t, a), nil, &halts{}, nil, router.Config{}, vt.Discard())

	o := marketBuy("3")
	o.Type = domain.OrderTypeLimit
	px := vt.D("101")
	o.Price = &px

	plan, err := r.Plan(context.Background(), o, domain.StrategyBestExecution)
	require.NoError(t, err)
	require.Len(t, plan.Allocations, 1)
	assert.True(t, plan.Allocations[0].Quantity.Equal(vt.D("3")))
	assert.True(t, plan.Unallocated.IsZero())
}

func TestPlanRiskGate(t *testing.T) {
	a := paperWithAsks("a", vt.Level("100", "10"))
	reg := registry(t, a)

	clipped := router.New(reg, nil, &halts{}, fixedGate{allowed: vt.D("0.5")}, router.Config{}, vt.Discard())
	plan, err := clipped.Plan(context.Background(), marketBuy("2"), "")
	require.NoError(t, err)
	assert.Equal(t, domain.StrategyBestExecution, plan.Strategy)
	assert.True(t, plan.Allowed.Equal(vt.D("0.5")))
	assert.True(t, plan.Total().Equal(vt.D("0.5")))

	blocked := router.New(reg, nil, &halts{}, fixedGate{err: domain.ErrStaleSnapshot}, router.Config{}, vt.Discard())
	_, err = blocked.Plan(context.Background(), marketBuy("2"), "")
	assert.ErrorIs(t, err, domain.ErrStaleSnapshot)
}

func TestPlanExcludesHaltedAndSlowVenues(t *testing.T) {
	a := paperWithAsks("a", vt.Level("99", "10"))
	slow := vt.Wrap(paperWithAsks("slow", vt.Level("98", "10")))
	c := paperWithAsks("c", vt.Level("100", "10"))
	h := &halts{state: domain.EmergencyState{Venues: map[domain.VenueID]string{"a": "maintenance"}}}

	reg := registry(t, a, slow, c)
	slow.Hang("order_book")
	r := router.New(reg, nil, h, nil, router.Config{Deadline: 50 * time.Millisecond}, vt.Discard())

	start := time.Now()
	plan, err := r.Plan(context.Background(), marketBuy("1"), domain.StrategyBestExecution)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	require.Len(t, plan.Allocations, 1)
	assert.Equal(t, domain.VenueID("c"), plan.Allocations[0].Venue)

	h.mu.Lock()
	h.state.Global = true
	h.mu.Unlock()
	_, err = r.Plan(context.Background(), marketBuy("1"), domain.StrategyBestExecution)
	assert.ErrorIs(t, err, domain.ErrEmergencyActive)
}

func TestPlanRejectsUnknownStrategy(t *testing.T) {
	r := router.New(registry(t, paperWithAsks("a", vt.Level("100", "1"))), nil, &halts{}, nil, router.Config{}, vt.Discard())
	_, err := r.Plan(context.Background(), marketBuy("1"), "fastest")
	assert.ErrorIs(t, err, domain.ErrInvalidOrderSpec)
}

func TestDispatchFailsOverOnVenueUnavailable(t *testing.T) {
	primary := vt.Wrap(paperWithAsks("primary", vt.Level("99", "10")))
	backup := vt.Wrap(paperWithAsks("backup", vt.Level("100", "10")))
	reg := registry(t, primary, backup)
	primary.Fail("place_order")

	r := router.New(reg, nil, &halts{}, nil, router.Config{MaxRetries: 3}, vt.Discard())
	var waits []time.Duration
	router.SetSleep(r, func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	})

	o := marketBuy("1")
	plan, err := r.Plan(context.Background(), o, domain.StrategyBestExecution)
	require.NoError(t, err)
	require.Equal(t, domain.VenueID("primary"), plan.Allocations[0].Venue)

	placements, err := r.Dispatch(context.Background(), o, plan)
	require.NoError(t, err)
	require.Len(t, placements, 1)
	assert.Equal(t, domain.VenueID("backup"), placements[0].Venue)
	assert.Equal(t, 2, placements[0].Attempts)
	assert.Equal(t, []time.Duration{200 * time.Millisecond}, waits)
	assert.Equal(t, int64(0), primary.Placed.Load())
	assert.Equal(t, int64(1), backup.Placed.Load())
}

func TestDispatchFailoverStaysWithinParticipationCap(t *testing.T) {
	a := vt.Wrap(paperWithAsks("a", vt.Level("100", "10")))
	b := vt.Wrap(paperWithAsks("b", vt.Level("100", "10")))
	reg := registry(t, a, b)
	a.Fail("place_order")

	r := router.New(reg, nil, &halts{}, nil, router.Config{
		TopK:                 3,
		MaxParticipationRate: vt.D("0.2"),
		MaxRetries:           3,
	}, vt.Discard())
	router.SetSleep(r, func(context.Context, time.Duration) error { return nil })

	o := marketBuy("4")
	plan, err := r.Plan(context.Background(), o, domain.StrategyImpactMinimization)
	require.NoError(t, err)
	require.Len(t, plan.Allocations, 2)

	placements, err := r.Dispatch(context.Background(), o, plan)
	assert.ErrorIs(t, err, domain.ErrPartialFailure)
	assert.ErrorIs(t, err, domain.ErrVenueUnavailable)

	placed := map[domain.VenueID]decimal.Decimal{}
	for _, p := range placements {
		placed[p.Venue] = placed[p.Venue].Add(p.Quantity)
	}
	assert.True(t, placed["b"].Equal(vt.D("2")), "venue b placed %s, cap is 2", placed["b"])
	assert.NotContains(t, placed, domain.VenueID("a"))
	assert.Equal(t, int64(1), b.Placed.Load())
}

func TestDispatchSurfacesUnavailableWhenNoAlternate(t *testing.T) {
	only := vt.Wrap(paperWithAsks("only", vt.Level("99", "10")))
	reg := registry(t, only)
	only.Fail("place_order")

	r := router.New(reg, nil, &halts{}, nil, router.Config{}, vt.Discard())
	router.SetSleep(r, func(context.Context, time.Duration) error { return nil })

	_, err := r.Execute(context.Background(), marketBuy("1"), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrVenueUnavailable)
}

func TestDispatchRechecksEmergencyBeforePlacing(t *testing.T) {
	a := vt.Wrap(paperWithAsks("a", vt.Level("99", "10")))
	h := &halts{}
	r := router.New(registry(t, a), nil, h, nil, router.Config{}, vt.Discard())

	o := marketBuy("1")
	plan, err := r.Plan(context.Background(), o, "")
	require.NoError(t, err)

	h.mu.Lock()
	h.state.Instruments = map[domain.Instrument]string{btc: "halted"}
	h.mu.Unlock()

	_, err = r.Dispatch(context.Background(), o, plan)
	assert.True(t, errors.Is(err, domain.ErrEmergencyActive))
	assert.Equal(t, int64(0), a.Placed.Load())
}

func TestExecuteReturnsFills(t *testing.T) {
	a := paperWithAsks("a", vt.Level("100", "1"), vt.Level("101", "1"))
	r := router.New(registry(t, a), nil, &halts{}, nil, router.Config{}, vt.Discard())

	fills, err := r.Execute(context.Background(), marketBuy("2"), domain.StrategyBestExecution)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.True(t, fills[0].Quantity.Equal(vt.D("2")))
	assert.True(t, fills[0].Price.Equal(vt.D("100.5")))
}

func TestBackoffSchedule(t *testing.T) {
	b := router.DefaultBackoff
	assert.Equal(t, 200*time.Millisecond, b.Delay(-1))
	assert.Equal(t, 200*time.Millisecond, b.Delay(0))
	assert.Equal(t, 400*time.Millisecond, b.Delay(1))
	assert.Equal(t, 3200*time.Millisecond, b.Delay(4))
	assert.Equal(t, 5*time.Second, b.Delay(5))
	assert.Equal(t, 5*time.Second, b.Delay(100))
}
