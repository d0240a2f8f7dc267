package ordermgr_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/alanyoungcy/venuecore/internal/domain"
	"github.com/alanyoungcy/venuecore/internal/marketview"
	"github.com/alanyoungcy/venuecore/internal/ordermgr"
	"github.com/alanyoungcy/venuecore/internal/router"
	"github.com/alanyoungcy/venuecore/internal/store/memory"
	"github.com/alanyoungcy/venuecore/internal/venue"
	vt "github.com/alanyoungcy/venuecore/internal/venue/venuetest"
)

const (
	btc = domain.Instrument("BTC/USDT")
	eth = domain.Instrument("ETH/USDT")
)

type halts struct {
	mu    sync.Mutex
	state domain.EmergencyState
}

func (h *halts) Covers(v domain.VenueID, inst domain.Instrument) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.Covers(v, inst)
}

func (h *halts) set(fn func(s *domain.EmergencyState)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(&h.state)
}

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Publish(_ context.Context, ev domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) ofType(t domain.EventType) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) changes(tb testing.TB) []domain.OrderStatusChange {
	var out []domain.OrderStatusChange
	for _, ev := range r.ofType(domain.EventOrderStatus) {
		var c domain.OrderStatusChange
		require.NoError(tb, json.Unmarshal(ev.Payload, &c))
		out = append(out, c)
	}
	return out
}

type env struct {
	reg   *venue.Registry
	view  *marketview.View
	halts *halts
	pub   *recorder
	store *memory.OrderStore
	mgr   *ordermgr.Manager
}

func standardBook(v domain.VenueID, inst domain.Instrument) domain.OrderBook {
	return vt.Book(v, inst,
		[]domain.PriceLevel{vt.Level("99", "10"), vt.Level("98", "10")},
		[]domain.PriceLevel{vt.Level("101", "10"), vt.Level("102", "10")},
	)
}

func newEnv(t *testing.T, adapters ...venue.Adapter) *env {
	t.Helper()
	reg := venue.NewRegistry(time.Minute, vt.Discard())
	for i, a := range adapters {
		require.NoError(t, reg.Register(domain.VenueConfig{ID: a.ID(), Kind: domain.VenueKindPaper, Priority: i}, a))
	}
	reg.TestAll(context.Background())

	e := &env{
		reg:   reg,
		view:  marketview.New(time.Minute, reg.Priority),
		halts: &halts{},
		pub:   &recorder{},
		store: memory.NewOrderStore(),
	}
	rt := router.New(reg, nil, e.halts, nil, router.Config{}, vt.Discard())
	e.mgr = ordermgr.New(e.store, rt, reg, e.halts, e.view, e.pub, ordermgr.Config{SliceCheck: 5 * time.Millisecond}, vt.Discard())
	t.Cleanup(e.mgr.Close)
	return e
}

func paper(id domain.VenueID) *venue.Paper {
	p := vt.NewPaper(id, 0)
	p.SetBook(standardBook(id, btc))
	return p
}

func (e *env) children(t *testing.T, parentID string) []domain.Order {
	t.Helper()
	out, err := e.store.List(context.Background(), domain.OrderFilter{ParentID: parentID})
	require.NoError(t, err)
	return out
}

func (e *env) leg(t *testing.T, parentID string, leg domain.Leg) domain.Order {
	t.Helper()
	for _, c := range e.children(t, parentID) {
		if c.Leg == leg {
			latest, err := e.mgr.Get(context.Background(), c.ID)
			require.NoError(t, err)
			return latest
		}
	}
	t.Fatalf("no %s leg under %s", leg, parentID)
	return domain.Order{}
}

func (e *env) mark(mid string) {
	m := vt.D(mid)
	one := vt.D("0.5")
	e.view.Update(vt.Book("mark", btc,
		[]domain.PriceLevel{{Price: m.Sub(one), Size: vt.D("1")}},
		[]domain.PriceLevel{{Price: m.Add(one), Size: vt.D("1")}},
	))
}

func dec(s string) *decimal.Decimal {
	d := vt.D(s)
	return &d
}

func TestTransitionGraph(t *testing.T) {
	legal := [][2]domain.OrderStatus{
		{domain.OrderStatusPending, domain.OrderStatusRouted},
		{domain.OrderStatusPending, domain.OrderStatusRejected},
		{domain.OrderStatusPending, domain.OrderStatusCancelled},
		{domain.OrderStatusRouted, domain.OrderStatusPartiallyFilled},
		{domain.OrderStatusRouted, domain.OrderStatusFilled},
		{domain.OrderStatusRouted, domain.OrderStatusCancelled},
		{domain.OrderStatusRouted, domain.OrderStatusRejected},
		{domain.OrderStatusPartiallyFilled, domain.OrderStatusPartiallyFilled},
		{domain.OrderStatusPartiallyFilled, domain.OrderStatusFilled},
		{domain.OrderStatusPartiallyFilled, domain.OrderStatusCancelled},
	}
	for _, tr := range legal {
		assert.True(t, ordermgr.CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
	illegal := [][2]domain.OrderStatus{
		{domain.OrderStatusPending, domain.OrderStatusFilled},
		{domain.OrderStatusPartiallyFilled, domain.OrderStatusRejected},
		{domain.OrderStatusFilled, domain.OrderStatusCancelled},
		{domain.OrderStatusCancelled, domain.OrderStatusRouted},
		{domain.OrderStatusRejected, domain.OrderStatusPending},
	}
	for _, tr := range illegal {
		assert.False(t, ordermgr.CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestPlaceMarketOrderFills(t *testing.T) {
	e := newEnv(t, paper("p"))
	o, err := e.mgr.Place(context.Background(), ordermgr.PlaceRequest{
		Instrument: btc,
		Side:       domain.SideBuy,
		Quantity:   vt.D("2"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, o.Status)
	assert.Equal(t, domain.KindSingle, o.Kind)
	assert.Equal(t, domain.VenueID("p"), o.Venue)
	assert.True(t, o.FilledQuantity.Equal(vt.D("2")))
	assert.True(t, o.AvgFillPrice.Equal(vt.D("101")))

	var path []domain.OrderStatus
	for _, c := range e.pub.changes(t) {
		path = append(path, c.To)
	}
	assert.Equal(t, []domain.OrderStatus{domain.OrderStatusPending, domain.OrderStatusRouted, domain.OrderStatusFilled}, path)

	stored, err := e.store.GetByID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, stored.Status)
}

func TestPlaceRejectsInvalidRequests(t *testing.T) {
	e := newEnv(t, paper("p"))
	cases := map[string]ordermgr.PlaceRequest{
		"zero quantity":   {Instrument: btc, Side: domain.SideBuy},
		"bad side":        {Instrument: btc, Side: "hold", Quantity: vt.D("1")},
		"limit no price":  {Instrument: btc, Side: domain.SideBuy, Type: domain.OrderTypeLimit, Quantity: vt.D("1")},
		"oco one leg":     {Kind: domain.KindOCO, Instrument: btc, Side: domain.SideSell, Quantity: vt.D("1"), Legs: []ordermgr.LegRequest{{Type: domain.OrderTypeLimit, Price: dec("110")}}},
		"iceberg visible": {Kind: domain.KindIceberg, Instrument: btc, Side: domain.SideBuy, Quantity: vt.D("1"), Visible: vt.D("2")},
		"twap duration":   {Kind: domain.KindTWAP, Instrument: btc, Side: domain.SideBuy, Quantity: vt.D("1"), Slices: 2, Duration: "soon"},
		"bracket inverted": {Kind: domain.KindBracket, Instrument: btc, Side: domain.SideBuy, Quantity: vt.D("1"),
			StopLoss: dec("110"), TakeProfit: dec("95")},
		"unknown strategy": {Instrument: btc, Side: domain.SideBuy, Quantity: vt.D("1"), Strategy: "fastest"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := e.mgr.Place(context.Background(), req)
			assert.ErrorIs(t, err, domain.ErrInvalidOrderSpec)
		})
	}
}

func TestLimitOrderRestsAndFillsOnPoll(t *testing.T) {
	p := paper("p")
	e := newEnv(t, p)
	ctx := context.Background()

	o, err := e.mgr.Place(ctx, ordermgr.PlaceRequest{
		Instrument: btc,
		Side:       domain.SideBuy,
		Quantity:   vt.D("1"),
		Price:      dec("100"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderTypeLimit, o.Type)
	assert.Equal(t, domain.OrderStatusRouted, o.Status)
	require.NotEmpty(t, o.VenueOrderID)

	p.SetBook(vt.Book("p", btc,
		[]domain.PriceLevel{vt.Level("99", "10")},
		[]domain.PriceLevel{vt.Level("99.5", "10")},
	))
	e.mgr.Poll(ctx)

	got, err := e.mgr.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.True(t, got.FilledQuantity.Equal(vt.D("1")))
}

func TestEmergencyRejectsBeforeRouting(t *testing.T) {
	p := vt.Wrap(paper("p"))
	e := newEnv(t, p)
	e.halts.set(func(s *domain.EmergencyState) { s.Instruments = map[domain.Instrument]string{btc: "halt"} })

	o, err := e.mgr.Place(context.Background(), ordermgr.PlaceRequest{Instrument: btc, Side: domain.SideBuy, Quantity: vt.D("1")})
	require.ErrorIs(t, err, domain.ErrEmergencyActive)
	assert.Equal(t, domain.OrderStatusRejected, o.Status)
	assert.Equal(t, int64(0), p.Placed.Load())
	assert.Len(t, e.pub.ofType(domain.EventOrderRejected), 1)
}

func TestOCOFillCancelsSiblingUnderConcurrentFills(t *testing.T) {
	e := newEnv(t, paper("p"))
	ctx := context.Background()

	parent, err := e.mgr.Place(ctx, ordermgr.PlaceRequest{
		Kind:       domain.KindOCO,
		Instrument: btc,
		Side:       domain.SideSell,
		Quantity:   vt.D("1"),
		Legs: []ordermgr.LegRequest{
			{Type: domain.OrderTypeLimit, Price: dec("110")},
			{Type: domain.OrderTypeLimit, Price: dec("120")},
		},
	})
	require.NoError(t, err)
	a := e.leg(t, parent.ID, domain.LegA)
	b := e.leg(t, parent.ID, domain.LegB)
	require.Equal(t, domain.OrderStatusRouted, a.Status)
	require.Equal(t, domain.OrderStatusRouted, b.Status)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		id, px := a.ID, "110"
		if i%2 == 1 {
			id, px = b.ID, "120"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.mgr.ApplyAck(ctx, id, domain.OrderAck{Status: domain.OrderStatusFilled, FilledQuantity: vt.D("1"), AvgPrice: vt.D(px)})
		}()
	}
	wg.Wait()

	a = e.leg(t, parent.ID, domain.LegA)
	b = e.leg(t, parent.ID, domain.LegB)
	statuses := map[domain.OrderStatus]int{a.Status: 1}
	statuses[b.Status]++
	assert.Equal(t, 1, statuses[domain.OrderStatusFilled], "exactly one leg filled")
	assert.Equal(t, 1, statuses[domain.OrderStatusCancelled], "the other leg cancelled")

	got, err := e.mgr.Get(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
}

func TestOCOStopLegTriggersFromMark(t *testing.T) {
	e := newEnv(t, paper("p"))
	ctx := context.Background()
	e.mark("100")

	parent, err := e.mgr.Place(ctx, ordermgr.PlaceRequest{
		Kind:       domain.KindOCO,
		Instrument: btc,
		Side:       domain.SideSell,
		Quantity:   vt.D("1"),
		Legs: []ordermgr.LegRequest{
			{Type: domain.OrderTypeLimit, Price: dec("110")},
			{Type: domain.OrderTypeStop, StopPrice: dec("95")},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, e.leg(t, parent.ID, domain.LegB).Status)

	e.mgr.Poll(ctx)
	assert.Equal(t, domain.OrderStatusPending, e.leg(t, parent.ID, domain.LegB).Status, "mark above stop")

	e.mark("94")
	e.mgr.Poll(ctx)

	stop := e.leg(t, parent.ID, domain.LegB)
	assert.Equal(t, domain.OrderStatusFilled, stop.Status)
	assert.True(t, stop.AvgFillPrice.Equal(vt.D("99")))
	assert.Equal(t, domain.OrderStatusCancelled, e.leg(t, parent.ID, domain.LegA).Status)
}

func TestIcebergReleasesSlicesAfterFills(t *testing.T) {
	e := newEnv(t, paper("p"))
	ctx := context.Background()

	parent, err := e.mgr.Place(ctx, ordermgr.PlaceRequest{
		Kind:       domain.KindIceberg,
		Instrument: btc,
		Side:       domain.SideBuy,
		Quantity:   vt.D("2.5"),
		Visible:    vt.D("1"),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		o, err := e.mgr.Get(ctx, parent.ID)
		return err == nil && o.Status == domain.OrderStatusFilled
	}, 2*time.Second, 5*time.Millisecond)

	kids := e.children(t, parent.ID)
	require.Len(t, kids, 3)
	total := decimal.Zero
	for _, k := range kids {
		assert.True(t, k.Quantity.LessThanOrEqual(vt.D("1")))
		assert.Equal(t, domain.LegSlice, k.Leg)
		total = total.Add(k.FilledQuantity)
	}
	assert.True(t, total.Equal(vt.D("2.5")))
}

func TestIcebergWaitsForRestingSlice(t *testing.T) {
	p := paper("p")
	e := newEnv(t, p)
	ctx := context.Background()

	parent, err := e.mgr.Place(ctx, ordermgr.PlaceRequest{
		Kind:       domain.KindIceberg,
		Instrument: btc,
		Side:       domain.SideBuy,
		Quantity:   vt.D("2"),
		Price:      dec("100"),
		Visible:    vt.D("1"),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(e.children(t, parent.ID)) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, e.children(t, parent.ID), 1, "second slice held until the first fills")

	p.SetBook(vt.Book("p", btc, []domain.PriceLevel{vt.Level("98", "10")}, []domain.PriceLevel{vt.Level("99.5", "10")}))
	e.mgr.Poll(ctx)

	require.Eventually(t, func() bool {
		o, err := e.mgr.Get(ctx, parent.ID)
		return err == nil && o.Status == domain.OrderStatusFilled
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, e.children(t, parent.ID), 2)
}

func TestTWAPSlicesEvenly(t *testing.T) {
	e := newEnv(t, paper("p"))
	ctx := context.Background()

	parent, err := e.mgr.Place(ctx, ordermgr.PlaceRequest{
		Kind:       domain.KindTWAP,
		Instrument: btc,
		Side:       domain.SideBuy,
		Quantity:   vt.D("1"),
		Slices:     4,
		Duration:   "40ms",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		o, err := e.mgr.Get(ctx, parent.ID)
		return err == nil && o.Status == domain.OrderStatusFilled
	}, 2*time.Second, 5*time.Millisecond)

	kids := e.children(t, parent.ID)
	require.Len(t, kids, 4)
	for _, k := range kids {
		assert.True(t, k.Quantity.Equal(vt.D("0.25")), "slice %s", k.Quantity)
	}
}

func TestVWAPUsesProfile(t *testing.T) {
	e := newEnv(t, paper("p"))
	ctx := context.Background()

	parent, err := e.mgr.Place(ctx, ordermgr.PlaceRequest{
		Kind:       domain.KindVWAP,
		Instrument: btc,
		Side:       domain.SideBuy,
		Quantity:   vt.D("2"),
		Slices:     2,
		Duration:   "20ms",
		Profile:    []decimal.Decimal{vt.D("1"), vt.D("3")},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		o, err := e.mgr.Get(ctx, parent.ID)
		return err == nil && o.Status == domain.OrderStatusFilled
	}, 2*time.Second, 5*time.Millisecond)

	var sizes []string
	for _, k := range e.children(t, parent.ID) {
		sizes = append(sizes, k.Quantity.String())
	}
	assert.ElementsMatch(t, []string{"0.5", "1.5"}, sizes)
}

func TestCancelStopsSlicer(t *testing.T) {
	e := newEnv(t, paper("p"))
	ctx := context.Background()

	parent, err := e.mgr.Place(ctx, ordermgr.PlaceRequest{
		Kind:       domain.KindTWAP,
		Instrument: btc,
		Side:       domain.SideBuy,
		Quantity:   vt.D("1"),
		Slices:     5,
		Duration:   "10s",
	})
	require.NoError(t, err)

	got, err := e.mgr.Cancel(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, got.Status)

	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, len(e.children(t, parent.ID)), 1)

	_, err = e.mgr.Cancel(ctx, parent.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestBracketArmsExitsAfterEntryFill(t *testing.T) {
	e := newEnv(t, paper("p"))
	ctx := context.Background()
	e.mark("100")

	parent, err := e.mgr.Place(ctx, ordermgr.PlaceRequest{
		Kind:       domain.KindBracket,
		Instrument: btc,
		Side:       domain.SideBuy,
		Quantity:   vt.D("1"),
		StopLoss:   dec("95"),
		TakeProfit: dec("110"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRouted, parent.Status)
	assert.Equal(t, domain.OrderStatusFilled, e.leg(t, parent.ID, domain.LegEntry).Status)

	sl := e.leg(t, parent.ID, domain.LegStopLoss)
	tp := e.leg(t, parent.ID, domain.LegTakeProfit)
	assert.Equal(t, domain.SideSell, sl.Side)
	assert.Equal(t, domain.OrderStatusPending, sl.Status)
	assert.Equal(t, domain.OrderStatusRouted, tp.Status)

	e.mark("94")
	e.mgr.Poll(ctx)

	assert.Equal(t, domain.OrderStatusFilled, e.leg(t, parent.ID, domain.LegStopLoss).Status)
	assert.Equal(t, domain.OrderStatusCancelled, e.leg(t, parent.ID, domain.LegTakeProfit).Status)

	got, err := e.mgr.Get(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.False(t, got.Degraded)
}

func TestBracketDegradesWhenExitFails(t *testing.T) {
	stub := vt.Wrap(paper("p"))
	var calls atomic.Int32
	stub.On("place_order", func(context.Context) error {
		if calls.Add(1) > 1 {
			return fmt.Errorf("venue refused: %w", domain.ErrInvalidOrderSpec)
		}
		return nil
	})
	e := newEnv(t, stub)
	ctx := context.Background()

	parent, err := e.mgr.Place(ctx, ordermgr.PlaceRequest{
		Kind:       domain.KindBracket,
		Instrument: btc,
		Side:       domain.SideBuy,
		Quantity:   vt.D("1"),
		StopLoss:   dec("95"),
		TakeProfit: dec("110"),
	})
	require.NoError(t, err)
	assert.True(t, parent.Degraded)
	assert.Equal(t, domain.OrderStatusFilled, parent.Status)
	assert.Equal(t, domain.OrderStatusCancelled, e.leg(t, parent.ID, domain.LegStopLoss).Status)
	assert.Equal(t, domain.OrderStatusRejected, e.leg(t, parent.ID, domain.LegTakeProfit).Status)
	assert.Len(t, e.pub.ofType(domain.EventOrderDegraded), 1)
}

func TestCancelScopeByInstrument(t *testing.T) {
	p := paper("p")
	p.SetBook(standardBook("p", eth))
	e := newEnv(t, p)
	ctx := context.Background()

	ob, err := e.mgr.Place(ctx, ordermgr.PlaceRequest{Instrument: btc, Side: domain.SideBuy, Quantity: vt.D("1"), Price: dec("90")})
	require.NoError(t, err)
	oe, err := e.mgr.Place(ctx, ordermgr.PlaceRequest{Instrument: eth, Side: domain.SideBuy, Quantity: vt.D("1"), Price: dec("90")})
	require.NoError(t, err)

	n, err := e.mgr.CancelScope(ctx, domain.EmergencyScope{Instrument: btc}, "halt")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	gotB, _ := e.mgr.Get(ctx, ob.ID)
	gotE, _ := e.mgr.Get(ctx, oe.ID)
	assert.Equal(t, domain.OrderStatusCancelled, gotB.Status)
	assert.Equal(t, "halt", gotB.Reason)
	assert.Equal(t, domain.OrderStatusRouted, gotE.Status)
	assert.Len(t, e.mgr.Open(), 1)
}

func TestCancelScopeReportsVenueFailures(t *testing.T) {
	stub := vt.Wrap(paper("p"))
	e := newEnv(t, stub)
	ctx := context.Background()

	_, err := e.mgr.Place(ctx, ordermgr.PlaceRequest{Instrument: btc, Side: domain.SideBuy, Quantity: vt.D("1"), Price: dec("90")})
	require.NoError(t, err)
	stub.Fail("cancel_order")

	n, err := e.mgr.CancelScope(ctx, domain.EmergencyScope{}, "halt")
	assert.Equal(t, 0, n)
	var pf *domain.PartialFailure
	require.True(t, errors.As(err, &pf))
	assert.Contains(t, pf.Failures, domain.VenueID("p"))
}

func TestFillsNeverExceedQuantityAndTransitionsStayLegal(t *testing.T) {
	statuses := []domain.OrderStatus{
		domain.OrderStatusRouted,
		domain.OrderStatusPartiallyFilled,
		domain.OrderStatusFilled,
		domain.OrderStatusCancelled,
		domain.OrderStatusRejected,
	}
	rapid.Check(t, func(rt *rapid.T) {
		e := newEnv(t, paper("p"))
		ctx := context.Background()
		qty := rapid.IntRange(1, 10).Draw(rt, "qty")

		o, err := e.mgr.Place(ctx, ordermgr.PlaceRequest{
			Instrument: btc,
			Side:       domain.SideBuy,
			Quantity:   decimal.NewFromInt(int64(qty)),
			Price:      dec("90"),
		})
		if err != nil {
			rt.Fatalf("place: %v", err)
		}

		prev := decimal.Zero
		steps := rapid.IntRange(1, 15).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			if rapid.Bool().Draw(rt, fmt.Sprintf("cancel%d", i)) {
				_, _ = e.mgr.Cancel(ctx, o.ID)
			} else {
				filled := rapid.IntRange(0, 2*qty).Draw(rt, fmt.Sprintf("filled%d", i))
				st := rapid.SampledFrom(statuses).Draw(rt, fmt.Sprintf("status%d", i))
				_ = e.mgr.ApplyAck(ctx, o.ID, domain.OrderAck{
					Status:         st,
					FilledQuantity: decimal.NewFromInt(int64(filled)),
					AvgPrice:       vt.D("90"),
				})
			}
			got, err := e.mgr.Get(ctx, o.ID)
			if err != nil {
				rt.Fatalf("get: %v", err)
			}
			if got.FilledQuantity.GreaterThan(got.Quantity) {
				rt.Fatalf("filled %s > quantity %s", got.FilledQuantity, got.Quantity)
			}
			if got.FilledQuantity.LessThan(prev) {
				rt.Fatalf("filled quantity went backwards: %s -> %s", prev, got.FilledQuantity)
			}
			prev = got.FilledQuantity
		}

		for _, c := range e.pub.changes(t) {
			if c.From == "" {
				continue
			}
			if !ordermgr.CanTransition(c.From, c.To) {
				rt.Fatalf("illegal transition %s -> %s", c.From, c.To)
			}
		}
	})
}
