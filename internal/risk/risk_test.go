package risk_test

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/venuecore/internal/domain"
	"github.com/alanyoungcy/venuecore/internal/risk"
	"github.com/alanyoungcy/venuecore/internal/store/memory"
	vt "github.com/alanyoungcy/venuecore/internal/venue/venuetest"
)

const btc = domain.Instrument("BTC/USDT")

func TestKellyCap(t *testing.T) {
	raw, capped, err := risk.Kelly(0.6, 0.08, 0.05, 0.25)
	require.NoError(t, err)
	assert.InDelta(t, 0.35, raw, 1e-12)
	assert.InDelta(t, 0.25, capped, 1e-12)

	_, capped, err = risk.Kelly(0.6, 0.08, 0.05, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.35, capped, 1e-12)

	raw, capped, err = risk.Kelly(0.2, 0.05, 0.05, 0.25)
	require.NoError(t, err)
	assert.Less(t, raw, 0.0)
	assert.Equal(t, 0.0, capped)

	_, _, err = risk.Kelly(0.6, 0.08, 0, 0.25)
	assert.ErrorIs(t, err, risk.ErrInsufficientData)
}

func TestSizingModels(t *testing.T) {
	q, err := risk.FixedFraction(100_000, 0.01, 100, 95)
	require.NoError(t, err)
	assert.InDelta(t, 200, q, 1e-9)

	_, err = risk.FixedFraction(100_000, 0.01, 100, 100)
	assert.ErrorIs(t, err, risk.ErrInsufficientData)

	q, err = risk.VolatilityTarget(100_000, 50, 0.1, 0.4)
	require.NoError(t, err)
	assert.InDelta(t, 500, q, 1e-9)

	w, err := risk.RiskParity([]float64{0.1, 0.2, 0.4})
	require.NoError(t, err)
	require.Len(t, w, 3)
	assert.InDelta(t, 1, w[0]+w[1]+w[2], 1e-12)
	assert.InDelta(t, 2, w[0]/w[1], 1e-12)
	assert.InDelta(t, 2, w[1]/w[2], 1e-12)
}

func normalReturns(n int, mu, sigma float64, seed uint64) []float64 {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	out := make([]float64, n)
	for i := range out {
		out[i] = mu + sigma*rng.NormFloat64()
	}
	return out
}

func TestVaRMethodsConvergeOnNormalData(t *testing.T) {
	returns := normalReturns(5000, 0.0005, 0.02, 7)
	cmp, err := risk.CompareVaR(returns, 0.95, 1_000_000, 20000, 42)
	require.NoError(t, err)

	// z(0.95)·σ − μ for the generating distribution.
	want := 1.6448536269514722*0.02 - 0.0005
	for _, v := range []risk.VaRResult{cmp.Historical, cmp.Parametric, cmp.MonteCarlo} {
		assert.InEpsilon(t, want, v.Percent, 0.15, "%s", v.Method)
		assert.InDelta(t, v.Percent*1_000_000, v.Amount, 1e-6)
		assert.Greater(t, v.ExpectedShortfall, v.Percent, "%s shortfall beyond var", v.Method)
	}
	assert.Less(t, cmp.Spread, 0.15*want)
	assert.Equal(t, 5000, cmp.Observations)
}

func TestMonteCarloIsSeeded(t *testing.T) {
	returns := normalReturns(500, 0, 0.01, 3)
	a, err := risk.MonteCarloVaR(returns, 0.99, 1, 1000, 9)
	require.NoError(t, err)
	b, err := risk.MonteCarloVaR(returns, 0.99, 1, 1000, 9)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestVaRRejectsShortSeries(t *testing.T) {
	_, err := risk.HistoricalVaR([]float64{0.01}, 0.95, 1)
	assert.ErrorIs(t, err, risk.ErrInsufficientData)
	_, err = risk.ParametricVaR([]float64{0.01, 0.02}, 1.5, 1)
	assert.ErrorIs(t, err, risk.ErrInsufficientData)
}

func TestDrawdownHysteresis(t *testing.T) {
	d := risk.NewDrawdown(0.10, 0.5)
	d.Update(100)
	assert.InDelta(t, 0.15, d.Update(85), 1e-12)
	assert.True(t, d.Active())
	assert.Equal(t, 0.5, d.Scaling())

	d.Update(94)
	assert.True(t, d.Active(), "6%% is not below half the threshold")

	d.Update(96)
	assert.False(t, d.Active())
	assert.Equal(t, 1.0, d.Scaling())
	assert.Equal(t, 100.0, d.Peak())
}

func TestCorrelationMatrix(t *testing.T) {
	a := []float64{0.01, -0.02, 0.03, 0.00, -0.01}
	b := make([]float64, len(a))
	c := make([]float64, len(a))
	for i, v := range a {
		b[i] = 2 * v
		c[i] = -v
	}
	insts, m := risk.CorrelationMatrix(map[domain.Instrument][]float64{
		"A": a, "B": append([]float64{0.5}, b...), "C": c, "D": {0.1},
	})
	require.Equal(t, []domain.Instrument{"A", "B", "C"}, insts)
	assert.InDelta(t, 1, m[0][1], 1e-9)
	assert.InDelta(t, -1, m[0][2], 1e-9)
	assert.InDelta(t, 1, m[1][1], 1e-12)

	maxCorr, avg := risk.PairStats(m)
	assert.InDelta(t, 1, maxCorr, 1e-9)
	assert.InDelta(t, -1.0/3, avg, 1e-9)
}

type book struct {
	mu   sync.Mutex
	aggs []domain.AggregatePosition
	mids map[domain.Instrument]decimal.Decimal
}

func (b *book) Aggregates() []domain.AggregatePosition {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.AggregatePosition(nil), b.aggs...)
}

func (b *book) Mid(inst domain.Instrument) (decimal.Decimal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.mids[inst]
	return m, ok
}

func (b *book) setMid(inst domain.Instrument, s string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mids[inst] = vt.D(s)
}

type sink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *sink) Publish(_ context.Context, ev domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *sink) count(t domain.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type fixture struct {
	book   *book
	pub    *sink
	snaps  *memory.RiskSnapshotStore
	audit  *memory.AuditStore
	engine *risk.Engine
}

func newFixture(t *testing.T, limits domain.RiskLimits) *fixture {
	t.Helper()
	f := &fixture{
		book: &book{
			aggs: []domain.AggregatePosition{{Instrument: btc, Quantity: vt.D("10"), AvgEntryPrice: vt.D("100")}},
			mids: map[domain.Instrument]decimal.Decimal{btc: vt.D("100")},
		},
		pub:   &sink{},
		snaps: memory.NewRiskSnapshotStore(0),
		audit: memory.NewAuditStore(),
	}
	f.engine = risk.NewEngine(f.book, f.book, f.snaps, f.audit, f.pub, risk.Config{
		Limits:        limits,
		Equity:        1000,
		DrawdownScale: 0.5,
	}, vt.Discard())
	return f
}

func defaultLimits() domain.RiskLimits {
	return domain.RiskLimits{
		MaxPortfolioDrawdown: 0.10,
		MaxPositionSize:      11,
		MaxSectorExposure:    5,
		MaxCorrelation:       0.9,
		MaxAvgCorrelation:    0.9,
		MaxVaR:               0.5,
		MaxLeverage:          5,
		MaxKelly:             0.25,
	}
}

func order(side domain.Side, qty string) domain.Order {
	return domain.Order{ID: "o1", Instrument: btc, Side: side, Quantity: vt.D(qty)}
}

func TestCheckRequiresFreshSnapshot(t *testing.T) {
	f := newFixture(t, defaultLimits())
	_, err := f.engine.Check(context.Background(), order(domain.SideBuy, "1"))
	assert.ErrorIs(t, err, domain.ErrStaleSnapshot)

	_, err = f.engine.Evaluate(context.Background())
	require.NoError(t, err)
	qty, err := f.engine.Check(context.Background(), order(domain.SideBuy, "1"))
	require.NoError(t, err)
	assert.True(t, qty.Equal(vt.D("1")))
}

func TestCheckClipsToPositionLimit(t *testing.T) {
	f := newFixture(t, defaultLimits())
	_, err := f.engine.Evaluate(context.Background())
	require.NoError(t, err)

	qty, err := f.engine.Check(context.Background(), order(domain.SideBuy, "4"))
	require.NoError(t, err)
	assert.True(t, qty.Equal(vt.D("1")), "holding 10 with a limit of 11")

	qty, err = f.engine.Check(context.Background(), order(domain.SideSell, "4"))
	require.NoError(t, err)
	assert.True(t, qty.Equal(vt.D("4")))

	limits := defaultLimits()
	limits.MaxPositionSize = 10
	require.NoError(t, f.engine.SetLimits(context.Background(), "ops", limits))
	_, err = f.engine.Check(context.Background(), order(domain.SideBuy, "1"))
	assert.ErrorIs(t, err, domain.ErrRiskBreach)
}

func TestDrawdownScalesNewExposureOnly(t *testing.T) {
	f := newFixture(t, defaultLimits())
	ctx := context.Background()
	_, err := f.engine.Evaluate(ctx)
	require.NoError(t, err)

	f.book.setMid(btc, "80")
	snap, err := f.engine.Evaluate(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 800, snap.Equity, 1e-9)
	assert.InDelta(t, 0.2, snap.CurrentDrawdown, 1e-9)
	assert.Equal(t, 0.5, snap.ScalingFactor)
	require.Len(t, snap.Breaches, 1)
	assert.Equal(t, domain.BreachDrawdown, snap.Breaches[0].Kind)
	assert.Empty(t, snap.Blocking(), "drawdown protection scales instead of blocking")
	assert.Equal(t, 1, f.pub.count(domain.EventRiskBreach))
	assert.Equal(t, 2, f.pub.count(domain.EventRiskSnapshot))

	qty, err := f.engine.Check(ctx, order(domain.SideSell, "10"))
	require.NoError(t, err)
	assert.True(t, qty.Equal(vt.D("10")), "closing the long is not scaled, got %s", qty)

	qty, err = f.engine.Check(ctx, order(domain.SideBuy, "1"))
	require.NoError(t, err)
	assert.True(t, qty.Equal(vt.D("0.5")), "new exposure is scaled, got %s", qty)

	qty, err = f.engine.Check(ctx, order(domain.SideSell, "14"))
	require.NoError(t, err)
	assert.True(t, qty.Equal(vt.D("12")), "10 to flatten plus 4 scaled to 2, got %s", qty)

	latest, err := f.snaps.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap.ID, latest.ID)
}

func TestBlockingBreachAdmitsReductionsUntilOverride(t *testing.T) {
	limits := defaultLimits()
	limits.MaxLeverage = 0.5
	f := newFixture(t, limits)
	ctx := context.Background()
	snap, err := f.engine.Evaluate(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Blocking(), 1)
	assert.Equal(t, domain.BreachLeverage, snap.Blocking()[0].Kind)

	_, err = f.engine.Check(ctx, order(domain.SideBuy, "1"))
	var rb *domain.RiskBreachError
	require.ErrorAs(t, err, &rb)
	assert.ErrorIs(t, err, domain.ErrRiskBreach)

	qty, err := f.engine.Check(ctx, order(domain.SideSell, "4"))
	require.NoError(t, err)
	assert.True(t, qty.Equal(vt.D("4")))

	qty, err = f.engine.Check(ctx, order(domain.SideSell, "12"))
	require.NoError(t, err)
	assert.True(t, qty.Equal(vt.D("10")), "only the reducing part passes, got %s", qty)

	require.NoError(t, f.engine.Override(ctx, "ops", "manual unwind", time.Now().Add(time.Minute)))
	qty, err = f.engine.Check(ctx, order(domain.SideBuy, "1"))
	require.NoError(t, err)
	assert.True(t, qty.Equal(vt.D("1")))

	entries, err := f.audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.AuditRiskOverride, entries[0].Action)
}

func TestSizeAppliesScaling(t *testing.T) {
	f := newFixture(t, defaultLimits())
	ctx := context.Background()
	_, _ = f.engine.Evaluate(ctx)
	f.book.setMid(btc, "80")
	_, _ = f.engine.Evaluate(ctx)

	res, err := f.engine.Size(risk.SizingRequest{
		Method:  risk.SizingKelly,
		Equity:  1000,
		Price:   10,
		WinRate: 0.6,
		AvgWin:  0.08,
		AvgLoss: 0.05,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.35, res.RawFraction, 1e-12)
	assert.InDelta(t, 0.25, res.Fraction, 1e-12)
	assert.InDelta(t, 0.25*0.5*1000/10, res.Quantity, 1e-9)
}

func TestEvaluateComputesPortfolioVaR(t *testing.T) {
	limits := defaultLimits()
	limits.MaxVaR = 0.9
	f := newFixture(t, limits)
	ctx := context.Background()

	rng := rand.New(rand.NewPCG(1, 2))
	px := 100.0
	var snap domain.RiskSnapshot
	for i := 0; i < 40; i++ {
		px *= 1 + 0.01*rng.NormFloat64()
		f.book.setMid(btc, decimal.NewFromFloat(px).StringFixed(4))
		var err error
		snap, err = f.engine.Evaluate(ctx)
		require.NoError(t, err)
	}
	assert.Greater(t, snap.VaRPercent, 0.0)
	assert.False(t, math.IsNaN(snap.ExpectedShortfall))
	assert.Equal(t, []domain.Instrument{btc}, snap.Instruments)

	cmp, err := f.engine.CompareVaR(nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 39, cmp.Observations)
}
