package marketview

import (
	"context"
	"testing"
	"time"

	"github.com/alanyoungcy/venuecore/internal/domain"
	"github.com/alanyoungcy/venuecore/internal/venue/venuetest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const btc = domain.Instrument("BTC/USDT")

var (
	D     = venuetest.D
	level = venuetest.Level
)

func priorities(m map[domain.VenueID]int) PriorityFunc {
	return func(id domain.VenueID) int { return m[id] }
}

func TestView_MergesAndRanksBest(t *testing.T) {
	v := New(time.Minute, priorities(map[domain.VenueID]int{"a": 1, "b": 0}))
	v.Update(venuetest.Book("a", btc,
		[]domain.PriceLevel{level("100", "1"), level("99", "5")},
		[]domain.PriceLevel{level("101", "1"), level("103", "1")},
	))
	v.Update(venuetest.Book("b", btc,
		[]domain.PriceLevel{level("100", "2"), level("98", "1")},
		[]domain.PriceLevel{level("102", "4")},
	))

	bid, ok := v.BestBid(btc)
	require.True(t, ok)
	// same price: priority 0 venue wins
	assert.Equal(t, domain.VenueID("b"), bid.Venue)
	assert.True(t, D("100").Equal(bid.Price))

	ask, ok := v.BestAsk(btc)
	require.True(t, ok)
	assert.Equal(t, domain.VenueID("a"), ask.Venue)
	assert.True(t, D("101").Equal(ask.Price))

	bids := v.Levels(btc, domain.SideBuy, 0)
	require.Len(t, bids, 4)
	var prices []string
	for _, l := range bids {
		prices = append(prices, l.Price.String()+"@"+string(l.Venue))
	}
	assert.Equal(t, []string{"100@b", "100@a", "99@a", "98@b"}, prices)

	mid, ok := v.Mid(btc)
	require.True(t, ok)
	assert.True(t, D("100.5").Equal(mid))
}

func TestView_TieBreaksOnSizeWithinPriority(t *testing.T) {
	v := New(time.Minute, nil)
	v.Update(venuetest.Book("a", btc, []domain.PriceLevel{level("100", "1")}, nil))
	v.Update(venuetest.Book("b", btc, []domain.PriceLevel{level("100", "3")}, nil))

	bid, ok := v.BestBid(btc)
	require.True(t, ok)
	assert.Equal(t, domain.VenueID("b"), bid.Venue)
}

func TestView_DepthAt(t *testing.T) {
	v := New(time.Minute, nil)
	v.Update(venuetest.Book("a", btc,
		[]domain.PriceLevel{level("100", "1"), level("99", "2")},
		[]domain.PriceLevel{level("101", "1"), level("102", "2")},
	))
	v.Update(venuetest.Book("b", btc,
		[]domain.PriceLevel{level("99.5", "4")},
		[]domain.PriceLevel{level("101.5", "3")},
	))

	assert.True(t, D("5").Equal(v.DepthAt(btc, domain.SideBuy, D("99.5"))))
	assert.True(t, D("7").Equal(v.DepthAt(btc, domain.SideBuy, D("90"))))
	assert.True(t, D("4").Equal(v.DepthAt(btc, domain.SideSell, D("101.5"))))
	assert.True(t, decimal.Zero.Equal(v.DepthAt(btc, domain.SideSell, D("100"))))
	assert.True(t, decimal.Zero.Equal(v.DepthAt("ETH/USDT", domain.SideSell, D("100"))))
}

func TestView_ExcludesStaleVenues(t *testing.T) {
	now := time.Now()
	v := New(5*time.Second, nil)
	v.now = func() time.Time { return now }

	old := venuetest.Book("old", btc, []domain.PriceLevel{level("105", "1")}, []domain.PriceLevel{level("95", "1")})
	old.Timestamp = now.Add(-10 * time.Second)
	v.Update(old)
	v.Update(venuetest.Book("new", btc, []domain.PriceLevel{level("100", "1")}, []domain.PriceLevel{level("101", "1")}))

	bid, ok := v.BestBid(btc)
	require.True(t, ok)
	assert.Equal(t, domain.VenueID("new"), bid.Venue)
	assert.NotContains(t, v.VenueBooks(btc), domain.VenueID("old"))

	// "new" ages out without any further update.
	now = now.Add(10 * time.Second)
	_, ok = v.BestBid(btc)
	assert.False(t, ok)
	_, ok = v.VenueBook(btc, "new")
	assert.False(t, ok)
}

type recordingPublisher struct{ events []domain.Event }

func (p *recordingPublisher) Publish(_ context.Context, ev domain.Event) error {
	p.events = append(p.events, ev)
	return nil
}

func TestRefresher_PollsEligibleVenues(t *testing.T) {
	a := venuetest.NewPaper("a", 0)
	a.SetBook(venuetest.Book("a", btc, []domain.PriceLevel{level("100", "1")}, []domain.PriceLevel{level("101", "1")}))
	b := venuetest.Wrap(venuetest.NewPaper("b", 0))
	b.Fail("order_book")

	view := New(time.Minute, nil)
	pub := &recordingPublisher{}
	r := NewRefresher(view, func() []VenueBooker { return []VenueBooker{a, b} },
		RefresherConfig{Instruments: []domain.Instrument{btc}, Depth: 10, Parallelism: 1}, pub, nil, venuetest.Discard())

	r.Refresh(context.Background())

	books := view.VenueBooks(btc)
	assert.Len(t, books, 1)
	assert.Contains(t, books, domain.VenueID("a"))
	require.Len(t, pub.events, 1)
	assert.Equal(t, domain.EventQuote, pub.events[0].Type)
}
