package venue_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alanyoungcy/venuecore/internal/domain"
	"github.com/alanyoungcy/venuecore/internal/venue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restVenue(t *testing.T, h http.HandlerFunc) *venue.REST {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return venue.NewREST(domain.VenueConfig{
		ID:      "rest-a",
		Kind:    domain.VenueKindREST,
		BaseURL: srv.URL,
		APIKey:  "key-1",
		Symbols: map[domain.Instrument]string{"ETH/USDT": "eth_usdt"},
	}, "s3cret", srv.Client())
}

func TestREST_SignsRequests(t *testing.T) {
	var gotSym string
	v := restVenue(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mac := hmac.New(sha256.New, []byte("s3cret"))
		mac.Write([]byte(r.Header.Get("X-TIMESTAMP") + r.Method + r.URL.RequestURI()))
		mac.Write(body)
		if r.Header.Get("X-API-KEY") != "key-1" || r.Header.Get("X-SIGNATURE") != hex.EncodeToString(mac.Sum(nil)) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		gotSym = r.URL.Query().Get("symbol")
		_, _ = w.Write([]byte(`{"bids":[["99.5","2"]],"asks":[["100.5",1]],"ts":1700000000000}`))
	})

	book, err := v.OrderBook(context.Background(), "ETH/USDT", 5)
	require.NoError(t, err)
	assert.Equal(t, "eth_usdt", gotSym)
	require.Len(t, book.Bids, 1)
	assert.True(t, D("99.5").Equal(book.Bids[0].Price))
	assert.True(t, D("1").Equal(book.Asks[0].Size))
	assert.Equal(t, int64(1700000000000), book.Timestamp.UnixMilli())
}

func TestREST_StatusMapping(t *testing.T) {
	cases := []struct {
		code int
		want error
	}{
		{http.StatusBadRequest, domain.ErrInvalidOrderSpec},
		{http.StatusNotFound, domain.ErrNotFound},
		{http.StatusServiceUnavailable, domain.ErrVenueUnavailable},
		{http.StatusTooManyRequests, domain.ErrVenueUnavailable},
	}
	for _, tc := range cases {
		v := restVenue(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.code)
			_, _ = w.Write([]byte(`{"code":"x","message":"nope"}`))
		})
		_, err := v.PlaceOrder(context.Background(), domain.OrderSpec{
			Instrument: "BTC/USDT", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Quantity: D("1"),
		})
		assert.ErrorIs(t, err, tc.want, "status %d", tc.code)
	}
}

func TestREST_PlaceOrderDecodesAck(t *testing.T) {
	v := restVenue(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/orders", r.URL.Path)
		_, _ = w.Write([]byte(`{"order_id":"v-1","status":"partially_filled","filled_quantity":"0.5","avg_price":"101"}`))
	})
	ack, err := v.PlaceOrder(context.Background(), domain.OrderSpec{
		Instrument: "BTC/USDT", Side: domain.SideBuy, Type: domain.OrderTypeLimit, Quantity: D("1"), Price: D("101"),
	})
	require.NoError(t, err)
	assert.Equal(t, "v-1", ack.VenueOrderID)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, ack.Status)
	assert.True(t, D("0.5").Equal(ack.FilledQuantity))
	assert.Equal(t, "BTCUSDT", v.Symbol("BTC/USDT"))
}

func TestREST_TransportFailureIsVenueUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	v := venue.NewREST(domain.VenueConfig{ID: "down", Kind: domain.VenueKindREST, BaseURL: url}, "", nil)
	_, err := v.Balances(context.Background())
	assert.ErrorIs(t, err, domain.ErrVenueUnavailable)
}
