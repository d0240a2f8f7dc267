package badger_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/venuecore/internal/domain"
	"github.com/alanyoungcy/venuecore/internal/store/badger"
)

func openDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badger.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOrderStore(t *testing.T) {
	ctx := context.Background()
	s := badger.NewOrderStore(openDB(t))
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	price := decimal.RequireFromString("101.5")

	for i, st := range []domain.OrderStatus{domain.OrderStatusRouted, domain.OrderStatusFilled, domain.OrderStatusCancelled} {
		require.NoError(t, s.Save(ctx, domain.Order{
			ID:         string(rune('a' + i)),
			Instrument: "BTC/USDT",
			Status:     st,
			Quantity:   decimal.RequireFromString("0.12345678"),
			Price:      &price,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}

	o, err := s.GetByID(ctx, "a")
	require.NoError(t, err)
	assert.True(t, o.Quantity.Equal(decimal.RequireFromString("0.12345678")))
	require.NotNil(t, o.Price)
	assert.True(t, o.Price.Equal(price))

	open, err := s.List(ctx, domain.OrderFilter{OpenOnly: true})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "a", open[0].ID)

	all, err := s.List(ctx, domain.OrderFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID, "newest first")

	_, err = s.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSnapshotAndAuditOrdering(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	snaps := badger.NewRiskSnapshotStore(db)
	audit := badger.NewAuditStore(db)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := snaps.Latest(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	for i := 0; i < 3; i++ {
		ts := base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, snaps.Append(ctx, domain.RiskSnapshot{Timestamp: ts, Equity: float64(1000 + i)}))
		require.NoError(t, audit.Log(ctx, domain.AuditEntry{Action: domain.AuditRiskOverride, Actor: "ops", CreatedAt: ts}))
	}

	latest, err := snaps.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1002.0, latest.Equity)
	assert.NotEmpty(t, latest.ID)

	since := base.Add(time.Hour)
	list, err := snaps.List(ctx, domain.ListOpts{Since: &since})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 1001.0, list[0].Equity)

	entries, err := audit.List(ctx, domain.ListOpts{Until: &since})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].CreatedAt.Equal(base))
}

func TestCredentialStore(t *testing.T) {
	ctx := context.Background()
	s := badger.NewCredentialStore(openDB(t))
	require.NoError(t, s.Put(ctx, domain.VenueCredential{Venue: "b", APIKey: "kb", Sealed: []byte{1, 2}}))
	require.NoError(t, s.Put(ctx, domain.VenueCredential{Venue: "a", APIKey: "ka", Sealed: []byte{3}}))

	c, err := s.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, c.Sealed)

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, domain.VenueID("a"), all[0].Venue)

	_, err = s.Get(ctx, "zz")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
