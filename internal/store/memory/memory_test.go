package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/venuecore/internal/domain"
	"github.com/alanyoungcy/venuecore/internal/store/memory"
)

func TestOrderStoreUpsertAndFilter(t *testing.T) {
	ctx := context.Background()
	s := memory.NewOrderStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, st := range []domain.OrderStatus{domain.OrderStatusRouted, domain.OrderStatusFilled, domain.OrderStatusCancelled} {
		require.NoError(t, s.Save(ctx, domain.Order{
			ID:         string(rune('a' + i)),
			Instrument: "BTC/USDT",
			Status:     st,
			Quantity:   decimal.NewFromInt(1),
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}
	o, err := s.GetByID(ctx, "a")
	require.NoError(t, err)
	o.Status = domain.OrderStatusFilled
	require.NoError(t, s.Save(ctx, o))

	filled, err := s.List(ctx, domain.OrderFilter{Status: domain.OrderStatusFilled})
	require.NoError(t, err)
	require.Len(t, filled, 2)
	assert.Equal(t, "b", filled[0].ID, "newest first")

	open, err := s.List(ctx, domain.OrderFilter{OpenOnly: true})
	require.NoError(t, err)
	assert.Empty(t, open)

	_, err = s.GetByID(ctx, "zz")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	paged, err := s.List(ctx, domain.OrderFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, "b", paged[0].ID)
}

func TestRiskSnapshotStoreBoundedHistory(t *testing.T) {
	ctx := context.Background()
	s := memory.NewRiskSnapshotStore(2)

	_, err := s.Latest(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	now := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Append(ctx, domain.RiskSnapshot{Timestamp: now.Add(time.Duration(i) * time.Second), Equity: float64(i)}))
	}
	latest, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2.0, latest.Equity)
	assert.NotEmpty(t, latest.ID)

	all, err := s.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestCredentialStore(t *testing.T) {
	ctx := context.Background()
	s := memory.NewCredentialStore()
	sealed := []byte{1, 2, 3}
	require.NoError(t, s.Put(ctx, domain.VenueCredential{Venue: "x", APIKey: "k", Sealed: sealed}))
	sealed[0] = 9

	got, err := s.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got.Sealed)

	_, err = s.Get(ctx, "y")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
