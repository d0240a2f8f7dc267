package venue_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/venuecore/internal/crypto"
	"github.com/alanyoungcy/venuecore/internal/domain"
	"github.com/alanyoungcy/venuecore/internal/store/memory"
	"github.com/alanyoungcy/venuecore/internal/venue"
	"github.com/alanyoungcy/venuecore/internal/venue/venuetest"
)

func signedBalances(secret string) http.HandlerFunc {
	auth := crypto.HMACAuth{Secret: secret}
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		want := auth.Signature(r.Header.Get(crypto.HeaderTimestamp), r.Method, r.URL.RequestURI(), body)
		if r.Header.Get(crypto.HeaderSignature) != want {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"balances":{"USDT":"1000"}}`))
	}
}

func TestProvisioner_SealsSecretsAndReplaces(t *testing.T) {
	srv := httptest.NewServer(signedBalances("s3cret"))
	defer srv.Close()

	vault, err := crypto.NewVault("pass", "", 1000)
	require.NoError(t, err)
	creds := memory.NewCredentialStore()
	audit := memory.NewAuditStore()
	reg := venue.NewRegistry(time.Minute, venuetest.Discard())
	p := venue.NewProvisioner(reg, creds, vault, audit, venue.Options{CallTimeout: time.Second}, venuetest.Discard())
	ctx := context.Background()

	cfg := domain.VenueConfig{ID: "r1", Kind: domain.VenueKindREST, BaseURL: srv.URL, APIKey: "key-1", APISecret: "s3cret"}
	created, err := p.Upsert(ctx, "ops", cfg)
	require.NoError(t, err)
	assert.True(t, created)

	stored, err := creds.Get(ctx, "r1")
	require.NoError(t, err)
	assert.NotContains(t, string(stored.Sealed), "s3cret")
	kept, _ := reg.Config("r1")
	assert.Empty(t, kept.APISecret)

	_, ok := reg.TestConnection(ctx, "r1")
	assert.True(t, ok)

	// A fee update without a secret reuses the sealed one.
	cfg.APISecret = ""
	cfg.Fees = domain.FeeSchedule{TakerBps: venuetest.D("10")}
	created, err = p.Upsert(ctx, "ops", cfg)
	require.NoError(t, err)
	assert.False(t, created)
	assert.False(t, reg.IsEligible("r1"), "replaced venue needs a fresh test")
	_, ok = reg.TestConnection(ctx, "r1")
	assert.True(t, ok)

	entries, err := audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.AuditVenueRegistered, entries[0].Action)
	assert.Equal(t, domain.AuditVenueUpdated, entries[1].Action)
}

func TestProvisioner_RejectsInvalidConfig(t *testing.T) {
	reg := venue.NewRegistry(time.Minute, venuetest.Discard())
	p := venue.NewProvisioner(reg, nil, nil, nil, venue.Options{}, venuetest.Discard())

	_, err := p.Upsert(context.Background(), "ops", domain.VenueConfig{ID: "x", Kind: domain.VenueKindREST})
	assert.ErrorIs(t, err, domain.ErrInvalidOrderSpec, "rest venues need a base url")

	created, err := p.Upsert(context.Background(), "ops", domain.VenueConfig{ID: "p", Kind: domain.VenueKindPaper})
	require.NoError(t, err)
	assert.True(t, created)
	_, ok := reg.Get("p")
	assert.True(t, ok)
}
