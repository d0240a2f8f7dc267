package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// VenueKind selects the adapter implementation at registration.
type VenueKind string

const (
	VenueKindPaper VenueKind = "paper"
	VenueKindREST  VenueKind = "rest"
)

// VenueConfig describes a venue to register or update at runtime.
type VenueConfig struct {
	ID        VenueID                    `json:"id" validate:"required"`
	Kind      VenueKind                  `json:"kind" validate:"required,oneof=paper rest"`
	Priority  int                        `json:"priority" validate:"gte=0"`
	BaseURL   string                     `json:"base_url,omitempty" validate:"required_if=Kind rest"`
	APIKey    string                     `json:"api_key,omitempty"`
	APISecret string                     `json:"api_secret,omitempty"`
	Fees      FeeSchedule                `json:"fees"`
	Symbols   map[Instrument]string      `json:"symbols,omitempty"`
	Balances  map[string]decimal.Decimal `json:"balances,omitempty"`
	// SeedPrices gives a paper venue the mid price it simulates books around.
	SeedPrices map[Instrument]decimal.Decimal `json:"seed_prices,omitempty"`
}

// VenueStatus is the registry view of a venue for the query API.
type VenueStatus struct {
	ID         VenueID       `json:"id"`
	Kind       VenueKind     `json:"kind"`
	Priority   int           `json:"priority"`
	Healthy    bool          `json:"healthy"`
	Latency    time.Duration `json:"latency"`
	LastTested time.Time     `json:"last_tested"`
	LastError  string        `json:"last_error,omitempty"`
	Halted     bool          `json:"halted"`
	Fees       FeeSchedule   `json:"fees"`
}

// VenueCredential is an encrypted API secret at rest.
type VenueCredential struct {
	Venue     VenueID   `json:"venue"`
	APIKey    string    `json:"api_key"`
	Sealed    []byte    `json:"sealed"`
	UpdatedAt time.Time `json:"updated_at"`
}
