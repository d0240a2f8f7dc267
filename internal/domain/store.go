package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// OrderStore persists order history. Save is an upsert keyed by order id.
type OrderStore interface {
	Save(ctx context.Context, order Order) error
	GetByID(ctx context.Context, id string) (Order, error)
	List(ctx context.Context, filter OrderFilter) ([]Order, error)
}

// RiskSnapshotStore persists risk snapshot history.
type RiskSnapshotStore interface {
	Append(ctx context.Context, snap RiskSnapshot) error
	Latest(ctx context.Context) (RiskSnapshot, error)
	List(ctx context.Context, opts ListOpts) ([]RiskSnapshot, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor"`
	Reason    string         `json:"reason"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Audit actions.
const (
	AuditEmergencyStop   = "emergency.stop"
	AuditEmergencyReset  = "emergency.reset"
	AuditRiskLimits      = "risk.limits_updated"
	AuditRiskOverride    = "risk.override"
	AuditVenueRegistered = "venue.registered"
	AuditVenueUpdated    = "venue.updated"
)

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, entry AuditEntry) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// CredentialStore persists sealed venue credentials.
type CredentialStore interface {
	Put(ctx context.Context, cred VenueCredential) error
	Get(ctx context.Context, venue VenueID) (VenueCredential, error)
	List(ctx context.Context) ([]VenueCredential, error)
}
