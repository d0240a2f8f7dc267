package venue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/venuecore/internal/crypto"
	"github.com/alanyoungcy/venuecore/internal/domain"
	"github.com/alanyoungcy/venuecore/internal/validation"
)

// Sealer encrypts venue secrets at rest.
type Sealer interface {
	SealSecret(venue string, s crypto.VenueSecret) ([]byte, error)
	OpenSecret(venue string, sealed []byte) (crypto.VenueSecret, error)
}

// Provisioner registers venues at runtime. Secrets are sealed into the
// credential store and never kept in the registry.
type Provisioner struct {
	registry *Registry
	creds    domain.CredentialStore
	sealer   Sealer
	audit    domain.AuditStore
	opts     Options
	validate *validation.Validator
	logger   *slog.Logger
	now      func() time.Time
}

// NewProvisioner creates a Provisioner. creds and sealer may be nil, in
// which case secrets must arrive with every registration.
func NewProvisioner(registry *Registry, creds domain.CredentialStore, sealer Sealer, audit domain.AuditStore, opts Options, logger *slog.Logger) *Provisioner {
	p := &Provisioner{
		registry: registry,
		creds:    creds,
		sealer:   sealer,
		audit:    audit,
		validate: validation.New(),
		logger:   logger.With(slog.String("component", "venue_provisioner")),
		now:      func() time.Time { return time.Now().UTC() },
	}
	if opts.SecretResolver == nil && creds != nil && sealer != nil {
		opts.SecretResolver = p.resolveSecret
	}
	p.opts = opts
	return p
}

// Upsert registers cfg, or replaces the adapter when the id already exists.
// A replaced venue must pass a connection test before routing resumes.
func (p *Provisioner) Upsert(ctx context.Context, actor string, cfg domain.VenueConfig) (created bool, err error) {
	if err := p.validate.Struct(cfg, domain.ErrInvalidOrderSpec); err != nil {
		return false, fmt.Errorf("venue_provisioner: %w", err)
	}
	if cfg.APISecret != "" {
		if err := p.storeSecret(ctx, cfg); err != nil {
			return false, err
		}
	}

	a, err := New(cfg, p.opts, p.logger)
	if err != nil {
		return false, fmt.Errorf("venue_provisioner: build %s: %w", cfg.ID, err)
	}

	action := domain.AuditVenueUpdated
	if _, exists := p.registry.Get(cfg.ID); exists {
		err = p.registry.Replace(cfg, a)
	} else {
		err = p.registry.Register(cfg, a)
		action, created = domain.AuditVenueRegistered, true
	}
	if err != nil {
		return false, err
	}

	if p.audit != nil {
		entry := domain.AuditEntry{
			Action: action,
			Actor:  actor,
			Reason: "venue " + string(cfg.ID),
			Detail: map[string]any{
				"kind":     cfg.Kind,
				"priority": cfg.Priority,
				"fees":     cfg.Fees,
				"api_key":  crypto.Redact(cfg.APIKey),
			},
			CreatedAt: p.now(),
		}
		if err := p.audit.Log(ctx, entry); err != nil {
			p.logger.Warn("audit write failed", slog.String("venue", string(cfg.ID)), slog.String("error", err.Error()))
		}
	}
	return created, nil
}

func (p *Provisioner) storeSecret(ctx context.Context, cfg domain.VenueConfig) error {
	if p.creds == nil || p.sealer == nil {
		return nil
	}
	sealed, err := p.sealer.SealSecret(string(cfg.ID), crypto.VenueSecret{APISecret: cfg.APISecret})
	if err != nil {
		return fmt.Errorf("venue_provisioner: seal %s: %w", cfg.ID, err)
	}
	err = p.creds.Put(ctx, domain.VenueCredential{
		Venue:     cfg.ID,
		APIKey:    cfg.APIKey,
		Sealed:    sealed,
		UpdatedAt: p.now(),
	})
	if err != nil {
		return fmt.Errorf("venue_provisioner: store credential %s: %w", cfg.ID, err)
	}
	return nil
}

func (p *Provisioner) resolveSecret(id domain.VenueID) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cred, err := p.creds.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	s, err := p.sealer.OpenSecret(string(id), cred.Sealed)
	if err != nil {
		return "", err
	}
	return s.APISecret, nil
}
