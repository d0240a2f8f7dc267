// Package memory implements the domain store interfaces in process memory.
// It backs paper mode and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/alanyoungcy/venuecore/internal/domain"
)

var (
	_ domain.OrderStore        = (*OrderStore)(nil)
	_ domain.RiskSnapshotStore = (*RiskSnapshotStore)(nil)
	_ domain.AuditStore        = (*AuditStore)(nil)
	_ domain.CredentialStore   = (*CredentialStore)(nil)
)

// OrderStore keeps orders in a map.
type OrderStore struct {
	mu     sync.RWMutex
	orders map[string]domain.Order
}

func NewOrderStore() *OrderStore {
	return &OrderStore{orders: make(map[string]domain.Order)}
}

func (s *OrderStore) Save(_ context.Context, o domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o
	return nil
}

func (s *OrderStore) GetByID(_ context.Context, id string) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.Order{}, fmt.Errorf("memory: order %s: %w", id, domain.ErrNotFound)
	}
	return o, nil
}

// List returns matching orders newest first.
func (s *OrderStore) List(_ context.Context, f domain.OrderFilter) ([]domain.Order, error) {
	s.mu.RLock()
	out := make([]domain.Order, 0, len(s.orders))
	for _, o := range s.orders {
		if f.Match(o) {
			out = append(out, o)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, f.Offset, f.Limit), nil
}

// RiskSnapshotStore keeps snapshots in append order.
type RiskSnapshotStore struct {
	mu    sync.RWMutex
	snaps []domain.RiskSnapshot
	max   int
}

// NewRiskSnapshotStore keeps at most max snapshots (0 means unbounded).
func NewRiskSnapshotStore(max int) *RiskSnapshotStore {
	return &RiskSnapshotStore{max: max}
}

func (s *RiskSnapshotStore) Append(_ context.Context, snap domain.RiskSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	s.snaps = append(s.snaps, snap.Clone())
	if s.max > 0 && len(s.snaps) > s.max {
		s.snaps = append([]domain.RiskSnapshot(nil), s.snaps[len(s.snaps)-s.max:]...)
	}
	return nil
}

func (s *RiskSnapshotStore) Latest(_ context.Context) (domain.RiskSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.snaps) == 0 {
		return domain.RiskSnapshot{}, fmt.Errorf("memory: latest snapshot: %w", domain.ErrNotFound)
	}
	return s.snaps[len(s.snaps)-1].Clone(), nil
}

// List returns snapshots oldest first within the optional time window.
func (s *RiskSnapshotStore) List(_ context.Context, opts domain.ListOpts) ([]domain.RiskSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.RiskSnapshot, 0, len(s.snaps))
	for _, snap := range s.snaps {
		if opts.Since != nil && snap.Timestamp.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !snap.Timestamp.Before(*opts.Until) {
			continue
		}
		out = append(out, snap.Clone())
	}
	return page(out, opts.Offset, opts.Limit), nil
}

// AuditStore is an append-only slice.
type AuditStore struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
}

func NewAuditStore() *AuditStore { return &AuditStore{} }

func (s *AuditStore) Log(_ context.Context, e domain.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
	return nil
}

// List returns entries oldest first within the optional time window.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AuditEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !e.CreatedAt.Before(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	return page(out, opts.Offset, opts.Limit), nil
}

// CredentialStore maps venues to sealed credentials.
type CredentialStore struct {
	mu    sync.RWMutex
	creds map[domain.VenueID]domain.VenueCredential
}

func NewCredentialStore() *CredentialStore {
	return &CredentialStore{creds: make(map[domain.VenueID]domain.VenueCredential)}
}

func (s *CredentialStore) Put(_ context.Context, c domain.VenueCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.Sealed = append([]byte(nil), c.Sealed...)
	s.creds[c.Venue] = c
	return nil
}

func (s *CredentialStore) Get(_ context.Context, v domain.VenueID) (domain.VenueCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[v]
	if !ok {
		return domain.VenueCredential{}, fmt.Errorf("memory: credential %s: %w", v, domain.ErrNotFound)
	}
	return c, nil
}

func (s *CredentialStore) List(_ context.Context) ([]domain.VenueCredential, error) {
	s.mu.RLock()
	out := make([]domain.VenueCredential, 0, len(s.creds))
	for _, c := range s.creds {
		out = append(out, c)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Venue < out[j].Venue })
	return out, nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
