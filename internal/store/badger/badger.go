// Package badger implements the domain stores on an embedded BadgerDB so a
// single node keeps its history without an external database.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"

	"github.com/alanyoungcy/venuecore/internal/domain"
)

// Key layout. Time ordered prefixes use zero padded unix nanos so that the
// byte order of keys is chronological.
const (
	orderPrefix    = "order/"
	snapshotPrefix = "snapshot/"
	auditPrefix    = "audit/"
	credPrefix     = "cred/"
)

// DB owns the badger handle shared by the stores.
type DB struct {
	db *badger.DB
}

// Open opens (or creates) the database at path. An empty path opens an
// in-memory database.
func Open(path string) (*DB, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open %q: %w", path, err)
	}
	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// RunGC reclaims value log space once. Callers schedule it.
func (d *DB) RunGC() error {
	err := d.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
		return nil
	}
	return err
}

func timeKey(prefix string, t time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", prefix, t.UnixNano(), id))
}

func (d *DB) put(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

func (d *DB) get(key []byte, v any) error {
	return d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(raw []byte) error {
			return json.Unmarshal(raw, v)
		})
	})
}

// scan calls fn with the value of every key under prefix, in key order or
// reversed.
func (d *DB) scan(prefix string, reverse bool, fn func(raw []byte) error) error {
	return d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.Reverse = reverse
		it := txn.NewIterator(opts)
		defer it.Close()

		start := []byte(prefix)
		if reverse {
			// Seek lands on the largest key <= seek, so step past the prefix.
			start = append([]byte(prefix), 0xff)
		}
		for it.Seek(start); it.ValidForPrefix([]byte(prefix)); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}

// OrderStore implements domain.OrderStore.
type OrderStore struct{ d *DB }

func NewOrderStore(d *DB) *OrderStore { return &OrderStore{d: d} }

func (s *OrderStore) Save(_ context.Context, o domain.Order) error {
	if err := s.d.put([]byte(orderPrefix+o.ID), o); err != nil {
		return fmt.Errorf("badger: save order %s: %w", o.ID, err)
	}
	return nil
}

func (s *OrderStore) GetByID(_ context.Context, id string) (domain.Order, error) {
	var o domain.Order
	if err := s.d.get([]byte(orderPrefix+id), &o); err != nil {
		return domain.Order{}, fmt.Errorf("badger: order %s: %w", id, err)
	}
	return o, nil
}

// List returns matching orders newest first. Orders are keyed by id, so the
// scan is full and sorted in memory.
func (s *OrderStore) List(_ context.Context, f domain.OrderFilter) ([]domain.Order, error) {
	var out []domain.Order
	err := s.d.scan(orderPrefix, false, func(raw []byte) error {
		var o domain.Order
		if err := json.Unmarshal(raw, &o); err != nil {
			return err
		}
		if f.Match(o) {
			out = append(out, o)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger: list orders: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, f.Offset, f.Limit), nil
}

// RiskSnapshotStore implements domain.RiskSnapshotStore.
type RiskSnapshotStore struct{ d *DB }

func NewRiskSnapshotStore(d *DB) *RiskSnapshotStore { return &RiskSnapshotStore{d: d} }

func (s *RiskSnapshotStore) Append(_ context.Context, snap domain.RiskSnapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if err := s.d.put(timeKey(snapshotPrefix, snap.Timestamp, snap.ID), snap); err != nil {
		return fmt.Errorf("badger: append snapshot: %w", err)
	}
	return nil
}

func (s *RiskSnapshotStore) Latest(_ context.Context) (domain.RiskSnapshot, error) {
	var (
		snap  domain.RiskSnapshot
		found bool
	)
	err := s.d.scan(snapshotPrefix, true, func(raw []byte) error {
		if found {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &snap)
	})
	if err != nil {
		return domain.RiskSnapshot{}, fmt.Errorf("badger: latest snapshot: %w", err)
	}
	if !found {
		return domain.RiskSnapshot{}, fmt.Errorf("badger: latest snapshot: %w", domain.ErrNotFound)
	}
	return snap, nil
}

// List returns snapshots oldest first within the optional window.
func (s *RiskSnapshotStore) List(_ context.Context, opts domain.ListOpts) ([]domain.RiskSnapshot, error) {
	var out []domain.RiskSnapshot
	err := s.d.scan(snapshotPrefix, false, func(raw []byte) error {
		var snap domain.RiskSnapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return err
		}
		if inWindow(snap.Timestamp, opts) {
			out = append(out, snap)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger: list snapshots: %w", err)
	}
	return page(out, opts.Offset, opts.Limit), nil
}

// AuditStore implements domain.AuditStore.
type AuditStore struct{ d *DB }

func NewAuditStore(d *DB) *AuditStore { return &AuditStore{d: d} }

func (s *AuditStore) Log(_ context.Context, e domain.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if err := s.d.put(timeKey(auditPrefix, e.CreatedAt, e.ID), e); err != nil {
		return fmt.Errorf("badger: log audit %s: %w", e.Action, err)
	}
	return nil
}

// List returns entries oldest first within the optional window.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	err := s.d.scan(auditPrefix, false, func(raw []byte) error {
		var e domain.AuditEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		if inWindow(e.CreatedAt, opts) {
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger: list audit: %w", err)
	}
	return page(out, opts.Offset, opts.Limit), nil
}

// CredentialStore implements domain.CredentialStore.
type CredentialStore struct{ d *DB }

func NewCredentialStore(d *DB) *CredentialStore { return &CredentialStore{d: d} }

func (s *CredentialStore) Put(_ context.Context, c domain.VenueCredential) error {
	if err := s.d.put([]byte(credPrefix+string(c.Venue)), c); err != nil {
		return fmt.Errorf("badger: put credential %s: %w", c.Venue, err)
	}
	return nil
}

func (s *CredentialStore) Get(_ context.Context, venue domain.VenueID) (domain.VenueCredential, error) {
	var c domain.VenueCredential
	if err := s.d.get([]byte(credPrefix+string(venue)), &c); err != nil {
		return domain.VenueCredential{}, fmt.Errorf("badger: credential %s: %w", venue, err)
	}
	return c, nil
}

func (s *CredentialStore) List(_ context.Context) ([]domain.VenueCredential, error) {
	var out []domain.VenueCredential
	err := s.d.scan(credPrefix, false, func(raw []byte) error {
		var c domain.VenueCredential
		if err := json.Unmarshal(raw, &c); err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger: list credentials: %w", err)
	}
	return out, nil
}

func inWindow(t time.Time, opts domain.ListOpts) bool {
	if opts.Since != nil && t.Before(*opts.Since) {
		return false
	}
	if opts.Until != nil && !t.Before(*opts.Until) {
		return false
	}
	return true
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

var (
	_ domain.OrderStore        = (*OrderStore)(nil)
	_ domain.RiskSnapshotStore = (*RiskSnapshotStore)(nil)
	_ domain.AuditStore        = (*AuditStore)(nil)
	_ domain.CredentialStore   = (*CredentialStore)(nil)
)
