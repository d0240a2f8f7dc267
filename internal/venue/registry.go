package venue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/venuecore/internal/domain"
)

// Registry owns the configured venue adapters keyed by venue id. A venue is
// eligible for routing only after a successful connection test within the
// health TTL.
type Registry struct {
	mu        sync.RWMutex
	venues    map[domain.VenueID]*entry
	healthTTL time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

type entry struct {
	adapter Adapter
	cfg     domain.VenueConfig
	health  health
}

type health struct {
	ok       bool
	latency  time.Duration
	testedAt time.Time
	lastErr  string
}

// NewRegistry creates an empty registry.
func NewRegistry(healthTTL time.Duration, logger *slog.Logger) *Registry {
	if healthTTL <= 0 {
		healthTTL = time.Minute
	}
	return &Registry{
		venues:    make(map[domain.VenueID]*entry),
		healthTTL: healthTTL,
		logger:    logger.With(slog.String("component", "venue_registry")),
		now:       time.Now,
	}
}

// Register adds a venue. Ids are unique among registered venues; a removed
// id may be registered again.
func (r *Registry) Register(cfg domain.VenueConfig, a Adapter) error {
	if cfg.ID == "" || cfg.ID != a.ID() {
		return fmt.Errorf("venue_registry: adapter id %q does not match config id %q", a.ID(), cfg.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.venues[cfg.ID]; ok {
		return fmt.Errorf("venue_registry: register %s: %w", cfg.ID, domain.ErrDuplicateVenue)
	}
	cfg.APISecret = ""
	r.venues[cfg.ID] = &entry{adapter: a, cfg: cfg}
	r.logger.Info("venue registered", slog.String("venue", string(cfg.ID)), slog.String("kind", string(cfg.Kind)))
	return nil
}

// Replace swaps the adapter of an existing venue, e.g. after a credential
// or fee update. The venue must pass a new connection test before it is
// eligible again.
func (r *Registry) Replace(cfg domain.VenueConfig, a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.venues[cfg.ID]; !ok {
		return fmt.Errorf("venue_registry: replace %s: %w", cfg.ID, domain.ErrNotFound)
	}
	cfg.APISecret = ""
	r.venues[cfg.ID] = &entry{adapter: a, cfg: cfg}
	r.logger.Info("venue updated", slog.String("venue", string(cfg.ID)))
	return nil
}

// Remove deregisters a venue.
func (r *Registry) Remove(id domain.VenueID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.venues, id)
}

// Get returns the adapter for id.
func (r *Registry) Get(id domain.VenueID) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.venues[id]
	if !ok {
		return nil, false
	}
	return e.adapter, true
}

// Config returns the registered configuration (secret stripped).
func (r *Registry) Config(id domain.VenueID) (domain.VenueConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.venues[id]
	if !ok {
		return domain.VenueConfig{}, false
	}
	return e.cfg, true
}

// Priority returns the tie-break priority of id; unknown venues sort last.
func (r *Registry) Priority(id domain.VenueID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.venues[id]; ok {
		return e.cfg.Priority
	}
	return int(^uint(0) >> 1)
}

// All returns every registered adapter ordered by priority then id.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sorted(func(*entry) bool { return true })
}

// Eligible returns the adapters whose last connection test succeeded within
// the health TTL.
func (r *Registry) Eligible() []Adapter {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sorted(func(e *entry) bool {
		return e.health.ok && now.Sub(e.health.testedAt) <= r.healthTTL
	})
}

// IsEligible reports whether id is currently eligible.
func (r *Registry) IsEligible(id domain.VenueID) bool {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.venues[id]
	return ok && e.health.ok && now.Sub(e.health.testedAt) <= r.healthTTL
}

func (r *Registry) sorted(keep func(*entry) bool) []Adapter {
	es := make([]*entry, 0, len(r.venues))
	for _, e := range r.venues {
		if keep(e) {
			es = append(es, e)
		}
	}
	sort.Slice(es, func(i, j int) bool {
		if es[i].cfg.Priority != es[j].cfg.Priority {
			return es[i].cfg.Priority < es[j].cfg.Priority
		}
		return es[i].cfg.ID < es[j].cfg.ID
	})
	out := make([]Adapter, len(es))
	for i, e := range es {
		out[i] = e.adapter
	}
	return out
}

// TestConnection probes the venue with a balance query and records the
// result for health gating.
func (r *Registry) TestConnection(ctx context.Context, id domain.VenueID) (time.Duration, bool) {
	a, ok := r.Get(id)
	if !ok {
		return 0, false
	}

	start := r.now()
	_, err := a.Balances(ctx)
	latency := r.now().Sub(start)

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.venues[id]
	if !ok || e.adapter != a {
		return latency, err == nil
	}
	was := e.health.ok
	e.health = health{ok: err == nil, latency: latency, testedAt: r.now()}
	if err != nil {
		e.health.lastErr = err.Error()
	}
	if was != e.health.ok {
		r.logger.Info("venue health changed",
			slog.String("venue", string(id)),
			slog.Bool("healthy", e.health.ok),
			slog.Duration("latency", latency),
			slog.String("error", e.health.lastErr),
		)
	}
	return latency, err == nil
}

// TestAll probes every venue concurrently.
func (r *Registry) TestAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, a := range r.All() {
		wg.Add(1)
		go func(id domain.VenueID) {
			defer wg.Done()
			r.TestConnection(ctx, id)
		}(a.ID())
	}
	wg.Wait()
}

// Run re-tests all venues on interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	r.TestAll(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.TestAll(ctx)
		}
	}
}

// Status lists every venue for the query API.
func (r *Registry) Status() []domain.VenueStatus {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.VenueStatus, 0, len(r.venues))
	for _, e := range r.venues {
		out = append(out, domain.VenueStatus{
			ID:         e.cfg.ID,
			Kind:       e.cfg.Kind,
			Priority:   e.cfg.Priority,
			Healthy:    e.health.ok && now.Sub(e.health.testedAt) <= r.healthTTL,
			Latency:    e.health.latency,
			LastTested: e.health.testedAt,
			LastError:  e.health.lastErr,
			Fees:       e.adapter.Fees(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
