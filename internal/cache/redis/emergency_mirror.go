package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/venuecore/internal/domain"
)

// EmergencyMirror implements domain.EmergencyMirror as one JSON document.
// Whoever stores last wins; controllers adopt it on refresh.
type EmergencyMirror struct {
	c *Client
}

// NewEmergencyMirror creates an EmergencyMirror backed by c.
func NewEmergencyMirror(c *Client) *EmergencyMirror {
	return &EmergencyMirror{c: c}
}

// Store replaces the shared state.
func (m *EmergencyMirror) Store(ctx context.Context, state domain.EmergencyState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("redis: marshal emergency state: %w", err)
	}
	if err := m.c.rdb.Set(ctx, m.c.Key("emergency", "state"), data, 0).Err(); err != nil {
		return fmt.Errorf("redis: store emergency state: %w", err)
	}
	return nil
}

// Load returns the shared state, or domain.ErrNotFound if none was stored.
func (m *EmergencyMirror) Load(ctx context.Context) (domain.EmergencyState, error) {
	data, err := m.c.rdb.Get(ctx, m.c.Key("emergency", "state")).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.EmergencyState{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.EmergencyState{}, fmt.Errorf("redis: load emergency state: %w", err)
	}
	var state domain.EmergencyState
	if err := json.Unmarshal(data, &state); err != nil {
		return domain.EmergencyState{}, fmt.Errorf("redis: decode emergency state: %w", err)
	}
	return state, nil
}

var _ domain.EmergencyMirror = (*EmergencyMirror)(nil)
