package domain

import (
	"context"
	"time"
)

// QuoteCache mirrors the unified top of book for external readers.
type QuoteCache interface {
	SetTop(ctx context.Context, instrument Instrument, bid, ask MergedLevel, ts time.Time) error
	GetTop(ctx context.Context, instrument Instrument) (bid, ask MergedLevel, ts time.Time, err error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides pub/sub fan-out of raw payloads.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// EmergencyMirror shares halt state with peer processes.
type EmergencyMirror interface {
	Store(ctx context.Context, state EmergencyState) error
	Load(ctx context.Context) (EmergencyState, error)
}
