// Package events fans outbound event records out to sinks (websocket, Redis
// pub/sub, Kafka) through two bounded queues: quotes may be dropped under
// backpressure, everything else blocks the publisher instead.
package events

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/venuecore/internal/domain"
)

// Sink receives every event the bus delivers.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev domain.Event) error
}

// Observer is notified of drops and sink failures.
type Observer interface {
	EventDropped(t domain.EventType)
	SinkFailed(sink string)
}

// Config holds queue sizes.
type Config struct {
	QuoteBuffer    int
	CriticalBuffer int
	// DeliverTimeout bounds one Deliver call.
	DeliverTimeout time.Duration
	// DrainTimeout bounds delivery of queued events after shutdown.
	DrainTimeout time.Duration
}

// Bus implements domain.Publisher.
type Bus struct {
	quotes   chan domain.Event
	critical chan domain.Event
	sinks    []Sink
	cfg      Config
	logger   *slog.Logger
	observer atomic.Pointer[Observer]

	dropped atomic.Int64
}

var _ domain.Publisher = (*Bus)(nil)

// NewBus creates a Bus delivering to sinks.
func NewBus(cfg Config, logger *slog.Logger, sinks ...Sink) *Bus {
	if cfg.QuoteBuffer <= 0 {
		cfg.QuoteBuffer = 1024
	}
	if cfg.CriticalBuffer <= 0 {
		cfg.CriticalBuffer = 4096
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = 2 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	return &Bus{
		quotes:   make(chan domain.Event, cfg.QuoteBuffer),
		critical: make(chan domain.Event, cfg.CriticalBuffer),
		sinks:    sinks,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "event_bus")),
	}
}

// SetObserver installs o. Safe to call while running.
func (b *Bus) SetObserver(o Observer) {
	b.observer.Store(&o)
}

// Dropped returns the number of quote events discarded so far.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Publish enqueues ev. Droppable events never block: when the quote queue is
// full the oldest queued quote is discarded. Other events wait for room or
// until ctx is done.
func (b *Bus) Publish(ctx context.Context, ev domain.Event) error {
	if !ev.Type.Droppable() {
		select {
		case b.critical <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for {
		select {
		case b.quotes <- ev:
			return nil
		default:
		}
		select {
		case <-b.quotes:
			b.dropped.Add(1)
			if o := b.observer.Load(); o != nil {
				(*o).EventDropped(domain.EventQuote)
			}
		default:
		}
	}
}

// Run delivers queued events until ctx is done, then drains what is left
// within DrainTimeout. Critical events are preferred over quotes.
func (b *Bus) Run(ctx context.Context) error {
	b.logger.Info("event bus started", slog.Int("sinks", len(b.sinks)))
	defer b.logger.Info("event bus stopped")

	for {
		select {
		case ev := <-b.critical:
			b.deliver(ctx, ev)
			continue
		default:
		}
		select {
		case <-ctx.Done():
			b.drain(context.WithoutCancel(ctx))
			return ctx.Err()
		case ev := <-b.critical:
			b.deliver(ctx, ev)
		case ev := <-b.quotes:
			b.deliver(ctx, ev)
		}
	}
}

func (b *Bus) drain(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.DrainTimeout)
	defer cancel()
	n := 0
	for {
		select {
		case ev := <-b.critical:
			b.deliver(ctx, ev)
		case ev := <-b.quotes:
			b.deliver(ctx, ev)
		default:
			if n > 0 {
				b.logger.Info("event bus drained", slog.Int("events", n))
			}
			return
		}
		n++
		if ctx.Err() != nil {
			b.logger.Warn("event bus drain timed out", slog.Int("delivered", n))
			return
		}
	}
}

func (b *Bus) deliver(ctx context.Context, ev domain.Event) {
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	for _, s := range b.sinks {
		dctx, cancel := context.WithTimeout(ctx, b.cfg.DeliverTimeout)
		err := s.Deliver(dctx, ev)
		cancel()
		if err == nil {
			continue
		}
		b.logger.Warn("sink delivery failed",
			slog.String("sink", s.Name()),
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
		if o := b.observer.Load(); o != nil {
			(*o).SinkFailed(s.Name())
		}
	}
}

// SinkFunc adapts a function to Sink.
type SinkFunc struct {
	ID string
	Fn func(ctx context.Context, ev domain.Event) error
}

func (f SinkFunc) Name() string { return f.ID }

func (f SinkFunc) Deliver(ctx context.Context, ev domain.Event) error { return f.Fn(ctx, ev) }
