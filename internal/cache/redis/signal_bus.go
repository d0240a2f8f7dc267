package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/venuecore/internal/domain"
)

// SignalBus implements domain.SignalBus on Redis pub/sub. Channel names are
// namespaced by the client.
type SignalBus struct {
	c *Client
}

// NewSignalBus creates a SignalBus backed by c.
func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{c: c}
}

// Publish sends payload to channel.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.c.rdb.Publish(ctx, sb.c.Key(channel), payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns a channel of payloads published to channel, which may
// be a glob pattern. The returned channel closes when ctx is done.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	name := sb.c.Key(channel)
	var pubsub *redis.PubSub
	if hasPattern(channel) {
		pubsub = sb.c.rdb.PSubscribe(ctx, name)
	} else {
		pubsub = sb.c.rdb.Subscribe(ctx, name)
	}

	// Wait for the subscription confirmation.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func hasPattern(channel string) bool {
	return strings.ContainsAny(channel, "*?[")
}

var _ domain.SignalBus = (*SignalBus)(nil)

// EventChannel is the pub/sub channel carrying events of type t.
func EventChannel(t domain.EventType) string {
	return "events:" + string(t)
}

// EventSink publishes every delivered event as JSON on EventChannel.
type EventSink struct {
	bus domain.SignalBus
}

// NewEventSink creates an EventSink over bus.
func NewEventSink(bus domain.SignalBus) *EventSink {
	return &EventSink{bus: bus}
}

// Name implements events.Sink.
func (s *EventSink) Name() string { return "redis" }

// Deliver implements events.Sink.
func (s *EventSink) Deliver(ctx context.Context, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}
	return s.bus.Publish(ctx, EventChannel(ev.Type), data)
}

// Bridge subscribes to every event channel on bus and republishes the
// decoded events into pub. Monitor mode uses it to stream the events of a
// trading peer without running its own engines.
func Bridge(ctx context.Context, bus domain.SignalBus, pub domain.Publisher, logger *slog.Logger) error {
	ch, err := bus.Subscribe(ctx, "events:*")
	if err != nil {
		return err
	}
	logger = logger.With(slog.String("component", "event_bridge"))
	logger.Info("event bridge started")
	defer logger.Info("event bridge stopped")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return ctx.Err()
			}
			var ev domain.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				logger.Warn("decode bridged event", slog.String("error", err.Error()))
				continue
			}
			if err := pub.Publish(ctx, ev); err != nil {
				return err
			}
		}
	}
}
