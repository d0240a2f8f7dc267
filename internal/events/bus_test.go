package events_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/venuecore/internal/domain"
	"github.com/alanyoungcy/venuecore/internal/events"
	vt "github.com/alanyoungcy/venuecore/internal/venue/venuetest"
)

type collector struct {
	mu  sync.Mutex
	got []domain.Event
	err error
}

func (c *collector) Name() string { return "collector" }

func (c *collector) Deliver(_ context.Context, ev domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, ev)
	return c.err
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.got))
	for i, ev := range c.got {
		out[i] = ev.ID
	}
	return out
}

type drops struct {
	mu      sync.Mutex
	dropped int
	failed  []string
}

func (d *drops) EventDropped(domain.EventType) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropped++
}

func (d *drops) SinkFailed(s string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failed = append(d.failed, s)
}

func event(id string, t domain.EventType) domain.Event {
	return domain.Event{ID: id, Type: t, At: time.Now()}
}

// runToCompletion cancels ctx up front so Run only drains what is queued.
func runToCompletion(t *testing.T, bus *events.Bus) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, bus.Run(ctx), context.Canceled)
}

func TestQuotesDropOldest(t *testing.T) {
	c := &collector{}
	obs := &drops{}
	bus := events.NewBus(events.Config{QuoteBuffer: 2}, vt.Discard(), c)
	bus.SetObserver(obs)
	ctx := context.Background()

	for _, id := range []string{"q1", "q2", "q3", "q4"} {
		require.NoError(t, bus.Publish(ctx, event(id, domain.EventQuote)))
	}
	assert.Equal(t, int64(2), bus.Dropped())
	assert.Equal(t, 2, obs.dropped)

	runToCompletion(t, bus)
	assert.Equal(t, []string{"q3", "q4"}, c.ids())
}

func TestCriticalEventsBlockInsteadOfDropping(t *testing.T) {
	bus := events.NewBus(events.Config{CriticalBuffer: 1}, vt.Discard())
	require.NoError(t, bus.Publish(context.Background(), event("s1", domain.EventOrderStatus)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := bus.Publish(ctx, event("s2", domain.EventRiskBreach))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, bus.Dropped())
}

func TestRunDeliversCriticalFirst(t *testing.T) {
	c := &collector{}
	bus := events.NewBus(events.Config{}, vt.Discard(), c)
	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, event("q1", domain.EventQuote)))
	require.NoError(t, bus.Publish(ctx, event("b1", domain.EventRiskBreach)))
	require.NoError(t, bus.Publish(ctx, event("s1", domain.EventOrderStatus)))

	runToCompletion(t, bus)
	assert.Equal(t, []string{"b1", "s1", "q1"}, c.ids())
}

func TestFailingSinkDoesNotStarveOthers(t *testing.T) {
	bad := &collector{err: errors.New("broker down")}
	good := &collector{}
	obs := &drops{}
	bus := events.NewBus(events.Config{}, vt.Discard(), events.SinkFunc{ID: "bad", Fn: bad.Deliver}, good)
	bus.SetObserver(obs)

	require.NoError(t, bus.Publish(context.Background(), event("e1", domain.EventOrderStatus)))
	runToCompletion(t, bus)

	assert.Equal(t, []string{"e1"}, good.ids())
	assert.Equal(t, []string{"bad"}, obs.failed)
}

func TestRunDeliversWhileLive(t *testing.T) {
	c := &collector{}
	bus := events.NewBus(events.Config{}, vt.Discard(), c)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bus.Run(ctx) }()

	require.NoError(t, bus.Publish(ctx, event("e1", domain.EventEmergencyChanged)))
	require.Eventually(t, func() bool { return len(c.ids()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("bus did not stop")
	}
}
