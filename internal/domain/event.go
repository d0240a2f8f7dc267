package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType tags an outbound event record.
type EventType string

const (
	EventQuote              EventType = "quote"
	EventOrderStatus        EventType = "order.status"
	EventOrderDegraded      EventType = "order.degraded"
	EventOrderRejected      EventType = "order.rejected"
	EventArbitrage          EventType = "arbitrage.opportunity"
	EventRiskBreach         EventType = "risk.breach"
	EventRiskSnapshot       EventType = "risk.snapshot"
	EventEmergencyChanged   EventType = "emergency.changed"
	EventReconcileWarning   EventType = "reconcile.warning"
	EventReconcileFailure   EventType = "reconcile.partial_failure"
	EventVenueHealthChanged EventType = "venue.health"
)

// Droppable reports whether the event may be discarded under backpressure.
// Only quotes are; order status and risk breaches are never dropped.
func (t EventType) Droppable() bool {
	return t == EventQuote
}

// Event is a structured record with a type tag and JSON payload.
type Event struct {
	ID      string          `json:"id"`
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// NewEvent marshals payload into an Event stamped with now.
func NewEvent(t EventType, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{ID: uuid.NewString(), Type: t, Payload: raw, At: time.Now().UTC()}, nil
}

// OrderStatusChange is the payload of EventOrderStatus.
type OrderStatusChange struct {
	Order Order       `json:"order"`
	From  OrderStatus `json:"from"`
	To    OrderStatus `json:"to"`
}

// EmergencyChange is the payload of EventEmergencyChanged.
type EmergencyChange struct {
	Action string         `json:"action"`
	Scope  EmergencyScope `json:"scope"`
	Reason string         `json:"reason"`
	Actor  string         `json:"actor,omitempty"`
	State  EmergencyState `json:"state"`
}

// Publisher accepts outbound events. Implementations decide backpressure by
// EventType.Droppable.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}
