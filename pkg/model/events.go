package model

import (
	"time"

	"github.com/google/uuid"
)

// EventKind enumerates lifecycle events emitted on state transitions.
type EventKind string

const (
	EventRenewalRequired    EventKind = "renewal_required"
	EventTokenRotated       EventKind = "token_rotated"
	EventKeepAliveDegraded  EventKind = "keepalive_degraded"
	EventKeepAliveRecovered EventKind = "keepalive_recovered"
	EventExpired            EventKind = "expired"
)

// LifecycleEvent is the canonical envelope published to the event bus
// whenever a token lifecycle transition occurs.
type LifecycleEvent struct {
	ID            uuid.UUID      `json:"id"`
	CorrelationID uuid.UUID      `json:"correlation_id"`
	Environment   Environment    `json:"environment"`
	Kind          EventKind      `json:"kind"`
	Venue         string         `json:"venue"`
	Details       map[string]any `json:"details,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}
