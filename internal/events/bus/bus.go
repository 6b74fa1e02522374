// Package bus provides event bus abstractions for the bridge.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Session lifecycle subjects published by the session manager.
const (
	SubjectSessionCreated   = "bridge.session.created"
	SubjectSessionCompleted = "bridge.session.completed"
	SubjectSessionFailed    = "bridge.session.failed"
	SubjectSessionRemoved   = "bridge.session.removed"

	// SubjectSessionAll matches every session lifecycle subject.
	SubjectSessionAll = "bridge.session.>"
)

// Event represents a message on the event bus
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Source    string      `json:"source"` // Service that produced the event
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations
type EventBus interface {
	// Publish sends an event to a subject
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern. NATS-style
	// wildcards apply: * matches one token, > matches the rest.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection; subscriptions become invalid
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}
