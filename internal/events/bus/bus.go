// Package bus provides event bus abstractions for the skill runner.
//
// The orchestrator publishes a notification on each persisted run event;
// observability subscribers use the notification to pull the new rows from
// the run store by sequence number.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects for run lifecycle notifications.
const (
	RunEvents   = "run.events"   // per-run persisted-event notifications
	RunStatus   = "run.status"   // run status transitions
	RunTerminal = "run.terminal" // run reached a terminal status
)

// BuildRunEventsSubject creates an event-notification subject for a run.
func BuildRunEventsSubject(runID string) string {
	return RunEvents + "." + runID
}

// BuildRunStatusSubject creates a status subject for a run.
func BuildRunStatusSubject(runID string) string {
	return RunStatus + "." + runID
}

// BuildRunTerminalSubject creates a terminal-marker subject for a run.
func BuildRunTerminalSubject(runID string) string {
	return RunTerminal + "." + runID
}

// Event represents a message on the event bus
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"` // Component that produced the event
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
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

	// Subscribe creates a subscription to a subject pattern
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}
