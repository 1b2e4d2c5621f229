// Package comms provides the in-process event bus that carries task
// lifecycle events to live consumers.
package comms

import (
	"context"
	"time"
)

// EventType identifies the kind of task event.
type EventType string

const (
	TypeTaskCreated  EventType = "task.created"  // task persisted
	TypeTaskUpdated  EventType = "task.updated"  // fields or status changed outside execution
	TypeTaskDeleted  EventType = "task.deleted"  // task soft-deleted
	TypeTaskExecuted EventType = "task.executed" // one execution attempt finished

	// TypeAll subscribes to every event type.
	TypeAll EventType = "*"
)

// Event is one published task event.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler processes a published event.
type Handler func(ctx context.Context, ev *Event) error

// Bus fans task events out to subscribers.
type Bus interface {
	// Publish delivers ev to handlers subscribed to its type and to TypeAll.
	Publish(ctx context.Context, ev *Event) error

	// Subscribe registers a handler for one event type, or TypeAll.
	// Returns an unsubscribe function.
	Subscribe(t EventType, handler Handler) (unsubscribe func())

	// History returns recent events, optionally only those for one task.
	History(taskID string, limit int) ([]*Event, error)
}
