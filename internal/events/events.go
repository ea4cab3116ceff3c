// Package events publishes completion events from the background workers.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	// SchemaVersionV1 is the first version of the event payload schema.
	SchemaVersionV1 = 1

	TypeConsolidationCompleted = "memory.consolidation.completed"
	TypeCleanupCompleted       = "memory.cleanup.completed"
	TypeReplayCompleted        = "memory.replay.completed"
)

// ErrNilEvent indicates a nil event was provided to a publisher.
var ErrNilEvent = errors.New("nil event")

// Event is a transport-neutral worker event.
type Event struct {
	SchemaVersion int              `json:"schema_version"`
	ID            string           `json:"event_id"`
	Type          string           `json:"event_type"`
	EmittedAt     time.Time        `json:"emitted_at"`
	Source        string           `json:"source"`
	Counts        map[string]int64 `json:"counts,omitempty"`
}

// New builds an event with a fresh id.
func New(eventType, source string, counts map[string]int64, now time.Time) *Event {
	return &Event{
		SchemaVersion: SchemaVersionV1,
		ID:            uuid.NewString(),
		Type:          eventType,
		EmittedAt:     now.UTC(),
		Source:        source,
		Counts:        counts,
	}
}

// Publisher publishes events to a backend.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
	Close() error
}

// Nop drops events; used when publishing is disabled.
type Nop struct{}

// Publish validates input and otherwise does nothing.
func (Nop) Publish(_ context.Context, event *Event) error {
	if event == nil {
		return ErrNilEvent
	}
	return nil
}

// Close is a no-op.
func (Nop) Close() error { return nil }
