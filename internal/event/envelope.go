package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for ledger events
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypePostingCommitted
	EventTypeInvoiceAttached
	EventTypeJobDeadLettered
)

// Envelope is the wire form of every outbound ledger event.
type Envelope struct {
	// Unique per emitted event
	ID uuid.UUID `json:"id"`

	// Stable key downstream consumers dedup on
	IdempotencyKey string `json:"idempotency_key"`

	EventType string `json:"event_type"`

	UserID uuid.UUID `json:"user_id"`

	Timestamp time.Time `json:"timestamp"`

	Payload Event `json:"payload"`
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Owner returns the user the event concerns
	Owner() uuid.UUID
}

// Wrap builds the envelope for evt.
func Wrap(evt Event, now time.Time) Envelope {
	return Envelope{
		ID:             uuid.New(),
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType().String(),
		UserID:         evt.Owner(),
		Timestamp:      now,
		Payload:        evt,
	}
}

func (et EventType) String() string {
	switch et {
	case EventTypePostingCommitted:
		return "PostingCommitted"
	case EventTypeInvoiceAttached:
		return "InvoiceAttached"
	case EventTypeJobDeadLettered:
		return "JobDeadLettered"
	default:
		return "Unknown"
	}
}

// Sink receives events once the state they describe is durable. Emit must not
// block the caller.
type Sink interface {
	Emit(evt Event)
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(Event) {}
