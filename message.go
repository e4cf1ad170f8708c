package eventflow

import (
	"time"

	"github.com/google/uuid"
)

// Message is an outgoing side-effect instruction produced by a decision step
// alongside domain events ("ship this order"). A message must be delivered
// if and only if the events from the same decision step are durably
// committed; the outbox provides that guarantee.
type Message interface {
	MessageType() string
}

// OutboxMessage is a Message staged for delivery. It is enqueued in the same
// atomic unit as the event append and remains pending until the dispatcher
// marks it dispatched. Delivery is at-least-once: a crash between publish and
// MarkDispatched re-delivers the message on the next poll.
type OutboxMessage struct {
	MessageID  uuid.UUID
	StreamID   string
	Metadata   map[string]any
	Message    Message
	EnqueuedAt time.Time
}
