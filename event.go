package eventflow

import (
	"time"

	"github.com/google/uuid"
)

// InstrumentationVersion is reported to OpenTelemetry by the telemetry
// decorators in the otel subpackage.
const InstrumentationVersion = "0.1.0"

var now = time.Now

// Event is a domain event describing a change that has happened to an aggregate.
type Event interface {
	AggregateID() string
	EventType() string
}

// Envelope wraps an Event with the bookkeeping the store needs: identity,
// stream placement and ordering.
//
// Version is 1-based and contiguous within a stream; a stream's current
// version equals the number of committed events. GlobalVersion is assigned
// by stores that maintain a store-wide ordered feed and is zero otherwise.
type Envelope struct {
	EventID       uuid.UUID
	StreamID      string
	Metadata      map[string]any
	Event         Event
	Version       uint64
	GlobalVersion uint64
	OccurredAt    time.Time
}
