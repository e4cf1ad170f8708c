package eventflow

import (
	"context"
	"fmt"
)

// Session is a read-for-write unit of work over one stream: the folded
// aggregate, the expected version captured at load time (the concurrency
// token), and local buffers for new events and staged outgoing messages.
//
// Append and StageMessage only buffer; nothing is externally visible until
// the session is committed. Zero appended events and zero staged messages
// are both valid — a command cycle may decide "no-op".
type Session[T any] struct {
	StreamID string

	// Aggregate is the snapshot folded from events 1..ExpectedVersion.
	Aggregate T

	// ExpectedVersion is the stream version observed at load time. Commit
	// verifies no other writer advanced the stream past it.
	ExpectedVersion uint64

	guard    StreamState
	events   []Event
	messages []Message
}

// FetchForWriting loads the stream, folds it through the projector and
// returns a Session holding the aggregate and the captured version.
//
// Fails with ErrStreamNotFound if the stream has zero events; projection
// defects (ErrMissingCreationEvent, *UnknownEventTypeError) propagate
// unmodified.
func FetchForWriting[T any](ctx context.Context, store EventStore, projector *Projector[T], streamID string) (*Session[T], error) {
	iter, err := store.LoadStream(ctx, streamID)
	if err != nil {
		return nil, fmt.Errorf("fetch stream %q for writing: %w", streamID, err)
	}

	aggregate, version, err := projector.Project(ctx, iter)
	if err != nil {
		return nil, err
	}

	return &Session[T]{
		StreamID:        streamID,
		Aggregate:       aggregate,
		ExpectedVersion: version,
		guard:           Revision(version),
	}, nil
}

// StartStream returns the degenerate creation session: no events exist yet,
// the aggregate is the zero value and commit uses the NoStream guard, so
// creating a stream that already exists fails with ErrStreamExists instead
// of silently overwriting.
func StartStream[T any](streamID string) *Session[T] {
	return &Session[T]{
		StreamID: streamID,
		guard:    NoStream{},
	}
}

// Append buffers new events for commit.
func (s *Session[T]) Append(events ...Event) {
	s.events = append(s.events, events...)
}

// StageMessage buffers outgoing messages for commit. Staged messages are
// private to this session until the commit succeeds.
func (s *Session[T]) StageMessage(messages ...Message) {
	s.messages = append(s.messages, messages...)
}

// PendingEvents returns the buffered, not-yet-committed events.
func (s *Session[T]) PendingEvents() []Event {
	return s.events
}

// StagedMessages returns the buffered, not-yet-committed messages.
func (s *Session[T]) StagedMessages() []Message {
	return s.messages
}
