package eventflow

import (
	"context"

	"github.com/google/uuid"
)

// EventStore defines the contract for an append-only event store. An
// EventStore persists events associated with a stream ID in sequential
// order, allowing full reconstruction of aggregate state at any point.
//
// Implementations must guarantee:
//   - Events for a given stream are stored in order, with contiguous
//     versions starting at 1 and no gaps, enforced at Save time.
//   - Concurrency control based on the StreamState guard: a Save either
//     fully succeeds (version advanced by exactly len(events)) or fully
//     fails with no events appended.
//   - Iteration order from all Load* methods is deterministic
//     (oldest → newest).
//
// The returned Iterator values are lazy; consume them immediately.
type EventStore interface {
	// Save appends all events in the slice to the stream named by their
	// StreamID. Every envelope in one batch must target the same stream.
	//
	// The revision guard controls the concurrency check:
	//   - Any: always append, no conflict check.
	//   - NoStream: stream must not exist; fails with ErrStreamExists.
	//   - StreamExists: stream must exist; fails with ErrStreamNotFound.
	//   - Revision(n): stream must currently be at version n exactly;
	//     fails with *StreamRevisionConflictError otherwise.
	//
	// The guard check and the append are one atomic unit; this is the
	// single serialization point for concurrent writers.
	Save(ctx context.Context, events []Envelope, revision StreamState) (AppendResult, error)

	// LoadStream loads all events for the given stream from version 1
	// onward. Fails with ErrStreamNotFound if the stream has zero events.
	LoadStream(ctx context.Context, id string) (*Iterator[*Envelope], error)

	// LoadStreamFrom loads events for the given stream starting after the
	// given version (0 loads the whole stream).
	LoadStreamFrom(ctx context.Context, id string, version uint64) (*Iterator[*Envelope], error)

	// LoadFromAll loads events from all streams starting at the given
	// global position, in the store-wide commit order.
	LoadFromAll(ctx context.Context, position uint64) (*Iterator[*Envelope], error)

	// Close releases resources held by the store. Implementations should
	// make Close idempotent.
	Close() error
}

// OutboxStore extends EventStore with the transactional-outbox surface: the
// ability to persist events and enqueue outgoing messages in one atomic
// unit, and to hand pending messages to a dispatcher afterwards.
type OutboxStore interface {
	EventStore

	// SaveWithMessages appends events and enqueues messages atomically
	// under the same revision guard. On any failure (including a revision
	// conflict) no events are appended and no messages are enqueued.
	//
	// Enqueued messages become eligible for asynchronous delivery only
	// once this call returns successfully; delivery itself is the
	// dispatcher's concern and is at-least-once.
	SaveWithMessages(ctx context.Context, events []Envelope, messages []OutboxMessage, revision StreamState) (AppendResult, error)

	// PendingMessages returns up to limit enqueued messages that have not
	// been marked dispatched, oldest first.
	PendingMessages(ctx context.Context, limit int) ([]*OutboxMessage, error)

	// MarkDispatched records that the given messages were handed to the
	// delivery transport. A message never marked dispatched is returned
	// again by PendingMessages, which is what makes delivery
	// at-least-once rather than at-most-once.
	MarkDispatched(ctx context.Context, ids ...uuid.UUID) error
}

// AppendResult describes the outcome of an append operation.
type AppendResult struct {
	Successful          bool
	StreamID            string
	NextExpectedVersion uint64
}
