package eventflow

import (
	"errors"
	"fmt"
)

// Sentinel errors. Callers distinguish error kinds with errors.Is/errors.As;
// no error is ever converted into a partially committed state.
var (
	// ErrStreamNotFound is returned when a load targets a stream with zero
	// committed events. Not retried; surfaced as a client-style failure.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrStreamExists is returned when a Save with the NoStream guard hits a
	// stream that already has at least one event. Creating a stream twice is
	// a conflict, never a silent overwrite.
	ErrStreamExists = errors.New("stream already exists")

	// ErrInvalidRevision is returned for revision guards a store cannot
	// satisfy structurally, e.g. loading from a version past the stream end.
	ErrInvalidRevision = errors.New("invalid stream revision")

	// ErrInvalidEventBatch is returned when a single Save mixes envelopes
	// for different streams or with non-contiguous versions.
	ErrInvalidEventBatch = errors.New("invalid event batch")

	// ErrDomainValidation marks business-rule violations detected by a
	// decision step. Wrapped by deciders via fmt.Errorf("...: %w",
	// ErrDomainValidation); never retried.
	ErrDomainValidation = errors.New("domain validation failed")

	// ErrConflictBudgetExhausted is returned when a command cycle is
	// discarded after its bounded conflict-retry budget is spent. It wraps
	// the last StreamRevisionConflictError.
	ErrConflictBudgetExhausted = errors.New("conflict retry budget exhausted")

	// ErrMissingCreationEvent is returned by a Projector fed a sequence
	// whose first event is not a registered creation event. This is a
	// data-integrity defect, not a recoverable condition.
	ErrMissingCreationEvent = errors.New("stream has no creation event")

	// ErrDuplicateHandler is returned when two handlers are registered for
	// the same event type.
	ErrDuplicateHandler = errors.New("duplicate handler")
)

// StreamRevisionConflictError is the concurrency-specific conflict signal:
// the stream advanced past the revision the writer expected between load and
// commit. It is the only error kind the conflict handler retries.
type StreamRevisionConflictError struct {
	Stream           string
	ExpectedRevision Revision
	ActualRevision   Revision
}

func (e *StreamRevisionConflictError) Error() string {
	return fmt.Sprintf("stream %q revision conflict: expected %d, actual %d",
		e.Stream, e.ExpectedRevision, e.ActualRevision)
}

// IsConflict reports whether err carries a stream revision conflict anywhere
// in its chain. It is the single conflict predicate used by the retry state
// machine; retry policy is decoupled from any concrete error type through it.
func IsConflict(err error) bool {
	var conflict *StreamRevisionConflictError
	return errors.As(err, &conflict)
}

// UnknownEventTypeError is returned by a Projector encountering an event
// type it has no transition for. Silently skipping an event would silently
// drop a business rule, so this fails fast instead.
type UnknownEventTypeError struct {
	Stream string
	Event  Event
}

func (e *UnknownEventTypeError) Error() string {
	return fmt.Sprintf("stream %q: no transition for event type %q (%T)",
		e.Stream, e.Event.EventType(), e.Event)
}

// ErrSkippedEvent is returned when a handler cannot handle the event type.
type ErrSkippedEvent struct {
	Event Event
}

func (e *ErrSkippedEvent) Error() string {
	return fmt.Sprintf("skipped event of type %T", e.Event)
}

// EventStoreError wraps store-specific persistence failures so callers can
// treat all of them as one kind while still unwrapping the cause.
type EventStoreError struct {
	Err error
}

func (e *EventStoreError) Error() string {
	return fmt.Sprintf("eventstore error: %v", e.Err)
}

func (e *EventStoreError) Unwrap() error {
	return e.Err
}

// WrapEventStoreError wraps err in an EventStoreError, passing nil through.
func WrapEventStoreError(err error) error {
	if err == nil {
		return nil
	}
	return &EventStoreError{Err: err}
}
