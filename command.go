package eventflow

// Command is an intent record targeting one aggregate. Commands are
// transient: they exist only for the duration of one processing cycle and
// are never persisted.
type Command interface {
	AggregateID() string
}

// Decision is the outcome of a pure decision step: the events that should be
// appended and the outgoing messages that should be staged with them. The
// zero Decision is a valid no-op.
type Decision struct {
	Events   []Event
	Messages []Message
}

// Decider determines which events and messages should result from a command
// given the current aggregate state.
//
// A Decider must be pure: it validates the command against the state,
// mutates a conceptual copy of the state to work out consequences, and
// returns the resulting events — it never applies events itself; only the
// log/projector pair is authoritative for state transitions.
//
// Errors wrapping ErrDomainValidation abort the cycle with no events
// appended and no messages staged, and are never retried.
type Decider[T any, C Command] func(state T, cmd C) (Decision, error)
