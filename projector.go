package eventflow

import (
	"context"
	"fmt"
)

// Projector folds an ordered event sequence into an aggregate of type T.
//
// It is defined as an explicit transition table: every event type the
// aggregate knows about has exactly one registered rule. The first event of
// a stream must be a registered creation rule (it constructs the initial
// aggregate); every later event must have a registered transition. An event
// type without a rule is a design error and fails fast with
// *UnknownEventTypeError instead of being silently skipped — a silent
// no-match is a silently missing business rule.
//
// Folding is pure and deterministic: the same event sequence always yields
// a structurally equal aggregate, independent of how the fold is chunked.
type Projector[T any] struct {
	creations   map[string]func(env *Envelope) T
	transitions map[string]func(state T, env *Envelope) T
}

// ProjectorRule registers one entry of the transition table. Build rules
// with OnCreate and On.
type ProjectorRule[T any] func(p *Projector[T])

// NewProjector builds a Projector from the given rules.
//
// Panics if two rules are registered for the same event type; the table is
// assembled once at startup, so a duplicate is a programming error.
func NewProjector[T any](rules ...ProjectorRule[T]) *Projector[T] {
	p := &Projector[T]{
		creations:   make(map[string]func(env *Envelope) T),
		transitions: make(map[string]func(state T, env *Envelope) T),
	}
	for _, rule := range rules {
		rule(p)
	}
	return p
}

// OnCreate registers the creation rule for event type E: it constructs the
// initial aggregate from the stream's first event.
func OnCreate[T any, E Event](fn func(ev E, env *Envelope) T) ProjectorRule[T] {
	var zero E
	name := TypeName(zero)

	return func(p *Projector[T]) {
		if _, exists := p.creations[name]; exists {
			panic(fmt.Errorf("creation rule for event %s: %w", name, ErrDuplicateHandler))
		}
		p.creations[name] = func(env *Envelope) T {
			return fn(env.Event.(E), env)
		}
	}
}

// On registers the transition rule for event type E: it evolves a working
// copy of the aggregate. Transition functions must not have side effects.
func On[T any, E Event](fn func(state T, ev E, env *Envelope) T) ProjectorRule[T] {
	var zero E
	name := TypeName(zero)

	return func(p *Projector[T]) {
		if _, exists := p.transitions[name]; exists {
			panic(fmt.Errorf("transition rule for event %s: %w", name, ErrDuplicateHandler))
		}
		p.transitions[name] = func(state T, env *Envelope) T {
			return fn(state, env.Event.(E), env)
		}
	}
}

// Project folds the envelopes yielded by iter, oldest first, and returns the
// materialized aggregate together with the version of the last folded
// envelope.
//
// Errors:
//   - ErrMissingCreationEvent if the sequence is empty or its first event
//     has no registered creation rule.
//   - *UnknownEventTypeError if a later event has no registered transition.
func (p *Projector[T]) Project(ctx context.Context, iter *Iterator[*Envelope]) (T, uint64, error) {
	var (
		state   T
		version uint64
		started bool
	)

	for iter.Next(ctx) {
		env := iter.Value()

		if !started {
			create, ok := p.creations[TypeName(env.Event)]
			if !ok {
				return state, 0, fmt.Errorf("project stream %q: first event %q: %w",
					env.StreamID, env.Event.EventType(), ErrMissingCreationEvent)
			}
			state = create(env)
			version = env.Version
			started = true
			continue
		}

		apply, ok := p.transitions[TypeName(env.Event)]
		if !ok {
			return state, version, &UnknownEventTypeError{Stream: env.StreamID, Event: env.Event}
		}
		state = apply(state, env)
		version = env.Version
	}

	if err := iter.Err(); err != nil {
		return state, version, fmt.Errorf("project: iterate events: %w", err)
	}
	if !started {
		return state, 0, ErrMissingCreationEvent
	}

	return state, version, nil
}
