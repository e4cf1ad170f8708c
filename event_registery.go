package eventflow

import (
	"fmt"
	"sync"
)

// The registries map event and message type names to factory functions so
// that persistent stores can rebuild concrete payload types from their
// serialized form. Registration normally happens in package init of the
// domain package owning the types.
var (
	eventRegistry   = map[string]func() Event{}
	messageRegistry = map[string]func() Message{}

	// registryMu protects both registries for concurrent access.
	registryMu sync.RWMutex
)

// RegisterEventByType registers a new Event type using its default type
// name. The factory must return a fresh instance on every call.
//
// Panics if the factory is nil, returns nil, or if an event with the same
// type name is already registered.
//
// Example:
//
//	RegisterEventByType(func() Event { return &ItemReady{} })
func RegisterEventByType(fn func() Event) {
	if fn == nil {
		panic("cannot register nil event factory")
	}
	ev := fn()
	if ev == nil {
		panic("event factory returned nil")
	}
	RegisterEventByName(TypeName(ev), fn)
}

// RegisterEventByName registers a new Event type under a custom name,
// independent of its type name. Panics on nil factories and duplicates.
func RegisterEventByName(name string, fn func() Event) {
	if fn == nil {
		panic("cannot register nil event factory")
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := eventRegistry[name]; exists {
		panic(fmt.Sprintf("event already registered: %s", name))
	}
	if ev := fn(); ev == nil {
		panic(fmt.Sprintf("factory returned nil for event: %s", name))
	}

	eventRegistry[name] = fn
}

// NewEventByName creates a new instance of a registered Event by its name.
// Returns an error if the name is not registered or the factory returns nil.
func NewEventByName(name string) (Event, error) {
	registryMu.RLock()
	factory, ok := eventRegistry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("event not registered: %s", name)
	}
	ev := factory()
	if ev == nil {
		return nil, fmt.Errorf("factory returned nil for event: %s", name)
	}
	return ev, nil
}

// RegisterMessageByType registers a new outgoing Message type using its
// default type name, mirroring RegisterEventByType.
func RegisterMessageByType(fn func() Message) {
	if fn == nil {
		panic("cannot register nil message factory")
	}
	msg := fn()
	if msg == nil {
		panic("message factory returned nil")
	}
	RegisterMessageByName(TypeName(msg), fn)
}

// RegisterMessageByName registers a new Message type under a custom name.
func RegisterMessageByName(name string, fn func() Message) {
	if fn == nil {
		panic("cannot register nil message factory")
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := messageRegistry[name]; exists {
		panic(fmt.Sprintf("message already registered: %s", name))
	}
	if msg := fn(); msg == nil {
		panic(fmt.Sprintf("factory returned nil for message: %s", name))
	}

	messageRegistry[name] = fn
}

// NewMessageByName creates a new instance of a registered Message by name.
func NewMessageByName(name string) (Message, error) {
	registryMu.RLock()
	factory, ok := messageRegistry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("message not registered: %s", name)
	}
	msg := factory()
	if msg == nil {
		return nil, fmt.Errorf("factory returned nil for message: %s", name)
	}
	return msg, nil
}
