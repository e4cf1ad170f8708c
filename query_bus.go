package eventflow

import (
	"context"
	"fmt"
)

// QueryBus acts as a central registry for query handlers. Handlers are
// stored keyed by their query and result types, allowing multiple query
// types to be registered in a single bus and executed type-safely via
// ExecuteQuery.
//
// Example:
//
//	bus := NewQueryBus()
//	RegisterQueryHandler(bus, NewQueryHandlerFunc(func(ctx context.Context, q GetOrder) (*OrderView, error) {
//	    return views.Lookup(q.OrderID)
//	}))
//	view, err := ExecuteQuery[GetOrder, *OrderView](ctx, bus, GetOrder{OrderID: id})
type QueryBus struct {
	handlers map[string]any
}

// NewQueryBus creates a new, empty QueryBus ready for handler registration.
func NewQueryBus() *QueryBus {
	return &QueryBus{
		handlers: make(map[string]any),
	}
}

func queryKey[T Query, R any]() string {
	var qry T
	var res R
	return fmt.Sprintf("%T|%T", qry, res)
}

// RegisterQueryHandler registers a QueryHandler for a specific query and
// result type. The key is derived from both types, so the same query type
// may feed differently shaped read models. Panics on duplicates.
func RegisterQueryHandler[T Query, R any](bus *QueryBus, handler QueryHandler[T, R]) {
	key := queryKey[T, R]()
	if _, exists := bus.handlers[key]; exists {
		panic(fmt.Sprintf("query handler already registered for %s", key))
	}
	bus.handlers[key] = handler
}

// ExecuteQuery dispatches the query to its registered handler and returns
// the typed result. Returns an error if no handler is registered for the
// (query, result) pair.
func ExecuteQuery[T Query, R any](ctx context.Context, bus *QueryBus, qry T) (R, error) {
	var zero R

	key := queryKey[T, R]()
	raw, ok := bus.handlers[key]
	if !ok {
		return zero, fmt.Errorf("no query handler registered for %s", key)
	}

	handler, ok := raw.(QueryHandler[T, R])
	if !ok {
		return zero, fmt.Errorf("query handler for %s has unexpected type %T", key, raw)
	}

	return handler.HandleQuery(ctx, qry)
}
