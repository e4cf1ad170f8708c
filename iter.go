package eventflow

import (
	"context"
	"errors"
	"io"
)

// Iterator is a lazy, pull-based iterator over values produced by a store.
// Iteration order from all Load* methods is deterministic (oldest → newest).
// An Iterator should be consumed immediately; it is not safe for concurrent
// use and makes no reusability guarantees after iteration completes.
type Iterator[T any] struct {
	nextFunc func(ctx context.Context) (T, error)
	current  T
	err      error
	done     bool
}

// NewIteratorFunc creates an Iterator from a function producing the next
// value. The function signals exhaustion by returning io.EOF.
func NewIteratorFunc[T any](nextFunc func(ctx context.Context) (T, error)) *Iterator[T] {
	return &Iterator[T]{nextFunc: nextFunc}
}

// NewSliceIterator creates an Iterator over a fixed slice.
func NewSliceIterator[T any](items []T) *Iterator[T] {
	index := 0
	return NewIteratorFunc(func(ctx context.Context) (T, error) {
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if index >= len(items) {
			return zero, io.EOF
		}
		item := items[index]
		index++
		return item, nil
	})
}

// Next advances the iterator. Returns false once the iterator is exhausted
// or an error occurred; check Err afterwards.
func (it *Iterator[T]) Next(ctx context.Context) bool {
	if it.done || it.err != nil {
		return false
	}

	value, err := it.nextFunc(ctx)
	if err != nil {
		it.done = true
		if !errors.Is(err, io.EOF) {
			it.err = err
		}
		return false
	}

	it.current = value
	return true
}

// Value returns the current value. Only valid after Next returned true.
func (it *Iterator[T]) Value() T {
	return it.current
}

// Err returns the first error encountered during iteration, excluding the
// io.EOF used internally to signal exhaustion.
func (it *Iterator[T]) Err() error {
	return it.err
}

// All consumes the iterator and returns the remaining values.
func (it *Iterator[T]) All(ctx context.Context) ([]T, error) {
	var results []T
	for it.Next(ctx) {
		results = append(results, it.Value())
	}
	return results, it.Err()
}
