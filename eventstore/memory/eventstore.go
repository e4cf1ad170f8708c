// Package memory provides an in-memory OutboxStore. It is the reference
// implementation of the store contract: the mutex-guarded compare-and-append
// is the single serialization point for concurrent writers, and events plus
// outbox messages commit as one atomic unit.
package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/terraskye/eventflow"
)

type MemoryStore struct {
	mu     sync.RWMutex
	bus    chan *eventflow.Envelope
	global []*eventflow.Envelope
	events map[string][]*eventflow.Envelope
	outbox map[uuid.UUID]*outboxEntry
	closed bool
}

type outboxEntry struct {
	message      eventflow.OutboxMessage
	dispatchedAt *time.Time
	seq          uint64
}

var _ eventflow.OutboxStore = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory store. The buffer size bounds the
// internal event feed channel; when the feed is full, new events are still
// committed but not offered on the channel.
func NewMemoryStore(buffer int64) *MemoryStore {
	return &MemoryStore{
		events: make(map[string][]*eventflow.Envelope),
		global: make([]*eventflow.Envelope, 0),
		outbox: make(map[uuid.UUID]*outboxEntry),
		bus:    make(chan *eventflow.Envelope, buffer),
	}
}

// Save implements EventStore.Save as SaveWithMessages with no messages.
func (m *MemoryStore) Save(ctx context.Context, events []eventflow.Envelope, revision eventflow.StreamState) (eventflow.AppendResult, error) {
	return m.SaveWithMessages(ctx, events, nil, revision)
}

// SaveWithMessages appends events and enqueues messages under one lock
// acquisition. The revision guard is checked first; on any failure nothing
// is appended and nothing is enqueued.
func (m *MemoryStore) SaveWithMessages(ctx context.Context, events []eventflow.Envelope, messages []eventflow.OutboxMessage, revision eventflow.StreamState) (eventflow.AppendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(events) == 0 && len(messages) == 0 {
		return eventflow.AppendResult{Successful: true}, nil
	}

	streamID := ""
	if len(events) > 0 {
		streamID = events[0].StreamID
	} else {
		streamID = messages[0].StreamID
	}

	for i, env := range events {
		if env.StreamID != streamID {
			return eventflow.AppendResult{}, fmt.Errorf(
				"save events to stream %q: %w: event %d has different stream ID %q",
				streamID, eventflow.ErrInvalidEventBatch, i, env.StreamID,
			)
		}
	}

	currentVersion := uint64(len(m.events[streamID]))

	switch rev := revision.(type) {
	case eventflow.Any:
		// No concurrency check.
	case eventflow.NoStream:
		if currentVersion != 0 {
			return eventflow.AppendResult{Successful: false, StreamID: streamID},
				fmt.Errorf("stream %q: already exists: %w", streamID, eventflow.ErrStreamExists)
		}
	case eventflow.StreamExists:
		if currentVersion == 0 {
			return eventflow.AppendResult{Successful: false, StreamID: streamID},
				fmt.Errorf("stream %q: should exist: %w", streamID, eventflow.ErrStreamNotFound)
		}
	case eventflow.Revision:
		if currentVersion != uint64(rev) {
			return eventflow.AppendResult{Successful: false, StreamID: streamID}, &eventflow.StreamRevisionConflictError{
				Stream:           streamID,
				ExpectedRevision: rev,
				ActualRevision:   eventflow.Revision(currentVersion),
			}
		}
	default:
		return eventflow.AppendResult{Successful: false, StreamID: streamID},
			fmt.Errorf("unsupported revision type %T for stream %q: %w", revision, streamID, eventflow.ErrInvalidRevision)
	}

	// The store is authoritative for versions: contiguous, 1-based, no gaps.
	for i := range events {
		currentVersion++
		events[i].Version = currentVersion
		events[i].GlobalVersion = uint64(len(m.global)) + 1

		stored := events[i]
		m.events[streamID] = append(m.events[streamID], &stored)
		m.global = append(m.global, &stored)

		select {
		case m.bus <- &stored:
		default:
			// Feed full; the event is committed regardless.
		}
	}

	for _, msg := range messages {
		stored := msg
		m.outbox[msg.MessageID] = &outboxEntry{
			message: stored,
			seq:     uint64(len(m.outbox)) + 1,
		}
	}

	return eventflow.AppendResult{
		Successful:          true,
		StreamID:            streamID,
		NextExpectedVersion: currentVersion,
	}, nil
}

// LoadStream loads all events for the given stream, oldest first.
func (m *MemoryStore) LoadStream(ctx context.Context, id string) (*eventflow.Iterator[*eventflow.Envelope], error) {
	return m.LoadStreamFrom(ctx, id, 0)
}

// LoadStreamFrom loads events for the given stream starting after the given
// version; 0 loads the whole stream.
func (m *MemoryStore) LoadStreamFrom(ctx context.Context, id string, version uint64) (*eventflow.Iterator[*eventflow.Envelope], error) {
	m.mu.RLock()
	events, exists := m.events[id]
	m.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("load stream %q: %w", id, eventflow.ErrStreamNotFound)
	}

	if version > uint64(len(events)) {
		return nil, fmt.Errorf(
			"load stream %q: requested version %d but stream has %d: %w",
			id, version, len(events), eventflow.ErrInvalidRevision,
		)
	}

	index := version
	return eventflow.NewIteratorFunc(func(ctx context.Context) (*eventflow.Envelope, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if index >= uint64(len(events)) {
			return nil, io.EOF
		}
		ev := events[index]
		index++
		return ev, nil
	}), nil
}

// LoadFromAll loads events across all streams starting at the given global
// position, in commit order.
func (m *MemoryStore) LoadFromAll(ctx context.Context, position uint64) (*eventflow.Iterator[*eventflow.Envelope], error) {
	m.mu.RLock()
	all := m.global
	m.mu.RUnlock()

	if position > uint64(len(all)) {
		return nil, fmt.Errorf(
			"load all from %d: store has %d events: %w",
			position, len(all), eventflow.ErrInvalidRevision,
		)
	}

	return eventflow.NewSliceIterator(all[position:]), nil
}

// PendingMessages returns up to limit not-yet-dispatched messages in
// enqueue order.
func (m *MemoryStore) PendingMessages(ctx context.Context, limit int) ([]*eventflow.OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]*outboxEntry, 0, len(m.outbox))
	for _, entry := range m.outbox {
		if entry.dispatchedAt == nil {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	pending := make([]*eventflow.OutboxMessage, len(entries))
	for i, entry := range entries {
		msg := entry.message
		pending[i] = &msg
	}
	return pending, nil
}

// MarkDispatched records delivery of the given messages. Unknown IDs are
// ignored so the dispatcher can safely retry.
func (m *MemoryStore) MarkDispatched(ctx context.Context, ids ...uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dispatched := time.Now()
	for _, id := range ids {
		if entry, ok := m.outbox[id]; ok && entry.dispatchedAt == nil {
			at := dispatched
			entry.dispatchedAt = &at
		}
	}
	return nil
}

// Events returns the live feed of committed envelopes.
func (m *MemoryStore) Events() <-chan *eventflow.Envelope {
	return m.bus
}

// Close releases the store. Close is idempotent.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.events = make(map[string][]*eventflow.Envelope)
	m.global = nil
	m.outbox = make(map[uuid.UUID]*outboxEntry)
	close(m.bus)
	return nil
}
