package fixtures

import (
	"context"
	"io"
	"sync"

	"github.com/google/uuid"
	es "github.com/terraskye/eventflow"
)

// StoreSpy is a configurable mock OutboxStore for testing.
// It tracks calls and allows injecting custom behavior or failures.
type StoreSpy struct {
	mu sync.Mutex

	// Function overrides for custom behavior
	LoadStreamFn       func(ctx context.Context, id string) (*es.Iterator[*es.Envelope], error)
	LoadStreamFromFn   func(ctx context.Context, id string, version uint64) (*es.Iterator[*es.Envelope], error)
	LoadFromAllFn      func(ctx context.Context, position uint64) (*es.Iterator[*es.Envelope], error)
	SaveFn             func(ctx context.Context, events []es.Envelope, messages []es.OutboxMessage, revision es.StreamState) (es.AppendResult, error)
	PendingMessagesFn  func(ctx context.Context, limit int) ([]*es.OutboxMessage, error)
	MarkDispatchedFn   func(ctx context.Context, ids ...uuid.UUID) error
	CloseFn            func() error

	// Call tracking
	LoadStreamCalls      int
	LoadStreamFromCalls  int
	LoadFromAllCalls     int
	SaveCalls            int
	PendingCalls         int
	MarkDispatchedCalls  int
	CloseCalls           int

	// Captured arguments from last call
	LastSaveEvents   []es.Envelope
	LastSaveMessages []es.OutboxMessage
	LastSaveRevision es.StreamState
	LastLoadStreamID string
	LastDispatched   []uuid.UUID

	// Pre-configured data
	events  map[string][]*es.Envelope // streamID -> envelopes
	pending []*es.OutboxMessage

	// Error injection
	loadErr error
	saveErr error
}

// NewStoreSpy creates a new StoreSpy with default behavior.
func NewStoreSpy() *StoreSpy {
	return &StoreSpy{
		events: make(map[string][]*es.Envelope),
	}
}

var _ es.OutboxStore = (*StoreSpy)(nil)

// WithEvents pre-populates the store with events for a stream.
func (s *StoreSpy) WithEvents(streamID string, events ...*es.Envelope) *StoreSpy {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[streamID] = events
	return s
}

// WithEventsFromSlice pre-populates the store with events from an Event slice.
func (s *StoreSpy) WithEventsFromSlice(streamID string, events ...es.Event) *StoreSpy {
	envelopes := EnvelopesFromEvents(events...)
	for _, env := range envelopes {
		env.StreamID = streamID
	}
	return s.WithEvents(streamID, envelopes...)
}

// FailOnLoad configures the store to return an error on load operations.
func (s *StoreSpy) FailOnLoad(err error) *StoreSpy {
	s.loadErr = err
	return s
}

// FailOnSave configures the store to return an error on save operations.
func (s *StoreSpy) FailOnSave(err error) *StoreSpy {
	s.saveErr = err
	return s
}

// LoadStream implements EventStore.LoadStream.
func (s *StoreSpy) LoadStream(ctx context.Context, id string) (*es.Iterator[*es.Envelope], error) {
	s.mu.Lock()
	s.LoadStreamCalls++
	s.LastLoadStreamID = id
	s.mu.Unlock()

	if s.LoadStreamFn != nil {
		return s.LoadStreamFn(ctx, id)
	}

	if s.loadErr != nil {
		return nil, s.loadErr
	}

	s.mu.Lock()
	events := s.events[id]
	s.mu.Unlock()

	return SliceIterator(events), nil
}

// LoadStreamFrom implements EventStore.LoadStreamFrom.
func (s *StoreSpy) LoadStreamFrom(ctx context.Context, id string, version uint64) (*es.Iterator[*es.Envelope], error) {
	s.mu.Lock()
	s.LoadStreamFromCalls++
	s.LastLoadStreamID = id
	s.mu.Unlock()

	if s.LoadStreamFromFn != nil {
		return s.LoadStreamFromFn(ctx, id, version)
	}

	if s.loadErr != nil {
		return nil, s.loadErr
	}

	s.mu.Lock()
	events := s.events[id]
	s.mu.Unlock()

	var filtered []*es.Envelope
	for _, e := range events {
		if e.Version > version {
			filtered = append(filtered, e)
		}
	}

	return SliceIterator(filtered), nil
}

// LoadFromAll implements EventStore.LoadFromAll.
func (s *StoreSpy) LoadFromAll(ctx context.Context, position uint64) (*es.Iterator[*es.Envelope], error) {
	s.mu.Lock()
	s.LoadFromAllCalls++
	s.mu.Unlock()

	if s.LoadFromAllFn != nil {
		return s.LoadFromAllFn(ctx, position)
	}

	if s.loadErr != nil {
		return nil, s.loadErr
	}

	s.mu.Lock()
	var all []*es.Envelope
	for _, events := range s.events {
		for _, e := range events {
			if e.GlobalVersion > position {
				all = append(all, e)
			}
		}
	}
	s.mu.Unlock()

	return SliceIterator(all), nil
}

// Save implements EventStore.Save.
func (s *StoreSpy) Save(ctx context.Context, events []es.Envelope, revision es.StreamState) (es.AppendResult, error) {
	return s.SaveWithMessages(ctx, events, nil, revision)
}

// SaveWithMessages implements OutboxStore.SaveWithMessages.
func (s *StoreSpy) SaveWithMessages(ctx context.Context, events []es.Envelope, messages []es.OutboxMessage, revision es.StreamState) (es.AppendResult, error) {
	s.mu.Lock()
	s.SaveCalls++
	s.LastSaveEvents = events
	s.LastSaveMessages = messages
	s.LastSaveRevision = revision
	s.mu.Unlock()

	if s.SaveFn != nil {
		return s.SaveFn(ctx, events, messages, revision)
	}

	if s.saveErr != nil {
		return es.AppendResult{Successful: false}, s.saveErr
	}

	if len(events) == 0 && len(messages) == 0 {
		return es.AppendResult{Successful: true}, nil
	}

	streamID := ""
	if len(events) > 0 {
		streamID = events[0].StreamID
	} else {
		streamID = messages[0].StreamID
	}

	s.mu.Lock()
	version := uint64(len(s.events[streamID]))
	for i := range events {
		version++
		env := events[i]
		env.Version = version
		s.events[streamID] = append(s.events[streamID], &env)
	}
	for i := range messages {
		msg := messages[i]
		s.pending = append(s.pending, &msg)
	}
	s.mu.Unlock()

	return es.AppendResult{
		Successful:          true,
		StreamID:            streamID,
		NextExpectedVersion: version,
	}, nil
}

// PendingMessages implements OutboxStore.PendingMessages.
func (s *StoreSpy) PendingMessages(ctx context.Context, limit int) ([]*es.OutboxMessage, error) {
	s.mu.Lock()
	s.PendingCalls++
	s.mu.Unlock()

	if s.PendingMessagesFn != nil {
		return s.PendingMessagesFn(ctx, limit)
	}

	if s.loadErr != nil {
		return nil, s.loadErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.pending
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	out := make([]*es.OutboxMessage, len(pending))
	copy(out, pending)
	return out, nil
}

// MarkDispatched implements OutboxStore.MarkDispatched.
func (s *StoreSpy) MarkDispatched(ctx context.Context, ids ...uuid.UUID) error {
	s.mu.Lock()
	s.MarkDispatchedCalls++
	s.LastDispatched = append(s.LastDispatched, ids...)

	remaining := s.pending[:0]
	for _, msg := range s.pending {
		dispatched := false
		for _, id := range ids {
			if msg.MessageID == id {
				dispatched = true
				break
			}
		}
		if !dispatched {
			remaining = append(remaining, msg)
		}
	}
	s.pending = remaining
	s.mu.Unlock()

	if s.MarkDispatchedFn != nil {
		return s.MarkDispatchedFn(ctx, ids...)
	}
	return nil
}

// Close implements EventStore.Close.
func (s *StoreSpy) Close() error {
	s.mu.Lock()
	s.CloseCalls++
	s.mu.Unlock()

	if s.CloseFn != nil {
		return s.CloseFn()
	}
	return nil
}

// Reset clears all call counts and stored data.
func (s *StoreSpy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.LoadStreamCalls = 0
	s.LoadStreamFromCalls = 0
	s.LoadFromAllCalls = 0
	s.SaveCalls = 0
	s.PendingCalls = 0
	s.MarkDispatchedCalls = 0
	s.CloseCalls = 0
	s.LastSaveEvents = nil
	s.LastSaveMessages = nil
	s.LastSaveRevision = nil
	s.LastLoadStreamID = ""
	s.LastDispatched = nil
	s.events = make(map[string][]*es.Envelope)
	s.pending = nil
	s.loadErr = nil
	s.saveErr = nil
}

// Pre-built store scenarios.

// EmptyStore returns a StoreSpy with no events.
func EmptyStore() *StoreSpy {
	return NewStoreSpy()
}

// FailingStore returns a StoreSpy that fails on all operations.
func FailingStore(err error) *StoreSpy {
	return NewStoreSpy().FailOnLoad(err).FailOnSave(err)
}

// ConcurrencyConflictStore returns a StoreSpy that returns a revision
// conflict on every save.
func ConcurrencyConflictStore(streamID string, expected, actual es.Revision) *StoreSpy {
	store := NewStoreSpy()
	store.SaveFn = func(ctx context.Context, events []es.Envelope, messages []es.OutboxMessage, revision es.StreamState) (es.AppendResult, error) {
		return es.AppendResult{Successful: false}, &es.StreamRevisionConflictError{
			Stream:           streamID,
			ExpectedRevision: expected,
			ActualRevision:   actual,
		}
	}
	return store
}

// StreamNotFoundStore returns a StoreSpy that returns ErrStreamNotFound on load.
func StreamNotFoundStore() *StoreSpy {
	store := NewStoreSpy()
	store.LoadStreamFn = func(ctx context.Context, id string) (*es.Iterator[*es.Envelope], error) {
		return nil, es.ErrStreamNotFound
	}
	store.LoadStreamFromFn = func(ctx context.Context, id string, version uint64) (*es.Iterator[*es.Envelope], error) {
		return nil, es.ErrStreamNotFound
	}
	return store
}

// SliceIterator creates an iterator from a slice of envelope pointers.
func SliceIterator(envelopes []*es.Envelope) *es.Iterator[*es.Envelope] {
	idx := 0
	return es.NewIteratorFunc(func(ctx context.Context) (*es.Envelope, error) {
		if idx >= len(envelopes) {
			return nil, io.EOF
		}
		env := envelopes[idx]
		idx++
		return env, nil
	})
}
