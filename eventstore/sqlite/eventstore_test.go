package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	es "github.com/terraskye/eventflow"
	"github.com/terraskye/eventflow/eventstore/sqlite"
)

type shipmentBooked struct {
	ShipmentID string `json:"shipment_id"`
	Carrier    string `json:"carrier"`
}

func (e shipmentBooked) EventType() string   { return "shipmentBooked" }
func (e shipmentBooked) AggregateID() string { return e.ShipmentID }

type shipmentDelivered struct {
	ShipmentID string `json:"shipment_id"`
}

func (e shipmentDelivered) EventType() string   { return "shipmentDelivered" }
func (e shipmentDelivered) AggregateID() string { return e.ShipmentID }

type notifyRecipient struct {
	ShipmentID string `json:"shipment_id"`
	Email      string `json:"email"`
}

func (m notifyRecipient) MessageType() string { return "notifyRecipient" }

func init() {
	es.RegisterEventByType(func() es.Event { return &shipmentBooked{} })
	es.RegisterEventByType(func() es.Event { return &shipmentDelivered{} })
	es.RegisterMessageByType(func() es.Message { return &notifyRecipient{} })
}

func openStore(t *testing.T) *sqlite.SQLiteStore {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func bookedEnvelope(streamID string, version uint64) es.Envelope {
	return es.Envelope{
		EventID:    uuid.New(),
		StreamID:   streamID,
		Event:      shipmentBooked{ShipmentID: streamID, Carrier: "acme-freight"},
		Metadata:   map[string]any{"source": "test"},
		Version:    version,
		OccurredAt: time.Now(),
	}
}

func deliveredEnvelope(streamID string) es.Envelope {
	return es.Envelope{
		EventID:    uuid.New(),
		StreamID:   streamID,
		Event:      shipmentDelivered{ShipmentID: streamID},
		Metadata:   map[string]any{},
		OccurredAt: time.Now(),
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	result, err := store.Save(ctx, []es.Envelope{
		bookedEnvelope("ship-1", 1),
		deliveredEnvelope("ship-1"),
	}, es.NoStream{})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if result.NextExpectedVersion != 2 {
		t.Fatalf("expected next version 2, got %d", result.NextExpectedVersion)
	}

	iter, err := store.LoadStream(ctx, "ship-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	loaded, err := iter.All(ctx)
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 events, got %d", len(loaded))
	}

	booked, ok := loaded[0].Event.(shipmentBooked)
	if !ok {
		t.Fatalf("expected shipmentBooked, got %T", loaded[0].Event)
	}
	if booked.Carrier != "acme-freight" {
		t.Fatalf("payload did not survive the round trip: %+v", booked)
	}
	if loaded[0].Version != 1 || loaded[1].Version != 2 {
		t.Fatalf("unexpected versions: %d, %d", loaded[0].Version, loaded[1].Version)
	}
	if loaded[0].GlobalVersion == 0 {
		t.Fatal("expected a global position")
	}
	if loaded[0].Metadata["source"] != "test" {
		t.Fatalf("metadata did not survive: %v", loaded[0].Metadata)
	}
	if loaded[0].OccurredAt.IsZero() {
		t.Fatal("expected a timestamp")
	}
}

func TestRevisionGuards(t *testing.T) {
	ctx := context.Background()

	t.Run("NoStream rejects existing stream", func(t *testing.T) {
		store := openStore(t)
		if _, err := store.Save(ctx, []es.Envelope{bookedEnvelope("s", 1)}, es.NoStream{}); err != nil {
			t.Fatalf("seed: %v", err)
		}
		_, err := store.Save(ctx, []es.Envelope{bookedEnvelope("s", 1)}, es.NoStream{})
		if !errors.Is(err, es.ErrStreamExists) {
			t.Fatalf("expected ErrStreamExists, got %v", err)
		}
	})

	t.Run("StreamExists rejects missing stream", func(t *testing.T) {
		store := openStore(t)
		_, err := store.Save(ctx, []es.Envelope{bookedEnvelope("s", 1)}, es.StreamExists{})
		if !errors.Is(err, es.ErrStreamNotFound) {
			t.Fatalf("expected ErrStreamNotFound, got %v", err)
		}
	})

	t.Run("Revision mismatch conflicts", func(t *testing.T) {
		store := openStore(t)
		if _, err := store.Save(ctx, []es.Envelope{bookedEnvelope("s", 1), deliveredEnvelope("s")}, es.NoStream{}); err != nil {
			t.Fatalf("seed: %v", err)
		}

		_, err := store.Save(ctx, []es.Envelope{deliveredEnvelope("s")}, es.Revision(1))
		var conflict *es.StreamRevisionConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("expected conflict, got %v", err)
		}
		if conflict.ExpectedRevision != 1 || conflict.ActualRevision != 2 {
			t.Fatalf("unexpected conflict detail: %+v", conflict)
		}
	})

	t.Run("unknown guard rejected", func(t *testing.T) {
		store := openStore(t)
		_, err := store.Save(ctx, []es.Envelope{bookedEnvelope("s", 1)}, nil)
		if !errors.Is(err, es.ErrInvalidRevision) {
			t.Fatalf("expected ErrInvalidRevision, got %v", err)
		}
	})
}

func TestMixedStreamBatchRejected(t *testing.T) {
	store := openStore(t)

	_, err := store.Save(context.Background(), []es.Envelope{
		bookedEnvelope("a", 1),
		bookedEnvelope("b", 1),
	}, es.Any{})
	if !errors.Is(err, es.ErrInvalidEventBatch) {
		t.Fatalf("expected ErrInvalidEventBatch, got %v", err)
	}
}

func TestLoadStream_Missing(t *testing.T) {
	store := openStore(t)

	_, err := store.LoadStream(context.Background(), "nope")
	if !errors.Is(err, es.ErrStreamNotFound) {
		t.Fatalf("expected ErrStreamNotFound, got %v", err)
	}
}

func TestLoadStreamFrom(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	envs := []es.Envelope{
		bookedEnvelope("s", 1),
		deliveredEnvelope("s"),
		deliveredEnvelope("s"),
	}
	if _, err := store.Save(ctx, envs, es.NoStream{}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	iter, err := store.LoadStreamFrom(ctx, "s", 1)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	loaded, err := iter.All(ctx)
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 events after version 1, got %d", len(loaded))
	}
	if loaded[0].Version != 2 {
		t.Fatalf("expected first version 2, got %d", loaded[0].Version)
	}

	// Loading from the head of a known stream yields an empty iterator, not
	// ErrStreamNotFound.
	iter, err = store.LoadStreamFrom(ctx, "s", 3)
	if err != nil {
		t.Fatalf("load at head: %v", err)
	}
	if tail, _ := iter.All(ctx); len(tail) != 0 {
		t.Fatalf("expected empty tail, got %d", len(tail))
	}
}

func TestLoadFromAll(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	if _, err := store.Save(ctx, []es.Envelope{bookedEnvelope("a", 1)}, es.NoStream{}); err != nil {
		t.Fatalf("seed a: %v", err)
	}
	if _, err := store.Save(ctx, []es.Envelope{bookedEnvelope("b", 1)}, es.NoStream{}); err != nil {
		t.Fatalf("seed b: %v", err)
	}

	iter, err := store.LoadFromAll(ctx, 0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	all, err := iter.All(ctx)
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 events, got %d", len(all))
	}
	if all[0].StreamID != "a" || all[1].StreamID != "b" {
		t.Fatalf("events not in commit order: %q, %q", all[0].StreamID, all[1].StreamID)
	}

	iter, err = store.LoadFromAll(ctx, all[0].GlobalVersion)
	if err != nil {
		t.Fatalf("load tail: %v", err)
	}
	tail, _ := iter.All(ctx)
	if len(tail) != 1 || tail[0].StreamID != "b" {
		t.Fatalf("unexpected tail: %v", tail)
	}
}

func TestOutboxLifecycle(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	first := es.OutboxMessage{
		MessageID:  uuid.New(),
		StreamID:   "s",
		Message:    notifyRecipient{ShipmentID: "s", Email: "a@example.com"},
		Metadata:   map[string]any{"attempt": "initial"},
		EnqueuedAt: time.Now(),
	}
	second := es.OutboxMessage{
		MessageID:  uuid.New(),
		StreamID:   "s",
		Message:    notifyRecipient{ShipmentID: "s", Email: "b@example.com"},
		Metadata:   map[string]any{},
		EnqueuedAt: time.Now(),
	}

	if _, err := store.SaveWithMessages(ctx, []es.Envelope{bookedEnvelope("s", 1)}, []es.OutboxMessage{first}, es.NoStream{}); err != nil {
		t.Fatalf("save first: %v", err)
	}
	if _, err := store.SaveWithMessages(ctx, []es.Envelope{deliveredEnvelope("s")}, []es.OutboxMessage{second}, es.Revision(1)); err != nil {
		t.Fatalf("save second: %v", err)
	}

	pending, err := store.PendingMessages(ctx, 0)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}
	if pending[0].MessageID != first.MessageID {
		t.Fatal("pending not in enqueue order")
	}
	msg, ok := pending[0].Message.(notifyRecipient)
	if !ok {
		t.Fatalf("expected notifyRecipient, got %T", pending[0].Message)
	}
	if msg.Email != "a@example.com" {
		t.Fatalf("payload did not survive: %+v", msg)
	}
	if pending[0].Metadata["attempt"] != "initial" {
		t.Fatalf("metadata did not survive: %v", pending[0].Metadata)
	}

	limited, _ := store.PendingMessages(ctx, 1)
	if len(limited) != 1 {
		t.Fatalf("limit not applied, got %d", len(limited))
	}

	if err := store.MarkDispatched(ctx, first.MessageID); err != nil {
		t.Fatalf("mark: %v", err)
	}
	pending, _ = store.PendingMessages(ctx, 0)
	if len(pending) != 1 || pending[0].MessageID != second.MessageID {
		t.Fatalf("expected only the second message pending, got %v", pending)
	}

	// Retrying is harmless.
	if err := store.MarkDispatched(ctx, first.MessageID, uuid.New()); err != nil {
		t.Fatalf("re-mark: %v", err)
	}
}

func TestConflictRollsBackEventsAndMessages(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	if _, err := store.Save(ctx, []es.Envelope{bookedEnvelope("s", 1)}, es.NoStream{}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	msg := es.OutboxMessage{
		MessageID:  uuid.New(),
		StreamID:   "s",
		Message:    notifyRecipient{ShipmentID: "s"},
		EnqueuedAt: time.Now(),
	}
	_, err := store.SaveWithMessages(ctx, []es.Envelope{deliveredEnvelope("s")}, []es.OutboxMessage{msg}, es.Revision(0))
	if !es.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	iter, _ := store.LoadStream(ctx, "s")
	loaded, _ := iter.All(ctx)
	if len(loaded) != 1 {
		t.Fatalf("conflicting save leaked events: %d", len(loaded))
	}
	pending, _ := store.PendingMessages(ctx, 0)
	if len(pending) != 0 {
		t.Fatalf("conflicting save leaked messages: %d", len(pending))
	}
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.db")
	ctx := context.Background()

	store, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := store.Save(ctx, []es.Envelope{bookedEnvelope("s", 1)}, es.NoStream{}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	iter, err := reopened.LoadStream(ctx, "s")
	if err != nil {
		t.Fatalf("load after reopen: %v", err)
	}
	loaded, err := iter.All(ctx)
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected the event to survive reopen, got %d", len(loaded))
	}
}
