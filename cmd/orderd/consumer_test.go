package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"

	es "github.com/terraskye/eventflow"
	"github.com/terraskye/eventflow/eventstore/memory"
	"github.com/terraskye/eventflow/examples/orderfulfillment"
	"github.com/terraskye/eventflow/outbox"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func shipmentMessage(t *testing.T, orderID string) *message.Message {
	t.Helper()
	msg := message.NewMessage(uuid.New().String(), []byte(`{"order_id":"`+orderID+`"}`))
	msg.Metadata.Set("stream_id", orderID)
	msg.Metadata.Set("message_type", "ShipOrder")
	msg.Metadata.Set("enqueued_at", time.Now().UTC().Format(time.RFC3339Nano))
	return msg
}

func TestConsumeShipments_ContextCarriesDeliveryIdentity(t *testing.T) {
	enqueuedAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	msg := shipmentMessage(t, "order-1")
	msg.Metadata.Set("enqueued_at", enqueuedAt.Format(time.RFC3339Nano))

	var gotStream, gotCausation string
	var gotMessageID uuid.UUID
	var gotEnqueuedAt time.Time
	handler := es.NewEventGroupProcessor(
		es.OnDelivered(func(ctx context.Context, m ShipOrder) error {
			gotStream = es.StreamIDFromContext(ctx)
			gotMessageID = es.MessageIDFromContext(ctx)
			gotEnqueuedAt = es.OccurredAtFromContext(ctx)
			gotCausation = es.CausationFromContext(ctx)
			return nil
		}),
	)

	msgs := make(chan *message.Message, 1)
	msgs <- msg
	close(msgs)
	consumeShipments(context.Background(), discardLogger(), msgs, handler)

	if gotStream != "order-1" {
		t.Fatalf("stream id not carried, got %q", gotStream)
	}
	if gotMessageID.String() != msg.UUID {
		t.Fatalf("message id not carried, got %s want %s", gotMessageID, msg.UUID)
	}
	if !gotEnqueuedAt.Equal(enqueuedAt) {
		t.Fatalf("enqueued-at not carried, got %v", gotEnqueuedAt)
	}
	if gotCausation != msg.UUID {
		t.Fatalf("causation not carried, got %q", gotCausation)
	}

	select {
	case <-msg.Acked():
	default:
		t.Fatal("handled message was not acked")
	}
}

func TestConsumeShipments_HandlerFailureNacks(t *testing.T) {
	msg := shipmentMessage(t, "order-1")
	handler := es.NewEventGroupProcessor(
		es.OnDelivered(func(ctx context.Context, m ShipOrder) error {
			return errors.New("store unavailable")
		}),
	)

	msgs := make(chan *message.Message, 1)
	msgs <- msg
	close(msgs)
	consumeShipments(context.Background(), discardLogger(), msgs, handler)

	select {
	case <-msg.Nacked():
	default:
		t.Fatal("failed message must be nacked for redelivery")
	}
}

func TestConsumeShipments_PoisonMessageAcked(t *testing.T) {
	poison := message.NewMessage(uuid.New().String(), []byte(`{not json`))

	handled := 0
	handler := es.NewEventGroupProcessor(
		es.OnDelivered(func(ctx context.Context, m ShipOrder) error {
			handled++
			return nil
		}),
	)

	msgs := make(chan *message.Message, 2)
	msgs <- poison
	msgs <- shipmentMessage(t, "order-1")
	close(msgs)
	consumeShipments(context.Background(), discardLogger(), msgs, handler)

	select {
	case <-poison.Acked():
	default:
		t.Fatal("poison message must be acked, not redelivered")
	}
	if handled != 1 {
		t.Fatalf("consumer must keep going past poison, handled %d", handled)
	}
}

// The full delivery loop: readying the last item stages a ShipOrder, the
// dispatcher publishes it, the subscriber turns it into RecordShipment and
// the order ends up shipped.
func TestShipmentDelivery_EndToEnd(t *testing.T) {
	store := memory.NewMemoryStore(64)
	t.Cleanup(func() { store.Close() })

	commands := es.NewCommandBus(8, 1)
	t.Cleanup(commands.Stop)
	es.Register(commands, orderfulfillment.NewCreateOrderHandler(store))
	es.Register(commands, orderfulfillment.NewMarkItemReadyHandler(store))
	es.Register(commands, orderfulfillment.NewRecordShipmentHandler(store))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { pubsub.Close() })

	shipments, err := pubsub.Subscribe(ctx, ShipOrder{}.MessageType())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	shipViaBus := func(ctx context.Context, cmd orderfulfillment.RecordShipment) (es.AppendResult, error) {
		return commands.Dispatch(ctx, cmd)
	}
	go consumeShipments(ctx, discardLogger(), shipments, newShipmentProcessor(discardLogger(), shipViaBus))

	dispatcher := outbox.NewDispatcher(store, pubsub,
		outbox.WithPollInterval(5*time.Millisecond),
		outbox.WithLogger(discardLogger()),
	)
	go dispatcher.Run(ctx)

	if _, err := commands.Dispatch(ctx, orderfulfillment.CreateOrder{OrderID: "order-1", Items: []string{"mug"}}); err != nil {
		t.Fatalf("create order: %v", err)
	}
	if _, err := commands.Dispatch(ctx, orderfulfillment.MarkItemReady{OrderID: "order-1", Name: "mug"}); err != nil {
		t.Fatalf("mark item ready: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		iter, err := store.LoadStream(ctx, "order-1")
		if err != nil {
			t.Fatalf("load stream: %v", err)
		}
		shipped := false
		for iter.Next(ctx) {
			if _, ok := iter.Value().Event.(orderfulfillment.OrderShipped); ok {
				shipped = true
			}
		}
		if err := iter.Err(); err != nil {
			t.Fatalf("iterate stream: %v", err)
		}
		if shipped {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("order never shipped")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
