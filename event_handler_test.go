package eventflow

import (
	"context"
	"errors"
	"testing"
)

type orderReady struct {
	OrderID string
}

func (e orderReady) EventType() string   { return "orderReady" }
func (e orderReady) AggregateID() string { return e.OrderID }

type orderShipped struct {
	OrderID string
}

func (e orderShipped) EventType() string   { return "orderShipped" }
func (e orderShipped) AggregateID() string { return e.OrderID }

func TestOnDelivered_TypedHandler(t *testing.T) {
	var got orderReady
	handler := OnDelivered(func(ctx context.Context, ev orderReady) error {
		got = ev
		return nil
	})

	if err := handler.Handle(context.Background(), orderReady{OrderID: "o1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.OrderID != "o1" {
		t.Fatalf("handler did not receive the event: %+v", got)
	}

	// Wrong type is reported, not silently dropped.
	err := handler.Handle(context.Background(), orderShipped{OrderID: "o1"})
	var skipped *ErrSkippedEvent
	if !errors.As(err, &skipped) {
		t.Fatalf("expected *ErrSkippedEvent, got %v", err)
	}
}

func TestEventGroupProcessor_Routes(t *testing.T) {
	var readies, shipments int
	group := NewEventGroupProcessor(
		OnDelivered(func(ctx context.Context, ev orderReady) error {
			readies++
			return nil
		}),
		OnDelivered(func(ctx context.Context, ev orderShipped) error {
			shipments++
			return nil
		}),
	)

	ctx := context.Background()
	if err := group.Handle(ctx, orderReady{OrderID: "o1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := group.Handle(ctx, orderShipped{OrderID: "o1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if readies != 1 || shipments != 1 {
		t.Fatalf("routing off: readies=%d shipments=%d", readies, shipments)
	}

	// No handler for this type.
	err := group.Handle(ctx, testEvent{agg: "o1", typ: "other"})
	var skipped *ErrSkippedEvent
	if !errors.As(err, &skipped) {
		t.Fatalf("expected *ErrSkippedEvent, got %v", err)
	}
}

func TestEventGroupProcessor_HandlerErrorsPropagate(t *testing.T) {
	wantErr := errors.New("projection write failed")
	group := NewEventGroupProcessor(
		OnDelivered(func(ctx context.Context, ev orderReady) error {
			return wantErr
		}),
	)

	if err := group.Handle(context.Background(), orderReady{}); !errors.Is(err, wantErr) {
		t.Fatalf("expected handler error, got %v", err)
	}
}

func TestEventGroupProcessor_StreamFilter(t *testing.T) {
	group := NewEventGroupProcessor(
		OnDelivered(func(ctx context.Context, ev orderShipped) error { return nil }),
		OnDelivered(func(ctx context.Context, ev orderReady) error { return nil }),
	)

	filter := group.StreamFilter()
	if len(filter) != 2 || filter[0] != "orderReady" || filter[1] != "orderShipped" {
		t.Fatalf("unexpected filter: %v", filter)
	}
}

func TestEventGroupProcessor_DuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate typed handler")
		}
	}()

	NewEventGroupProcessor(
		OnDelivered(func(ctx context.Context, ev orderReady) error { return nil }),
		OnDelivered(func(ctx context.Context, ev orderReady) error { return nil }),
	)
}

func TestEventGroupProcessor_UntypedHandlerPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for handler without EventName")
		}
	}()

	NewEventGroupProcessor(
		NewEventHandlerFunc(func(ctx context.Context, event Event) error { return nil }),
	)
}
