package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	es "github.com/terraskye/eventflow"
	"github.com/terraskye/eventflow/examples/orderfulfillment"
	"github.com/terraskye/eventflow/logging"
)

// ShipOrder mirrors the domain message shape for decoding.
type ShipOrder = orderfulfillment.ShipOrder

// newShipmentProcessor builds the handler chain for delivered shipping
// instructions: a typed router turning ShipOrder into RecordShipment
// commands, wrapped in the event logging middleware.
func newShipmentProcessor(logger *slog.Logger, dispatch es.CommandHandler[orderfulfillment.RecordShipment]) es.EventHandler {
	group := es.NewEventGroupProcessor(
		es.OnDelivered(func(ctx context.Context, m ShipOrder) error {
			_, err := dispatch(ctx, orderfulfillment.RecordShipment{OrderID: m.OrderID})
			return err
		}),
	)
	return logging.WithLoggingMiddleware(logger, group)
}

// consumeShipments feeds delivered messages through the handler chain.
// Delivery is at-least-once, so the resulting command is an idempotent no-op
// for an already shipped order; handler failures are nacked and redelivered,
// undecodable or unroutable messages are acked as poison.
func consumeShipments(ctx context.Context, logger *slog.Logger, msgs <-chan *message.Message, handler es.EventHandler) {
	for msg := range msgs {
		var ship ShipOrder
		if err := json.Unmarshal(msg.Payload, &ship); err != nil {
			logger.Error("undecodable shipment message", "message_id", msg.UUID, "error", err)
			msg.Ack()
			continue
		}

		err := handler.Handle(deliveryContext(ctx, msg, ship), ship)
		if err != nil {
			var skipped *es.ErrSkippedEvent
			if errors.As(err, &skipped) {
				logger.Warn("no handler for delivered message", "message_id", msg.UUID)
				msg.Ack()
				continue
			}
			logger.Error("record shipment failed", "order_id", ship.OrderID, "error", err)
			msg.Nack()
			continue
		}
		msg.Ack()
	}
}

// deliveryContext rebuilds the outbox identity from the transport metadata
// the dispatcher attached, so handlers and decorators downstream can log and
// correlate the delivery without seeing the transport.
func deliveryContext(ctx context.Context, msg *message.Message, ship ShipOrder) context.Context {
	messageID, err := uuid.Parse(msg.UUID)
	if err != nil {
		messageID = uuid.Nil
	}
	enqueuedAt, _ := time.Parse(time.RFC3339Nano, msg.Metadata.Get("enqueued_at"))

	ctx = es.WithOutboxMessage(ctx, &es.OutboxMessage{
		MessageID:  messageID,
		StreamID:   msg.Metadata.Get("stream_id"),
		Message:    ship,
		EnqueuedAt: enqueuedAt,
	})
	return es.WithCausation(ctx, msg.UUID)
}
