// Package outbox relays committed outbox messages to a message transport.
// The relay publishes first and marks dispatched second, so a crash between
// the two results in a duplicate delivery rather than a lost one:
// at-least-once is the contract, consumers dedupe on message ID.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"

	"github.com/terraskye/eventflow"
)

const (
	defaultPollInterval = 100 * time.Millisecond
	defaultBatchSize    = 64
)

// TopicFunc maps an outbox message to the topic it is published on.
type TopicFunc func(msg *eventflow.OutboxMessage) string

// DefaultTopic publishes each message on a topic named after its type.
func DefaultTopic(msg *eventflow.OutboxMessage) string {
	return msg.Message.MessageType()
}

// Dispatcher polls an OutboxStore for pending messages and hands them to a
// watermill publisher.
type Dispatcher struct {
	store        eventflow.OutboxStore
	publisher    message.Publisher
	logger       *slog.Logger
	topic        TopicFunc
	pollInterval time.Duration
	batchSize    int
}

type Option func(*Dispatcher)

// WithPollInterval sets the delay between polls when the outbox is empty.
func WithPollInterval(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.pollInterval = d
		}
	}
}

// WithBatchSize bounds how many pending messages one poll picks up.
func WithBatchSize(n int) Option {
	return func(disp *Dispatcher) {
		if n > 0 {
			disp.batchSize = n
		}
	}
}

// WithTopicFunc overrides the message-to-topic mapping.
func WithTopicFunc(fn TopicFunc) Option {
	return func(disp *Dispatcher) {
		if fn != nil {
			disp.topic = fn
		}
	}
}

// WithLogger sets the dispatcher's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(disp *Dispatcher) {
		if logger != nil {
			disp.logger = logger
		}
	}
}

func NewDispatcher(store eventflow.OutboxStore, publisher message.Publisher, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:        store,
		publisher:    publisher,
		logger:       slog.Default(),
		topic:        DefaultTopic,
		pollInterval: defaultPollInterval,
		batchSize:    defaultBatchSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run polls until the context is cancelled. Delivery errors are logged and
// retried on the next poll; they never stop the loop.
func (d *Dispatcher) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		if _, err := d.DispatchPending(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Error("outbox dispatch failed", "error", err)
		}

		timer.Reset(d.pollInterval)
	}
}

// DispatchPending delivers one batch of pending messages and reports how many
// were handed to the transport. A publish failure stops the batch; already
// published messages are marked dispatched so they are not re-sent.
func (d *Dispatcher) DispatchPending(ctx context.Context) (int, error) {
	pending, err := d.store.PendingMessages(ctx, d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("load pending outbox messages: %w", err)
	}

	dispatched := 0
	for _, msg := range pending {
		if err := ctx.Err(); err != nil {
			return dispatched, err
		}

		if err := d.publish(ctx, msg); err != nil {
			if eventflow.MetricsInitialized() {
				eventflow.DispatchErrors.Add(ctx, 1)
			}
			return dispatched, fmt.Errorf("publish message %s: %w", msg.MessageID, err)
		}

		if err := d.store.MarkDispatched(ctx, msg.MessageID); err != nil {
			return dispatched, fmt.Errorf("mark message %s dispatched: %w", msg.MessageID, err)
		}
		dispatched++

		if eventflow.MetricsInitialized() {
			eventflow.MessagesDispatched.Add(ctx, 1)
		}

		d.logger.Debug("outbox message dispatched",
			"message_id", msg.MessageID,
			"message_type", msg.Message.MessageType(),
			"stream_id", msg.StreamID,
		)
	}
	return dispatched, nil
}

func (d *Dispatcher) publish(ctx context.Context, msg *eventflow.OutboxMessage) error {
	payload, err := json.Marshal(msg.Message)
	if err != nil {
		return fmt.Errorf("encode message %q: %w", msg.Message.MessageType(), err)
	}

	wm := message.NewMessage(msg.MessageID.String(), payload)
	wm.SetContext(ctx)
	wm.Metadata.Set("stream_id", msg.StreamID)
	wm.Metadata.Set("message_type", msg.Message.MessageType())
	wm.Metadata.Set("enqueued_at", msg.EnqueuedAt.UTC().Format(time.RFC3339Nano))
	for key, value := range msg.Metadata {
		wm.Metadata.Set(key, fmt.Sprint(value))
	}

	return d.publisher.Publish(d.topic(msg), wm)
}
