package otel

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/terraskye/eventflow"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var _ eventflow.OutboxStore = (*TelemetryStore)(nil)

type TelemetryStore struct {
	next eventflow.OutboxStore
}

// Save with metrics + span
func (t TelemetryStore) Save(ctx context.Context, events []eventflow.Envelope, revision eventflow.StreamState) (eventflow.AppendResult, error) {
	return t.saveWithMessages(ctx, "EventStore.Save", events, nil, revision,
		func(ctx context.Context, events []eventflow.Envelope, _ []eventflow.OutboxMessage, revision eventflow.StreamState) (eventflow.AppendResult, error) {
			return t.next.Save(ctx, events, revision)
		})
}

// SaveWithMessages with metrics + span; the trace context is injected into
// the envelope metadata so downstream consumers can continue the trace.
func (t TelemetryStore) SaveWithMessages(ctx context.Context, events []eventflow.Envelope, messages []eventflow.OutboxMessage, revision eventflow.StreamState) (eventflow.AppendResult, error) {
	return t.saveWithMessages(ctx, "EventStore.SaveWithMessages", events, messages, revision, t.next.SaveWithMessages)
}

func (t TelemetryStore) saveWithMessages(
	ctx context.Context,
	spanName string,
	events []eventflow.Envelope,
	messages []eventflow.OutboxMessage,
	revision eventflow.StreamState,
	save func(context.Context, []eventflow.Envelope, []eventflow.OutboxMessage, eventflow.StreamState) (eventflow.AppendResult, error),
) (eventflow.AppendResult, error) {
	var streamID string
	for _, event := range events {
		streamID = event.StreamID
		break
	}

	ctx, span := tracer.Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrOperation.String("save"),
			AttrStreamID.String(streamID),
			AttrEventCount.Int64(int64(len(events))),
			AttrMessageCount.Int64(int64(len(messages))),
			AttrConflictType.String(fmt.Sprintf("%T", revision)),
		),
	)
	defer span.End()

	{
		carrier := propagation.MapCarrier{}

		causationId := eventflow.CausationFromContext(ctx)

		otel.GetTextMapPropagator().Inject(ctx, carrier)
		for i := range events {
			if events[i].Metadata == nil {
				events[i].Metadata = make(map[string]any)
			}
			if causationId != "" {
				events[i].Metadata["causationId"] = causationId
			}

			if span.SpanContext().HasTraceID() {
				events[i].Metadata["correlationId"] = span.SpanContext().TraceID().String()
			}

			for key, value := range carrier {
				events[i].Metadata[key] = value
			}
		}
		for i := range messages {
			if messages[i].Metadata == nil {
				messages[i].Metadata = make(map[string]any)
			}
			if span.SpanContext().HasTraceID() {
				messages[i].Metadata["correlationId"] = span.SpanContext().TraceID().String()
			}
			for key, value := range carrier {
				messages[i].Metadata[key] = value
			}
		}
	}

	start := time.Now()
	result, err := save(ctx, events, messages, revision)
	duration := time.Since(start)

	EventStoreDuration.Record(ctx, float64(duration.Milliseconds()),
		metric.WithAttributes(
			AttrOperation.String("save"),
		),
	)
	EventStoreSaves.Add(ctx, 1, metric.WithAttributes())

	if err != nil {
		EventStoreErrors.Add(ctx, 1, metric.WithAttributes())
		if eventflow.IsConflict(err) {
			// Conflicts are an expected outcome of optimistic concurrency,
			// not a store failure.
			span.AddEvent("concurrency_conflict", trace.WithAttributes(
				AttrStreamID.String(streamID),
			))
		} else {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return result, err
	}

	eventflow.EventsAppended.Add(ctx, int64(len(events)), metric.WithAttributes())
	if len(messages) > 0 {
		eventflow.MessagesEnqueued.Add(ctx, int64(len(messages)), metric.WithAttributes())
	}

	return result, err
}

// LoadStream with inline tracing middleware
func (t TelemetryStore) LoadStream(ctx context.Context, id string) (*eventflow.Iterator[*eventflow.Envelope], error) {
	iter, err := t.next.LoadStream(ctx, id)
	if err != nil {
		EventStoreErrors.Add(ctx, 1, metric.WithAttributes())
		return iter, err
	}

	return t.instrumentedIterator(iter, "EventStore.LoadStream", AttrStreamID.String(id)), nil
}

// LoadStreamFrom with inline tracing middleware
func (t TelemetryStore) LoadStreamFrom(ctx context.Context, id string, version uint64) (*eventflow.Iterator[*eventflow.Envelope], error) {
	iter, err := t.next.LoadStreamFrom(ctx, id, version)
	if err != nil {
		EventStoreErrors.Add(ctx, 1, metric.WithAttributes())
		return iter, err
	}

	return t.instrumentedIterator(iter, "EventStore.LoadStreamFrom",
		AttrStreamID.String(id),
		AttrEventStreamPos.Int64(int64(version)),
	), nil
}

// LoadFromAll with inline tracing middleware
func (t TelemetryStore) LoadFromAll(ctx context.Context, position uint64) (*eventflow.Iterator[*eventflow.Envelope], error) {
	iter, err := t.next.LoadFromAll(ctx, position)
	if err != nil {
		EventStoreErrors.Add(ctx, 1)
		return iter, err
	}

	return t.instrumentedIterator(iter, "EventStore.LoadFromAll",
		AttrEventGlobalPos.Int64(int64(position)),
	), nil
}

// instrumentedIterator wraps an envelope iterator so the load span covers
// the whole lazy fold, starting on first pull and ending on exhaustion.
func (t TelemetryStore) instrumentedIterator(iter *eventflow.Iterator[*eventflow.Envelope], spanName string, attrs ...attribute.KeyValue) *eventflow.Iterator[*eventflow.Envelope] {
	started := false
	var startedAt time.Time
	var loadSpan trace.Span
	var eventCount int64

	return eventflow.NewIteratorFunc(func(ctx context.Context) (*eventflow.Envelope, error) {
		if !started {
			started = true
			startedAt = time.Now()
			ctx, loadSpan = tracer.Start(ctx, spanName,
				trace.WithSpanKind(trace.SpanKindClient),
				trace.WithAttributes(attrs...),
			)
		}

		if !iter.Next(ctx) {
			loadSpan.SetAttributes(AttrEventCount.Int64(eventCount))

			err := iter.Err()
			if err == nil {
				EventStoreDuration.Record(ctx, float64(time.Since(startedAt).Milliseconds()), metric.WithAttributes())
				EventStoreLoads.Add(ctx, 1, metric.WithAttributes())
				loadSpan.End()
				return nil, io.EOF
			}

			EventStoreErrors.Add(ctx, 1, metric.WithAttributes())
			loadSpan.RecordError(err)
			loadSpan.SetStatus(codes.Error, err.Error())
			loadSpan.End()
			return nil, err
		}

		eventCount++
		val := iter.Value()
		eventflow.EventsLoaded.Add(ctx, 1, metric.WithAttributes())

		return val, nil
	})
}

// PendingMessages just forwards with error accounting.
func (t TelemetryStore) PendingMessages(ctx context.Context, limit int) ([]*eventflow.OutboxMessage, error) {
	pending, err := t.next.PendingMessages(ctx, limit)
	if err != nil {
		EventStoreErrors.Add(ctx, 1, metric.WithAttributes())
	}
	return pending, err
}

// MarkDispatched just forwards with error accounting.
func (t TelemetryStore) MarkDispatched(ctx context.Context, ids ...uuid.UUID) error {
	err := t.next.MarkDispatched(ctx, ids...)
	if err != nil {
		EventStoreErrors.Add(ctx, 1, metric.WithAttributes())
	}
	return err
}

// Close just forwards
func (t TelemetryStore) Close() error {
	return t.next.Close()
}

// Constructor
func WithEventStoreTelemetry(next eventflow.OutboxStore) eventflow.OutboxStore {
	return TelemetryStore{next: next}
}
