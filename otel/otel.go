// Package otel provides OpenTelemetry decorators for command handlers and
// event stores. Instrumentation is decorator-based: the engine itself never
// records telemetry.
package otel

import (
	"github.com/terraskye/eventflow"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/terraskye/eventflow"
)

// Semantic attribute keys following OpenTelemetry conventions
const (
	// Command attributes
	AttrCommandType = attribute.Key("eventflow.command.type")
	AttrAggregateID = attribute.Key("eventflow.aggregate.id")

	// Stream attributes
	AttrStreamID      = attribute.Key("eventflow.stream.id")
	AttrStreamVersion = attribute.Key("eventflow.stream.version")

	// Event attributes
	AttrEventType      = attribute.Key("eventflow.event.type")
	AttrEventID        = attribute.Key("eventflow.event.id")
	AttrEventCount     = attribute.Key("eventflow.events.count")
	AttrEventGlobalPos = attribute.Key("eventflow.event.global_position")
	AttrEventStreamPos = attribute.Key("eventflow.event.stream_position")

	// Outbox attributes
	AttrMessageType  = attribute.Key("eventflow.message.type")
	AttrMessageCount = attribute.Key("eventflow.messages.count")

	// Error attributes
	AttrErrorType    = attribute.Key("eventflow.error.type")
	AttrErrorMessage = attribute.Key("eventflow.error.message")
	AttrRetryCount   = attribute.Key("eventflow.retry.count")
	AttrRetryMax     = attribute.Key("eventflow.retry.max")

	// Operation attributes
	AttrOperation    = attribute.Key("eventflow.operation")
	AttrConflictType = attribute.Key("eventflow.conflict.type")
)

var (
	meter  = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(eventflow.InstrumentationVersion))
	tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(eventflow.InstrumentationVersion))

	// EventStore metrics
	EventStoreSaves, _ = meter.Int64Counter(
		"eventflow.eventstore.saves",
		metric.WithDescription("Number of save operations"),
		metric.WithUnit("{operation}"),
	)

	EventStoreLoads, _ = meter.Int64Counter(
		"eventflow.eventstore.loads",
		metric.WithDescription("Number of load operations"),
		metric.WithUnit("{operation}"),
	)

	EventStoreDuration, _ = meter.Float64Histogram(
		"eventflow.eventstore.duration",
		metric.WithDescription("Event store operation duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)

	EventStoreErrors, _ = meter.Int64Counter(
		"eventflow.eventstore.errors",
		metric.WithDescription("Number of event store errors"),
		metric.WithUnit("{error}"),
	)
)

func init() {
	// The command/outbox/concurrency instruments live in the root package so
	// non-telemetry code can record into them; make sure they exist before
	// any decorator runs.
	_ = eventflow.InitMetrics()
}
