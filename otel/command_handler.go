package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/terraskye/eventflow"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// WithCommandTelemetry wraps a CommandHandler with OpenTelemetry tracing and metrics.
//
// This decorator observes the execution of a command handler, producing both
// tracing spans and metrics that reflect the command lifecycle, success or
// failure, concurrency conflicts, and processing duration.
//
// The wrapper performs the following steps for each command execution:
//  1. Starts a span for the command handling operation, named after the command type.
//  2. Attaches base attributes such as command type and aggregate ID.
//  3. Increments the in-flight command metric before execution and decrements it after completion.
//  4. Invokes the underlying command handler.
//  5. Updates span attributes and metrics based on the handler's result:
//     - Sets the stream ID attribute from the AppendResult.
//     - Records the command duration metric.
//     - Updates span status (OK or Error).
//     - Emits metrics for handled commands, failed commands, concurrency
//       conflicts, and discarded cycles.
//
// Behavior Details:
//   - A revision conflict that the retrier later resolves never reaches this
//     decorator; only the terminal outcome of the whole cycle does.
//   - A discarded cycle (ErrConflictBudgetExhausted) records CyclesDiscarded
//     and marks the span with a cycle_discarded event; the span status is
//     still Error since the caller sees a failure.
//   - A domain validation failure (ErrDomainValidation) sets span status OK:
//     the operation executed correctly and rejected bad input.
//
// Example Usage:
//
//	handler := WithCommandTelemetry(myCommandHandler)
//	result, err := handler(ctx, myCommand)
func WithCommandTelemetry[C eventflow.Command](next eventflow.CommandHandler[C]) eventflow.CommandHandler[C] {
	var zero C
	commandType := fmt.Sprintf("%T", zero)

	baseAttributes := []attribute.KeyValue{
		AttrCommandType.String(commandType),
	}

	return func(ctx context.Context, cmd C) (eventflow.AppendResult, error) {
		attr := append(baseAttributes, AttrAggregateID.String(cmd.AggregateID()))

		ctx, span := tracer.Start(ctx, fmt.Sprintf("command.handle %s", commandType),
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(attr...),
		)
		defer span.End()

		eventflow.CommandsInFlight.Add(ctx, 1, metric.WithAttributes(AttrCommandType.String(commandType)))
		defer eventflow.CommandsInFlight.Add(ctx, -1, metric.WithAttributes(AttrCommandType.String(commandType)))
		startTime := time.Now()
		result, err := next(ctx, cmd)

		// Add streamID to attributes after execution
		attr = append(attr,
			AttrStreamID.String(result.StreamID),
			AttrStreamVersion.Int64(int64(result.NextExpectedVersion)),
		)

		// Record duration metric
		eventflow.CommandsDuration.Record(ctx, float64(time.Since(startTime).Milliseconds()), metric.WithAttributes(AttrCommandType.String(commandType)))

		// Update span attributes
		span.SetAttributes(attr...)

		if err != nil {
			if eventflow.IsConflict(err) {
				eventflow.ConcurrencyConflicts.Add(ctx, 1, metric.WithAttributes(AttrCommandType.String(commandType)))
				span.AddEvent("concurrency_conflict", trace.WithAttributes(
					AttrStreamID.String(result.StreamID),
				))
			}

			if errors.Is(err, eventflow.ErrConflictBudgetExhausted) {
				eventflow.CyclesDiscarded.Add(ctx, 1, metric.WithAttributes(AttrCommandType.String(commandType)))
				span.AddEvent("cycle_discarded", trace.WithAttributes(
					AttrCommandType.String(commandType),
					AttrStreamID.String(result.StreamID),
				))
			}

			if errors.Is(err, eventflow.ErrDomainValidation) {
				span.SetStatus(codes.Ok, fmt.Sprintf("domain validation: %v", err))
				span.AddEvent("domain_validation_rejected", trace.WithAttributes(
					AttrCommandType.String(commandType),
					AttrAggregateID.String(cmd.AggregateID()),
					AttrStreamID.String(result.StreamID),
					AttrStreamVersion.Int64(int64(result.NextExpectedVersion)),
				))
				eventflow.CommandsFailed.Add(ctx, 1, metric.WithAttributes(AttrCommandType.String(commandType)))
				return result, err
			}

			// Real system error
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
			eventflow.CommandsFailed.Add(ctx, 1, metric.WithAttributes(AttrCommandType.String(commandType)))
			return result, err

		} else {
			span.SetStatus(codes.Ok, "")
		}

		eventflow.CommandsHandled.Add(ctx, 1, metric.WithAttributes(AttrCommandType.String(commandType)))

		return result, err
	}
}
