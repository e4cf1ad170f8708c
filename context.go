package eventflow

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ctxKey string

const (
	streamIDKey      ctxKey = "streamID"
	eventIDKey       ctxKey = "eventID"
	messageIDKey     ctxKey = "messageID"
	versionKey       ctxKey = "version"
	globalVersionKey ctxKey = "global_version"
	occurredAtKey    ctxKey = "occurredAt"
	metadataKey      ctxKey = "metadata"
	causationKey     ctxKey = "causation"
)

// WithEnvelope adds the envelope's identity and placement to the context, so
// downstream handlers and decorators can log and trace without threading the
// envelope itself.
func WithEnvelope(ctx context.Context, env *Envelope) context.Context {
	ctx = context.WithValue(ctx, streamIDKey, env.StreamID)
	ctx = context.WithValue(ctx, eventIDKey, env.EventID)
	ctx = context.WithValue(ctx, versionKey, env.Version)
	ctx = context.WithValue(ctx, globalVersionKey, env.GlobalVersion)
	ctx = context.WithValue(ctx, occurredAtKey, env.OccurredAt)
	ctx = context.WithValue(ctx, metadataKey, env.Metadata)
	return ctx
}

// WithOutboxMessage adds the outbox message's identity to the context.
func WithOutboxMessage(ctx context.Context, msg *OutboxMessage) context.Context {
	ctx = context.WithValue(ctx, streamIDKey, msg.StreamID)
	ctx = context.WithValue(ctx, messageIDKey, msg.MessageID)
	ctx = context.WithValue(ctx, occurredAtKey, msg.EnqueuedAt)
	ctx = context.WithValue(ctx, metadataKey, msg.Metadata)
	return ctx
}

// WithCausation records the identity of the event or command that caused the
// current work, for correlation across commits.
func WithCausation(ctx context.Context, causationID string) context.Context {
	return context.WithValue(ctx, causationKey, causationID)
}

// CausationFromContext returns the causation ID or "" if not present.
func CausationFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(causationKey).(string); ok {
		return v
	}
	return ""
}

// StreamIDFromContext returns the StreamID or "" if not present.
func StreamIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(streamIDKey).(string); ok {
		return v
	}
	return ""
}

// EventIDFromContext returns the EventID or uuid.Nil if not present.
func EventIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(eventIDKey).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

// MessageIDFromContext returns the outbox message ID or uuid.Nil if not present.
func MessageIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(messageIDKey).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

// VersionFromContext returns the stream version or 0 if not present.
func VersionFromContext(ctx context.Context) uint64 {
	if v, ok := ctx.Value(versionKey).(uint64); ok {
		return v
	}
	return 0
}

// GlobalVersionFromContext returns the global position or 0 if not present.
func GlobalVersionFromContext(ctx context.Context) uint64 {
	if v, ok := ctx.Value(globalVersionKey).(uint64); ok {
		return v
	}
	return 0
}

// OccurredAtFromContext returns OccurredAt or the zero time if not present.
func OccurredAtFromContext(ctx context.Context) time.Time {
	if v, ok := ctx.Value(occurredAtKey).(time.Time); ok {
		return v
	}
	return time.Time{}
}

// MetadataFromContext returns Metadata or nil if not present.
func MetadataFromContext(ctx context.Context) map[string]any {
	if v, ok := ctx.Value(metadataKey).(map[string]any); ok {
		return v
	}
	return nil
}
