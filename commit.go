package eventflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// CommitOption customizes how Commit wraps buffered events and messages.
type CommitOption func(cfg *commitOptions)

type commitOptions struct {
	metadataFuncs []func(ctx context.Context) map[string]any
}

// WithCommitMetadata adds a metadata extractor applied to every envelope and
// outbox message of the commit. Multiple extractors are merged in order of
// registration.
func WithCommitMetadata(fn func(ctx context.Context) map[string]any) CommitOption {
	return func(cfg *commitOptions) {
		cfg.metadataFuncs = append(cfg.metadataFuncs, fn)
	}
}

// Commit persists the session's buffered events together with its staged
// messages as one atomic unit, guarded by the session's concurrency token.
//
// Buffered events are wrapped in envelopes with fresh IDs, consecutive
// versions starting at ExpectedVersion+1 and a shared timestamp; staged
// messages are wrapped in OutboxMessage records. Both are handed to the
// store in a single SaveWithMessages call, so a crash or a lost race never
// leaves events committed without their messages or vice versa.
//
// Outcomes:
//   - Nothing buffered: success without touching the store.
//   - Revision conflict: *StreamRevisionConflictError; no events appended,
//     no messages enqueued. The conflict handler decides whether to retry.
//   - Success: version advanced by exactly len(events); messages are now
//     pending and eligible for asynchronous delivery.
func Commit[T any](ctx context.Context, store OutboxStore, session *Session[T], opts ...CommitOption) (AppendResult, error) {
	cfg := &commitOptions{}
	for _, o := range opts {
		o(cfg)
	}

	if len(session.events) == 0 && len(session.messages) == 0 {
		return AppendResult{
			Successful:          true,
			StreamID:            session.StreamID,
			NextExpectedVersion: session.ExpectedVersion,
		}, nil
	}

	metadata := make(map[string]any)
	for _, fn := range cfg.metadataFuncs {
		for k, v := range fn(ctx) {
			metadata[k] = v
		}
	}

	occurredAt := now()

	// Each envelope and message owns its metadata map; decorators enrich
	// them per record without bleeding into siblings of the same commit.
	envelopes := make([]Envelope, len(session.events))
	version := session.ExpectedVersion
	for i, event := range session.events {
		version++
		envelopes[i] = Envelope{
			EventID:    uuid.New(),
			StreamID:   session.StreamID,
			Event:      event,
			Metadata:   cloneMetadata(metadata),
			Version:    version,
			OccurredAt: occurredAt,
		}
	}

	messages := make([]OutboxMessage, len(session.messages))
	for i, message := range session.messages {
		messages[i] = OutboxMessage{
			MessageID:  uuid.New(),
			StreamID:   session.StreamID,
			Message:    message,
			Metadata:   cloneMetadata(metadata),
			EnqueuedAt: occurredAt,
		}
	}

	result, err := store.SaveWithMessages(ctx, envelopes, messages, session.guard)
	if err != nil {
		if IsConflict(err) {
			return result, err
		}
		return result, fmt.Errorf("commit stream %q: %w", session.StreamID, err)
	}

	return result, nil
}

func cloneMetadata(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
