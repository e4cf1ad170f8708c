package eventflow

import (
	"context"
	"fmt"
)

// StreamNamer produces the stream name for a given command, with access to context.
type StreamNamer func(ctx context.Context, cmd Command) string

// DefaultStreamNamer is the default function used to determine the stream
// name for a command when no custom StreamNamer is provided. By default it
// returns the command's AggregateID.
//
// It can be overridden globally to change the behavior for all command
// handlers, for example to support multi-tenancy or prefixes:
//
//	eventflow.DefaultStreamNamer = func(ctx context.Context, cmd eventflow.Command) string {
//	    tenant := ctx.Value("tenant").(string)
//	    return fmt.Sprintf("%s-orders-%s", tenant, cmd.AggregateID())
//	}
var DefaultStreamNamer StreamNamer = func(ctx context.Context, cmd Command) string {
	return cmd.AggregateID()
}

// CommandHandler handles commands of a specific type, returning the append
// result of the cycle.
type CommandHandler[C Command] func(ctx context.Context, command C) (AppendResult, error)

// CommandHandlerOption customizes a handler built by NewCommandHandler.
type CommandHandlerOption func(cfg *handlerOptions)

type handlerOptions struct {
	policy        ConflictPolicy
	metadataFuncs []func(ctx context.Context) map[string]any
	streamNamer   StreamNamer
	createsStream bool
}

// WithConflictPolicy overrides the conflict retry policy for the handler.
func WithConflictPolicy(policy ConflictPolicy) CommandHandlerOption {
	return func(cfg *handlerOptions) { cfg.policy = policy }
}

// WithMetadataExtractor adds a metadata function applied to every envelope
// and outbox message produced by the handler. Multiple extractors can be
// combined; they are applied in order of registration.
func WithMetadataExtractor(fn func(ctx context.Context) map[string]any) CommandHandlerOption {
	return func(cfg *handlerOptions) {
		cfg.metadataFuncs = append(cfg.metadataFuncs, fn)
	}
}

// WithStreamNamer overrides how the handler maps a command to a stream name.
func WithStreamNamer(namer StreamNamer) CommandHandlerOption {
	return func(cfg *handlerOptions) { cfg.streamNamer = namer }
}

// WithStreamCreation marks the handler as a stream-creating one: instead of
// loading the stream it starts an empty session with the NoStream guard, so
// dispatching the command against an existing stream fails with
// ErrStreamExists.
func WithStreamCreation() CommandHandlerOption {
	return func(cfg *handlerOptions) { cfg.createsStream = true }
}

// NewCommandHandler returns a generic command handler for any aggregate type.
//
// Each cycle performs the following steps:
//  1. Load the stream and fold it through the projector, capturing the
//     expected version (FetchForWriting) — or start an empty session for
//     stream-creating handlers.
//  2. Run the decider against the folded aggregate to produce events and
//     staged messages.
//  3. Commit events and messages atomically under the captured version.
//  4. On a revision conflict, re-run the whole cycle under the configured
//     ConflictPolicy; once the budget is spent the cycle is discarded with
//     ErrConflictBudgetExhausted.
//
// Domain validation failures (errors wrapping ErrDomainValidation), missing
// streams (ErrStreamNotFound) and projection defects are never retried and
// propagate to the caller immediately. A decider returning an empty Decision
// succeeds without persisting anything.
func NewCommandHandler[T any, C Command](
	store OutboxStore,
	projector *Projector[T],
	decide Decider[T, C],
	opts ...CommandHandlerOption,
) CommandHandler[C] {
	return func(ctx context.Context, command C) (AppendResult, error) {
		cfg := &handlerOptions{
			policy:      DefaultConflictPolicy(),
			streamNamer: DefaultStreamNamer,
		}
		for _, o := range opts {
			o(cfg)
		}

		stream := cfg.streamNamer(ctx, command)

		commitOpts := make([]CommitOption, 0, len(cfg.metadataFuncs))
		for _, fn := range cfg.metadataFuncs {
			commitOpts = append(commitOpts, WithCommitMetadata(fn))
		}

		attempt := func(ctx context.Context) (AppendResult, error) {
			var session *Session[T]

			if cfg.createsStream {
				session = StartStream[T](stream)
			} else {
				var err error
				session, err = FetchForWriting(ctx, store, projector, stream)
				if err != nil {
					return AppendResult{Successful: false, StreamID: stream}, err
				}
			}

			decision, err := decide(session.Aggregate, command)
			if err != nil {
				return AppendResult{Successful: false, StreamID: stream},
					fmt.Errorf("handle command %T for stream %q: %w", command, stream, err)
			}

			session.Append(decision.Events...)
			session.StageMessage(decision.Messages...)

			return Commit(ctx, store, session, commitOpts...)
		}

		retrier := NewConflictRetrier(cfg.policy)
		return retrier.Do(ctx, attempt)
	}
}
