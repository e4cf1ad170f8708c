package eventflow

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
)

// queuedCommand represents a command enqueued in the command bus for
// processing, together with the context for cancellation and a response
// channel to return the processing result.
type queuedCommand struct {
	Ctx        context.Context
	Command    Command
	ResponseCh chan<- commandResult
}

// commandResult carries the AppendResult and any error encountered while
// handling a command.
type commandResult struct {
	Result AppendResult
	Err    error
}

// CommandBus is an in-memory, type-safe command dispatcher. It maintains a
// mapping of command type names to their handlers and a set of sharded
// queues; commands for the same aggregate always land on the same shard, so
// in-process dispatches against one stream are naturally serialized while
// different streams proceed in parallel.
//
// The bus supports:
//   - Typed command registration using generics (Register)
//   - Safe shutdown that waits for in-flight commands to complete
//   - Panic recovery in handlers to prevent the bus from crashing
//
// Sharding is a throughput optimization only; correctness under concurrent
// writers (including other processes) still rests on the store's
// compare-and-append guard.
type CommandBus struct {
	handlers   map[string]func(ctx context.Context, command Command) (AppendResult, error)
	queues     []chan queuedCommand
	wg         sync.WaitGroup
	mu         sync.RWMutex
	stopped    bool
	shardCount int
}

// NewCommandBus creates a command bus with the given per-shard buffer size
// and shard count. Worker goroutines are started immediately.
func NewCommandBus(bufferSize int, shardCount int) *CommandBus {
	if shardCount <= 0 {
		shardCount = 1
	}

	bus := &CommandBus{
		queues:     make([]chan queuedCommand, shardCount),
		handlers:   make(map[string]func(ctx context.Context, command Command) (AppendResult, error)),
		shardCount: shardCount,
	}

	for i := 0; i < shardCount; i++ {
		bus.queues[i] = make(chan queuedCommand, bufferSize)
		go bus.worker(bus.queues[i])
	}

	return bus
}

// Dispatch enqueues a command for its registered handler and waits for the
// result. It is safe to call concurrently and returns an error immediately
// if the bus has been stopped or the context expires first.
func (b *CommandBus) Dispatch(ctx context.Context, cmd Command) (AppendResult, error) {
	// The in-flight count must grow under the same lock that Stop uses to
	// flip the stopped flag, or a dispatch could slip past the check and
	// send on a queue Stop already closed.
	b.mu.RLock()
	if b.stopped {
		b.mu.RUnlock()
		return AppendResult{Successful: false}, fmt.Errorf("command bus is stopped")
	}
	b.wg.Add(1)
	b.mu.RUnlock()
	defer b.wg.Done()

	responseCh := make(chan commandResult, 1)

	shard := b.getShard(cmd.AggregateID())

	select {
	case b.queues[shard] <- queuedCommand{Ctx: ctx, Command: cmd, ResponseCh: responseCh}:
		select {
		case result := <-responseCh:
			return result.Result, result.Err
		case <-ctx.Done():
			return AppendResult{Successful: false}, ctx.Err()
		}
	case <-ctx.Done():
		return AppendResult{Successful: false}, ctx.Err()
	}
}

// worker processes commands from a single shard queue.
func (b *CommandBus) worker(queue chan queuedCommand) {
	for cmd := range queue {
		cmdName := fmt.Sprintf("%T", cmd.Command)

		b.mu.RLock()
		h, exists := b.handlers[cmdName]
		b.mu.RUnlock()

		if !exists {
			cmd.ResponseCh <- commandResult{
				Result: AppendResult{Successful: false},
				Err:    fmt.Errorf("no handler for command %s", cmdName),
			}
			continue
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					cmd.ResponseCh <- commandResult{
						Result: AppendResult{Successful: false},
						Err:    fmt.Errorf("panic in handler: %v", r),
					}
				}
			}()

			res, err := h(cmd.Ctx, cmd.Command)
			cmd.ResponseCh <- commandResult{Result: res, Err: err}
		}()
	}
}

func (b *CommandBus) getShard(aggregateID string) int {
	hash := fnv.New32a()
	hash.Write([]byte(aggregateID))
	return int(hash.Sum32()) % b.shardCount
}

// Register adds a typed command handler to the bus. The command type name is
// derived automatically, so no manual registration strings are needed.
// Panics if a handler is already registered for the same command type.
func Register[C Command](b *CommandBus, handler CommandHandler[C]) {
	var zero C
	cmdName := fmt.Sprintf("%T", zero)
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[cmdName]; exists {
		panic(fmt.Sprintf("handler already registered for command type %s", cmdName))
	}

	b.handlers[cmdName] = func(ctx context.Context, cmd Command) (AppendResult, error) {
		c, ok := cmd.(C)
		if !ok {
			return AppendResult{Successful: false}, fmt.Errorf("expected command type %s but got %T", cmdName, cmd)
		}
		return handler(ctx, c)
	}
}

// Stop shuts down the bus: it stops accepting new commands, waits for all
// in-flight commands to finish and closes the shard queues. Safe to call
// more than once.
func (b *CommandBus) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()

	b.wg.Wait()
	for _, q := range b.queues {
		close(q)
	}
}
