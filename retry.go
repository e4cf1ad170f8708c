package eventflow

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// CycleState is the state of one command-processing cycle as seen by the
// conflict handler.
type CycleState int

const (
	// CycleFresh: no attempt made yet.
	CycleFresh CycleState = iota
	// CycleAttempting: a load→decide→commit pass is in flight.
	CycleAttempting
	// CycleCommitted: terminal success.
	CycleCommitted
	// CycleConflicted: the last commit lost a compare-and-append race and
	// the retry budget is not yet spent.
	CycleConflicted
	// CycleDiscarded: terminal failure; either the budget is exhausted or
	// a non-retryable error ended the cycle.
	CycleDiscarded
)

func (s CycleState) String() string {
	switch s {
	case CycleFresh:
		return "fresh"
	case CycleAttempting:
		return "attempting"
	case CycleCommitted:
		return "committed"
	case CycleConflicted:
		return "conflicted"
	case CycleDiscarded:
		return "discarded"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ConflictPolicy is the bounded retry policy applied to revision conflicts.
//
// Only errors classified by IsConflict are retried; domain validation
// failures, missing streams and projection defects terminate the cycle
// immediately. Every retry re-runs the whole cycle — re-read, re-fold,
// re-decide, re-commit — because the point of the conflict is that another
// writer changed the state the decision was based on.
type ConflictPolicy struct {
	// MaxAttempts bounds the total number of load→decide→commit passes.
	// Once spent, the cycle is discarded with ErrConflictBudgetExhausted.
	MaxAttempts int

	// NewSchedule produces the delay schedule consulted between attempts.
	// A fresh schedule is created per cycle so cycles do not share state.
	NewSchedule func() backoff.BackOff

	// IsConflict classifies an error as the retryable concurrency signal.
	IsConflict func(err error) bool
}

// DefaultConflictPolicy returns the stock policy: three attempts per cycle,
// first retry immediate, second retry after a short fixed delay, then
// discard.
func DefaultConflictPolicy() ConflictPolicy {
	return ConflictPolicy{
		MaxAttempts: 3,
		NewSchedule: func() backoff.BackOff { return ImmediateThenConstant(250 * time.Millisecond) },
		IsConflict:  IsConflict,
	}
}

// ImmediateThenConstant is a backoff schedule whose first delay is zero and
// whose later delays are the given constant.
func ImmediateThenConstant(delay time.Duration) backoff.BackOff {
	return &immediateThenConstant{delay: delay}
}

type immediateThenConstant struct {
	delay time.Duration
	calls int
}

func (b *immediateThenConstant) NextBackOff() time.Duration {
	b.calls++
	if b.calls == 1 {
		return 0
	}
	return b.delay
}

func (b *immediateThenConstant) Reset() { b.calls = 0 }

// ConflictRetrier drives one command cycle through the conflict state
// machine: Fresh → Attempting → {Committed | Conflicted}, Conflicted →
// Attempting while budget remains, Conflicted → Discarded once it is spent.
// The retrier is single-use; its State and Attempts are test-visible.
type ConflictRetrier struct {
	policy   ConflictPolicy
	state    CycleState
	attempts int
}

// NewConflictRetrier creates a retrier for one cycle. Zero-valued policy
// fields fall back to the defaults.
func NewConflictRetrier(policy ConflictPolicy) *ConflictRetrier {
	def := DefaultConflictPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.NewSchedule == nil {
		policy.NewSchedule = def.NewSchedule
	}
	if policy.IsConflict == nil {
		policy.IsConflict = def.IsConflict
	}
	return &ConflictRetrier{policy: policy, state: CycleFresh}
}

// State returns the cycle's current state.
func (r *ConflictRetrier) State() CycleState { return r.state }

// Attempts returns how many passes have been started.
func (r *ConflictRetrier) Attempts() int { return r.attempts }

// Do runs attempt until it commits, fails with a non-retryable error, or the
// conflict budget is exhausted. On exhaustion the returned error wraps both
// ErrConflictBudgetExhausted and the last conflict.
func (r *ConflictRetrier) Do(ctx context.Context, attempt func(ctx context.Context) (AppendResult, error)) (AppendResult, error) {
	schedule := r.policy.NewSchedule()
	schedule.Reset()

	for {
		r.state = CycleAttempting
		r.attempts++

		result, err := attempt(ctx)
		if err == nil {
			r.state = CycleCommitted
			return result, nil
		}

		if !r.policy.IsConflict(err) {
			r.state = CycleDiscarded
			return result, err
		}

		r.state = CycleConflicted

		if r.attempts >= r.policy.MaxAttempts {
			r.state = CycleDiscarded
			return result, fmt.Errorf("cycle discarded after %d attempts: %w: %w",
				r.attempts, ErrConflictBudgetExhausted, err)
		}

		delay := schedule.NextBackOff()
		if delay == backoff.Stop {
			r.state = CycleDiscarded
			return result, fmt.Errorf("cycle discarded after %d attempts: %w: %w",
				r.attempts, ErrConflictBudgetExhausted, err)
		}

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				r.state = CycleDiscarded
				return result, ctx.Err()
			case <-timer.C:
			}
		} else if ctxErr := ctx.Err(); ctxErr != nil {
			r.state = CycleDiscarded
			return result, ctxErr
		}
	}
}
