package debounce

import "context"

// Outcome is the terminal state of an invocation.
type Outcome uint8

const (
	// OutcomePending means the invocation has not reached a terminal state.
	OutcomePending Outcome = iota
	// OutcomeCancelled means the invocation was cancelled before its work
	// started; the work never ran.
	OutcomeCancelled
	// OutcomeCompleted means the work ran and returned a value.
	OutcomeCompleted
	// OutcomeFaulted means the work ran and returned an error.
	OutcomeFaulted
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeCompleted:
		return "completed"
	case OutcomeFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Invocation is the handle for one scheduled unit of work. It resolves
// exactly once, to Cancelled, Completed, or Faulted.
//
// An Invocation is created in the Pending state. All accessors are safe
// for concurrent use; Value, Err, and Cause return zero values until the
// invocation is done.
type Invocation[T any] struct {
	done chan struct{}

	// Written exactly once before done is closed. The close is the
	// happens-before edge for readers.
	outcome Outcome
	value   T
	err     error
	cause   error
}

func newInvocation[T any]() *Invocation[T] {
	return &Invocation[T]{done: make(chan struct{})}
}

// Done returns a channel closed when the invocation reaches a terminal
// state.
func (inv *Invocation[T]) Done() <-chan struct{} { return inv.done }

// Wait blocks until the invocation is done or ctx fires. The returned
// error reflects only the waiter's ctx; a cancelled invocation is not an
// error.
func (inv *Invocation[T]) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-inv.done:
		return nil
	}
}

// Outcome returns the invocation's terminal state, or OutcomePending if
// it has not resolved yet.
func (inv *Invocation[T]) Outcome() Outcome {
	select {
	case <-inv.done:
		return inv.outcome
	default:
		return OutcomePending
	}
}

// Cancelled reports whether the invocation resolved without running its
// work.
func (inv *Invocation[T]) Cancelled() bool {
	return inv.Outcome() == OutcomeCancelled
}

// Value returns the work's result. It is meaningful only once Outcome
// is OutcomeCompleted.
func (inv *Invocation[T]) Value() T {
	select {
	case <-inv.done:
		return inv.value
	default:
		var zero T
		return zero
	}
}

// Err returns the error produced by the work itself. It is non-nil only
// when Outcome is OutcomeFaulted; cancellation never surfaces here.
func (inv *Invocation[T]) Err() error {
	select {
	case <-inv.done:
		return inv.err
	default:
		return nil
	}
}

// Cause reports why a cancelled invocation never ran: ErrSuperseded,
// ErrCancelPending, ErrClosed, or the parent context's cancellation
// cause. It is nil for other outcomes.
func (inv *Invocation[T]) Cause() error {
	select {
	case <-inv.done:
		return inv.cause
	default:
		return nil
	}
}

func (inv *Invocation[T]) finishCancelled(cause error) {
	inv.outcome = OutcomeCancelled
	inv.cause = cause
	close(inv.done)
}

func (inv *Invocation[T]) finishCompleted(v T) {
	inv.outcome = OutcomeCompleted
	inv.value = v
	close(inv.done)
}

func (inv *Invocation[T]) finishFaulted(err error) {
	inv.outcome = OutcomeFaulted
	inv.err = err
	close(inv.done)
}
