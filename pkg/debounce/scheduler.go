package debounce

import (
	"context"
	"errors"
	"sync"
	"time"

	logx "quiesce/pkg/logx"
)

// Func is a unit of deferred work. It receives a context linked to the
// scheduler's parent context; the context is cancelled when the parent
// fires, so long-running work should observe it. The returned error, if
// any, propagates unmodified through the invocation handle.
type Func[T any] func(ctx context.Context) (T, error)

// Cancellation causes reported via Invocation.Cause.
var (
	// ErrSuperseded marks an invocation cancelled by a newer Schedule call.
	ErrSuperseded = errors.New("debounce: superseded by newer schedule call")
	// ErrCancelPending marks an invocation cancelled via CancelPending.
	ErrCancelPending = errors.New("debounce: pending invocation cancelled")
	// ErrClosed marks an invocation cancelled (or rejected) by Close.
	ErrClosed = errors.New("debounce: scheduler closed")
)

type options struct {
	log  logx.Logger
	name string
}

type Option func(*options)

// WithLogger attaches a logger for debug-level scheduling events.
func WithLogger(log logx.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithName tags the scheduler's log output, typically with the name of
// the work stream it coalesces.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// token is the cancellation controller for one pending invocation.
// Exactly one token occupies the pending slot at any instant; Schedule
// is the only operation that replaces it, and it cancels the old one
// first.
type token struct {
	cancel context.CancelCauseFunc
}

// Scheduler coalesces Schedule calls so that only the most recent one,
// after a quiet period of Delay with no further calls, runs its work.
//
// All methods are safe for concurrent use. The zero value is not usable;
// construct with New.
type Scheduler[T any] struct {
	parent context.Context
	log    logx.Logger
	stream string

	mu      sync.Mutex
	delay   time.Duration
	pending *token
	latest  *Invocation[T]
	closed  bool
}

// New returns a Scheduler that waits delay between a Schedule call and
// the execution of its work. parent is an externally owned cancellation
// signal: when it fires, any pending invocation is cancelled and work
// scheduled afterwards never runs. A nil parent means no external
// cancellation.
func New[T any](parent context.Context, delay time.Duration, opts ...Option) *Scheduler[T] {
	if parent == nil {
		parent = context.Background()
	}
	if delay < 0 {
		delay = 0
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Scheduler[T]{
		parent: parent,
		log:    o.log,
		stream: o.name,
		delay:  delay,
	}
}

// Schedule supersedes any pending invocation and arranges for work to
// run after the current delay, unless a newer Schedule call (or a
// cancellation source) arrives first.
//
// The returned handle describes the invocation created by this call. It
// may complete cancelled without work ever running; that is the normal
// coalescing outcome, not an error. On a closed scheduler, Schedule
// returns an already-cancelled handle and work never runs.
func (s *Scheduler[T]) Schedule(work Func[T]) *Invocation[T] {
	s.mu.Lock()
	if s.closed {
		inv := newInvocation[T]()
		inv.finishCancelled(ErrClosed)
		s.latest = inv
		s.mu.Unlock()
		return inv
	}

	superseded := false
	if s.pending != nil {
		// The superseded invocation observes this before the new one's
		// wait begins: we cancel under the lock, and its goroutine cannot
		// pass its post-wait check without taking the lock itself.
		s.pending.cancel(ErrSuperseded)
		s.pending = nil
		superseded = true
	}

	ctx, cancel := context.WithCancelCause(s.parent)
	tok := &token{cancel: cancel}
	s.pending = tok

	inv := newInvocation[T]()
	s.latest = inv
	delay := s.delay
	s.mu.Unlock()

	if superseded && !s.log.IsZero() {
		s.log.Debug("pending invocation superseded", logx.String("stream", s.stream))
	}

	go s.run(ctx, tok, inv, work, delay)
	return inv
}

// run is the invocation body. It holds no lock across the wait or the
// work call.
func (s *Scheduler[T]) run(ctx context.Context, tok *token, inv *Invocation[T], work Func[T], delay time.Duration) {
	// Release the linked context once the invocation reaches a terminal
	// state. Cancelling twice is a safe no-op, so this cannot conflict
	// with a superseder, CancelPending, or Close.
	defer tok.cancel(nil)

	if ctx.Err() == nil && delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}

	// Clear the pending slot only if it still holds this invocation's
	// token; a newer Schedule call may own it already.
	s.mu.Lock()
	if s.pending == tok {
		s.pending = nil
	}
	s.mu.Unlock()

	// Cancellation is checked exactly once here. Past this point the
	// invocation is running, and only the work itself can cut it short
	// by observing ctx.
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		inv.finishCancelled(cause)
		if !s.log.IsZero() {
			s.log.Debug("invocation cancelled before work", logx.String("stream", s.stream), logx.Any("cause", cause))
		}
		return
	}

	v, err := work(ctx)
	if err != nil {
		inv.finishFaulted(err)
		if !s.log.IsZero() {
			s.log.Debug("invocation work failed", logx.String("stream", s.stream), logx.Err(err))
		}
		return
	}
	inv.finishCompleted(v)
}

// CancelPending cancels the pending invocation, if any. It is idempotent
// and has no effect on work that has already started executing.
func (s *Scheduler[T]) CancelPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		s.pending.cancel(ErrCancelPending)
		s.pending = nil
	}
}

// HasPending reports whether an invocation is currently waiting. The
// answer is advisory: state may change immediately after the read.
func (s *Scheduler[T]) HasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// Latest returns the handle of the most recently scheduled invocation,
// or nil if nothing was ever scheduled. Callers superseded by a later
// Schedule call can use it to observe whatever ultimately ran.
func (s *Scheduler[T]) Latest() *Invocation[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// Delay returns the delay applied to future Schedule calls.
func (s *Scheduler[T]) Delay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delay
}

// SetDelay changes the delay for future Schedule calls. An in-flight
// wait keeps the delay sampled at its own schedule time.
func (s *Scheduler[T]) SetDelay(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

// Close cancels the pending invocation and makes all future Schedule
// calls return inert, already-cancelled handles. It is idempotent and
// always returns nil.
func (s *Scheduler[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.pending != nil {
		s.pending.cancel(ErrClosed)
		s.pending = nil
	}
	return nil
}
