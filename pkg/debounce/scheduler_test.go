package debounce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// waitDone blocks until the invocation resolves, failing the test after
// five seconds.
func waitDone[T any](t *testing.T, inv *Invocation[T]) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := inv.Wait(ctx); err != nil {
		t.Fatalf("invocation did not resolve: %v", err)
	}
}

func TestScheduleRunsAfterQuietPeriod(t *testing.T) {
	t.Parallel()
	s := New[int](context.Background(), 30*time.Millisecond)
	defer s.Close()

	var runs atomic.Int32
	inv := s.Schedule(func(ctx context.Context) (int, error) {
		runs.Add(1)
		return 42, nil
	})

	waitDone(t, inv)
	if got := inv.Outcome(); got != OutcomeCompleted {
		t.Fatalf("Outcome = %v, want completed", got)
	}
	if got := inv.Value(); got != 42 {
		t.Fatalf("Value = %d, want 42", got)
	}
	if got := runs.Load(); got != 1 {
		t.Fatalf("work ran %d times, want 1", got)
	}
	if s.HasPending() {
		t.Fatal("HasPending = true after completion")
	}
	if inv.Err() != nil || inv.Cause() != nil {
		t.Fatalf("unexpected Err/Cause: %v / %v", inv.Err(), inv.Cause())
	}
}

// Burst scenario: Schedule(A) at t=0, B at ~10ms, C at ~20ms with a
// 50ms delay. Only C's work runs.
func TestBurstCoalescesToLastCall(t *testing.T) {
	t.Parallel()
	s := New[string](context.Background(), 50*time.Millisecond)
	defer s.Close()

	var runs atomic.Int32
	mk := func(tag string) Func[string] {
		return func(ctx context.Context) (string, error) {
			runs.Add(1)
			return tag, nil
		}
	}

	a := s.Schedule(mk("a"))
	time.Sleep(10 * time.Millisecond)
	b := s.Schedule(mk("b"))
	time.Sleep(10 * time.Millisecond)
	c := s.Schedule(mk("c"))

	waitDone(t, c)
	if got := c.Outcome(); got != OutcomeCompleted {
		t.Fatalf("C outcome = %v, want completed", got)
	}
	if got := c.Value(); got != "c" {
		t.Fatalf("C value = %q, want %q", got, "c")
	}

	waitDone(t, a)
	waitDone(t, b)
	for name, inv := range map[string]*Invocation[string]{"A": a, "B": b} {
		if !inv.Cancelled() {
			t.Fatalf("%s outcome = %v, want cancelled", name, inv.Outcome())
		}
		if !errors.Is(inv.Cause(), ErrSuperseded) {
			t.Fatalf("%s cause = %v, want ErrSuperseded", name, inv.Cause())
		}
		if inv.Err() != nil {
			t.Fatalf("%s surfaced an error for routine cancellation: %v", name, inv.Err())
		}
	}

	if got := runs.Load(); got != 1 {
		t.Fatalf("work ran %d times, want 1", got)
	}
	if s.Latest() != c {
		t.Fatal("Latest does not point at the final schedule call")
	}
}

func TestCancelPendingPreventsWork(t *testing.T) {
	t.Parallel()
	s := New[int](context.Background(), 50*time.Millisecond)
	defer s.Close()

	var runs atomic.Int32
	inv := s.Schedule(func(ctx context.Context) (int, error) {
		runs.Add(1)
		return 0, nil
	})

	time.Sleep(10 * time.Millisecond)
	s.CancelPending()
	if s.HasPending() {
		t.Fatal("HasPending = true immediately after CancelPending")
	}

	waitDone(t, inv)
	if !inv.Cancelled() {
		t.Fatalf("outcome = %v, want cancelled", inv.Outcome())
	}
	if !errors.Is(inv.Cause(), ErrCancelPending) {
		t.Fatalf("cause = %v, want ErrCancelPending", inv.Cause())
	}

	// Let the original delay window pass; the work must still not run.
	time.Sleep(80 * time.Millisecond)
	if got := runs.Load(); got != 0 {
		t.Fatalf("work ran %d times after cancel, want 0", got)
	}
}

func TestParentCancellationPropagates(t *testing.T) {
	t.Parallel()
	parent, cancel := context.WithCancel(context.Background())
	s := New[int](parent, 60*time.Millisecond)
	defer s.Close()

	var runs atomic.Int32
	inv := s.Schedule(func(ctx context.Context) (int, error) {
		runs.Add(1)
		return 0, nil
	})

	time.Sleep(10 * time.Millisecond)
	cancel()

	waitDone(t, inv)
	if !inv.Cancelled() {
		t.Fatalf("outcome = %v, want cancelled", inv.Outcome())
	}
	time.Sleep(80 * time.Millisecond)
	if got := runs.Load(); got != 0 {
		t.Fatalf("work ran %d times after parent cancel, want 0", got)
	}
}

// Parent already cancelled before any Schedule call: the handle resolves
// cancelled and the work never executes.
func TestScheduleAfterParentCancelled(t *testing.T) {
	t.Parallel()
	parent, cancel := context.WithCancel(context.Background())
	cancel()
	s := New[int](parent, 50*time.Millisecond)
	defer s.Close()

	var runs atomic.Int32
	inv := s.Schedule(func(ctx context.Context) (int, error) {
		runs.Add(1)
		return 0, nil
	})

	waitDone(t, inv)
	if !inv.Cancelled() {
		t.Fatalf("outcome = %v, want cancelled", inv.Outcome())
	}
	if got := runs.Load(); got != 0 {
		t.Fatalf("work ran %d times, want 0", got)
	}
}

func TestCloseRejectsFutureSchedules(t *testing.T) {
	t.Parallel()
	s := New[int](context.Background(), 10*time.Millisecond)

	var runs atomic.Int32
	pending := s.Schedule(func(ctx context.Context) (int, error) {
		runs.Add(1)
		return 0, nil
	})

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	waitDone(t, pending)
	if !pending.Cancelled() || !errors.Is(pending.Cause(), ErrClosed) {
		t.Fatalf("pending invocation: outcome=%v cause=%v, want cancelled/ErrClosed", pending.Outcome(), pending.Cause())
	}

	inv := s.Schedule(func(ctx context.Context) (int, error) {
		runs.Add(1)
		return 0, nil
	})
	if got := inv.Outcome(); got != OutcomeCancelled {
		t.Fatalf("post-close Schedule outcome = %v, want cancelled", got)
	}
	if !errors.Is(inv.Cause(), ErrClosed) {
		t.Fatalf("post-close cause = %v, want ErrClosed", inv.Cause())
	}
	if s.Latest() != inv {
		t.Fatal("Latest not updated by post-close Schedule")
	}

	time.Sleep(40 * time.Millisecond)
	if got := runs.Load(); got != 0 {
		t.Fatalf("work ran %d times after Close, want 0", got)
	}

	// Idempotent teardown.
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestCancelAndCloseIdempotentWhenNothingPending(t *testing.T) {
	t.Parallel()
	s := New[int](context.Background(), 10*time.Millisecond)

	s.CancelPending()
	s.CancelPending()
	if s.HasPending() {
		t.Fatal("HasPending = true with nothing scheduled")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("repeat Close: %v", err)
	}
	s.CancelPending()
}

func TestSetDelayAffectsOnlyFutureSchedules(t *testing.T) {
	t.Parallel()
	s := New[int](context.Background(), 250*time.Millisecond)
	defer s.Close()

	var runs atomic.Int32
	inv := s.Schedule(func(ctx context.Context) (int, error) {
		runs.Add(1)
		return 0, nil
	})

	// Shrinking the delay must not shorten the in-flight wait.
	s.SetDelay(time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	if got := inv.Outcome(); got != OutcomePending {
		t.Fatalf("in-flight wait resolved early after SetDelay: %v", got)
	}
	s.CancelPending()
	waitDone(t, inv)

	if got := s.Delay(); got != time.Millisecond {
		t.Fatalf("Delay = %v, want 1ms", got)
	}

	// Growing the delay must not stretch a wait sampled before the change.
	s.SetDelay(20 * time.Millisecond)
	inv2 := s.Schedule(func(ctx context.Context) (int, error) {
		runs.Add(1)
		return 0, nil
	})
	s.SetDelay(time.Hour)
	waitDone(t, inv2)
	if got := inv2.Outcome(); got != OutcomeCompleted {
		t.Fatalf("outcome = %v, want completed", got)
	}
	if got := runs.Load(); got != 1 {
		t.Fatalf("work ran %d times, want 1", got)
	}
}

func TestWorkErrorPropagatesUnmodified(t *testing.T) {
	t.Parallel()
	s := New[int](context.Background(), 5*time.Millisecond)
	defer s.Close()

	boom := errors.New("boom")
	inv := s.Schedule(func(ctx context.Context) (int, error) {
		return 0, boom
	})

	waitDone(t, inv)
	if got := inv.Outcome(); got != OutcomeFaulted {
		t.Fatalf("outcome = %v, want faulted", got)
	}
	if !errors.Is(inv.Err(), boom) {
		t.Fatalf("Err = %v, want the work's own error", inv.Err())
	}
	if inv.Cause() != nil {
		t.Fatalf("Cause = %v for a faulted invocation, want nil", inv.Cause())
	}
}

// Concurrent Schedule calls all land within one delay window: exactly
// one of them runs its work. Which one wins depends on lock order and
// is deliberately not asserted.
func TestConcurrentSchedulesRunExactlyOne(t *testing.T) {
	t.Parallel()
	s := New[int](context.Background(), 50*time.Millisecond)
	defer s.Close()

	var runs atomic.Int32
	var wg sync.WaitGroup
	invs := make([]*Invocation[int], 8)
	for i := range invs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			invs[i] = s.Schedule(func(ctx context.Context) (int, error) {
				runs.Add(1)
				return i, nil
			})
		}(i)
	}
	wg.Wait()

	latest := s.Latest()
	if latest == nil {
		t.Fatal("Latest = nil after concurrent schedules")
	}
	waitDone(t, latest)
	for _, inv := range invs {
		waitDone(t, inv)
	}

	if got := runs.Load(); got != 1 {
		t.Fatalf("work ran %d times, want exactly 1", got)
	}
	completed := 0
	for _, inv := range invs {
		switch inv.Outcome() {
		case OutcomeCompleted:
			completed++
		case OutcomeCancelled:
		default:
			t.Fatalf("unexpected outcome %v", inv.Outcome())
		}
	}
	if completed != 1 {
		t.Fatalf("%d invocations completed, want 1", completed)
	}
}

// Once work has started, a later Schedule call must not cancel it: both
// units of work run to completion.
func TestScheduleDoesNotCancelRunningWork(t *testing.T) {
	t.Parallel()
	s := New[int](context.Background(), 10*time.Millisecond)
	defer s.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32

	first := s.Schedule(func(ctx context.Context) (int, error) {
		close(started)
		<-release
		runs.Add(1)
		return 1, nil
	})

	<-started
	if s.HasPending() {
		t.Fatal("HasPending = true while work is executing")
	}

	second := s.Schedule(func(ctx context.Context) (int, error) {
		runs.Add(1)
		return 2, nil
	})
	close(release)

	waitDone(t, first)
	waitDone(t, second)
	if first.Outcome() != OutcomeCompleted || second.Outcome() != OutcomeCompleted {
		t.Fatalf("outcomes = %v / %v, want completed / completed", first.Outcome(), second.Outcome())
	}
	if got := runs.Load(); got != 2 {
		t.Fatalf("work ran %d times, want 2", got)
	}
}

func TestWorkReceivesLiveContext(t *testing.T) {
	t.Parallel()
	s := New[int](context.Background(), 5*time.Millisecond)
	defer s.Close()

	inv := s.Schedule(func(ctx context.Context) (int, error) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return 7, nil
	})
	waitDone(t, inv)
	if inv.Outcome() != OutcomeCompleted || inv.Value() != 7 {
		t.Fatalf("outcome=%v value=%d, want completed/7", inv.Outcome(), inv.Value())
	}
}

func TestWaitHonoursWaiterContext(t *testing.T) {
	t.Parallel()
	s := New[int](context.Background(), time.Hour)
	defer s.Close()

	inv := s.Schedule(func(ctx context.Context) (int, error) { return 0, nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := inv.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait = %v, want context.Canceled", err)
	}
	s.CancelPending()
}

func TestOutcomeString(t *testing.T) {
	t.Parallel()
	want := map[Outcome]string{
		OutcomePending:   "pending",
		OutcomeCancelled: "cancelled",
		OutcomeCompleted: "completed",
		OutcomeFaulted:   "faulted",
		Outcome(99):      "unknown",
	}
	for o, s := range want {
		if o.String() != s {
			t.Fatalf("Outcome(%d).String() = %q, want %q", o, o.String(), s)
		}
	}
}
