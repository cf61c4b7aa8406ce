package safety

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/skylink-io/skylink/internal/pkg/util/clock"
)

type triggerSpy struct {
	mu sync.Mutex
	n  int
}

func (s *triggerSpy) trigger(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return nil
}

func (s *triggerSpy) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

func newFallback(t *testing.T, clock *clock.Fake, spy *triggerSpy) *Fallback {
	t.Helper()
	f, err := New(Config{Countdown: 5 * time.Minute, Clock: clock, Trigger: spy.trigger})
	if err != nil {
		t.Fatalf("new fallback: %v", err)
	}
	return f
}

func TestRequiresTrigger(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("fallback built without trigger action")
	}
}

func TestCountdownReachesTriggered(t *testing.T) {
	ctx := context.Background()
	clock := clock.NewFake()
	spy := &triggerSpy{}
	f := newFallback(t, clock, spy)

	f.ConnectionsChanged(ctx, 0)
	if got := f.State(); got != StateCountdownPending {
		t.Fatalf("state = %s, want %s", got, StateCountdownPending)
	}

	clock.Advance(5*time.Minute - time.Second)
	if got := f.State(); got != StateCountdownPending {
		t.Fatalf("state before deadline = %s", got)
	}
	if spy.count() != 0 {
		t.Fatal("trigger ran before the countdown elapsed")
	}

	clock.Advance(time.Second)
	if got := f.State(); got != StateTriggered {
		t.Fatalf("state after deadline = %s, want %s", got, StateTriggered)
	}
	if spy.count() != 1 {
		t.Fatalf("trigger ran %d times, want 1", spy.count())
	}
}

func TestReconnectCancelsCountdown(t *testing.T) {
	ctx := context.Background()
	clock := clock.NewFake()
	spy := &triggerSpy{}
	f := newFallback(t, clock, spy)

	f.ConnectionsChanged(ctx, 0)
	clock.Advance(4 * time.Minute)
	f.ConnectionsChanged(ctx, 1)
	if got := f.State(); got != StateIdle {
		t.Fatalf("state = %s, want %s", got, StateIdle)
	}

	// Long after the original deadline nothing may fire.
	clock.Advance(time.Hour)
	if spy.count() != 0 {
		t.Fatalf("trigger ran %d times after cancellation", spy.count())
	}
}

func TestLinkDeadBypassesCountdown(t *testing.T) {
	ctx := context.Background()
	clock := clock.NewFake()
	spy := &triggerSpy{}
	f := newFallback(t, clock, spy)

	f.LinkDead(ctx)
	if got := f.State(); got != StateTriggered {
		t.Fatalf("state = %s, want %s", got, StateTriggered)
	}
	if spy.count() != 1 {
		t.Fatalf("trigger ran %d times, want 1", spy.count())
	}

	// A second dead-link signal while triggered must not crash or
	// corrupt state.
	f.LinkDead(ctx)
	if got := f.State(); got != StateTriggered {
		t.Fatalf("state after repeat = %s", got)
	}
}

func TestLinkDeadDuringCountdownFiresImmediately(t *testing.T) {
	ctx := context.Background()
	clock := clock.NewFake()
	spy := &triggerSpy{}
	f := newFallback(t, clock, spy)

	f.ConnectionsChanged(ctx, 0)
	f.LinkDead(ctx)
	if got := f.State(); got != StateTriggered {
		t.Fatalf("state = %s, want %s", got, StateTriggered)
	}
	if spy.count() != 1 {
		t.Fatalf("trigger ran %d times, want 1", spy.count())
	}

	// The pending countdown was cancelled on leaving the state.
	clock.Advance(time.Hour)
	if spy.count() != 1 {
		t.Fatalf("stale countdown fired, trigger count = %d", spy.count())
	}
}

func TestRearmAfterTrigger(t *testing.T) {
	ctx := context.Background()
	clock := clock.NewFake()
	spy := &triggerSpy{}
	f := newFallback(t, clock, spy)

	f.LinkDead(ctx)
	f.ConnectionsChanged(ctx, 1)
	if got := f.State(); got != StateIdle {
		t.Fatalf("state = %s, want %s", got, StateIdle)
	}

	// A fresh episode runs the full countdown again.
	f.ConnectionsChanged(ctx, 0)
	clock.Advance(5 * time.Minute)
	if got := f.State(); got != StateTriggered {
		t.Fatalf("state = %s, want %s", got, StateTriggered)
	}
	if spy.count() != 2 {
		t.Fatalf("trigger ran %d times, want 2", spy.count())
	}
}

func TestConnectionChurnWhileIdle(t *testing.T) {
	ctx := context.Background()
	clock := clock.NewFake()
	spy := &triggerSpy{}
	f := newFallback(t, clock, spy)

	// Restored while idle is a no-op, not an error.
	f.ConnectionsChanged(ctx, 2)
	if got := f.State(); got != StateIdle {
		t.Fatalf("state = %s", got)
	}
}
