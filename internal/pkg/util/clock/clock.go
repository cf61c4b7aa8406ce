// Package clock abstracts timer creation so countdowns and ping loops
// can run against a virtual clock in tests.
package clock

import (
	"sync"
	"time"
)

// Clock hands out cancellable timers.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending callback. Stop reports whether the call prevented
// the callback from firing.
type Timer interface {
	Stop() bool
}

type realClock struct{}

// Real returns the wall clock.
func Real() Clock { return realClock{} }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Fake is a virtual clock for tests. Timers fire synchronously from
// Advance on the caller's goroutine.
type Fake struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	at      time.Duration
	f       func()
	stopped bool
}

// NewFake returns a virtual clock at time zero.
func NewFake() *Fake {
	return &Fake{}
}

func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	was := t.stopped
	t.stopped = true
	return !was
}

// Advance moves the clock forward and fires every due timer in order of
// their deadline.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	now := c.now
	c.mu.Unlock()
	for {
		t := c.popDue(now)
		if t == nil {
			return
		}
		t.f()
	}
}

func (c *Fake) popDue(now time.Duration) *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var best *fakeTimer
	for _, t := range c.timers {
		if t.stopped || t.at > now {
			continue
		}
		if best == nil || t.at < best.at {
			best = t
		}
	}
	if best != nil {
		best.stopped = true
	}
	return best
}
