// Package clock abstracts the timer operations the connection manager
// depends on, so reconnect backoff can be driven deterministically in tests.
//
// Both clocks are backed by clockwork. Production code uses Real(); tests
// use Fake() and call Advance.
package clock

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is the subset of the time package used for scheduling.
type Clock interface {
	Now() time.Time

	// AfterFunc waits for d, then calls f in its own goroutine (Real) or
	// inside Advance (Fake).
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop prevents the timer from firing. It reports whether the call
	// stopped the timer; false means it already fired or was stopped.
	Stop() bool
}

// Real returns a Clock backed by the system time.
func Real() Clock { return realClock{clockwork.NewRealClock()} }

type realClock struct{ clockwork.Clock }

func (c realClock) AfterFunc(d time.Duration, f func()) Timer {
	return c.Clock.AfterFunc(d, f)
}

// FakeClock is a deterministic Clock over a clockwork fake. Time moves only
// when Advance is called; due callbacks have run, in deadline order, by the
// time Advance returns.
type FakeClock struct {
	fake *clockwork.FakeClock

	mu      sync.Mutex
	changed *sync.Cond
	waiters []*fakeTimer
}

// Fake returns a FakeClock set to initial.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{fake: clockwork.NewFakeClockAt(initial)}
	c.changed = sync.NewCond(&c.mu)
	return c
}

type fakeTimer struct {
	clock    *FakeClock
	inner    clockwork.Timer
	deadline time.Time
	fn       func()
	fired    chan struct{}
	done     bool
}

func (t *fakeTimer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	t.inner.Stop()
	c.prune()
	c.changed.Broadcast()
	return true
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	return c.fake.Now()
}

// AfterFunc registers f to run once the clock has advanced by d. A
// non-positive d runs f before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	t := &fakeTimer{clock: c, fn: f, fired: make(chan struct{})}
	if d <= 0 {
		t.done = true
		f()
		return t
	}
	c.mu.Lock()
	t.deadline = c.fake.Now().Add(d)
	t.inner = c.fake.AfterFunc(d, func() { close(t.fired) })
	c.waiters = append(c.waiters, t)
	c.changed.Broadcast()
	c.mu.Unlock()
	return t
}

// Advance moves time forward by d and runs every callback whose deadline
// has been reached.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.fake.Advance(d)
	now := c.fake.Now()

	var due []*fakeTimer
	for _, t := range c.waiters {
		if !t.done && !t.deadline.After(now) {
			t.done = true
			due = append(due, t)
		}
	}
	c.prune()
	c.changed.Broadcast()
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool {
		return due[i].deadline.Before(due[j].deadline)
	})
	for _, t := range due {
		<-t.fired
		t.fn()
	}
}

// Pending returns the number of timers that have not fired or been stopped.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// NextDeadline returns the earliest pending deadline relative to now.
func (c *FakeClock) NextDeadline() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.waiters) == 0 {
		return 0, false
	}
	next := c.waiters[0].deadline
	for _, t := range c.waiters[1:] {
		if t.deadline.Before(next) {
			next = t.deadline
		}
	}
	return next.Sub(c.fake.Now()), true
}

// WaitForTimers blocks until at least n timers are pending. Use it before
// Advance when the timer is registered by another goroutine.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.waiters) < n {
		c.changed.Wait()
	}
}

// prune drops fired and stopped timers. Callers hold c.mu.
func (c *FakeClock) prune() {
	kept := c.waiters[:0]
	for _, t := range c.waiters {
		if !t.done {
			kept = append(kept, t)
		}
	}
	for i := len(kept); i < len(c.waiters); i++ {
		c.waiters[i] = nil
	}
	c.waiters = kept
}
