// Package clock lets time-driven code run against either the wall clock
// or a deterministic fake.
//
// Production code takes a Clock and uses Real(). Tests pass Fake(t0),
// wait for the code under test to register its timer with
// WaitForTimers, then move time with Advance.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the subset of the time package the client needs.
type Clock interface {
	Now() time.Time
	// After behaves like time.After. A non-positive d fires immediately.
	After(d time.Duration) <-chan time.Time
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// FakeClock only moves when Advance is called. It is safe for concurrent use.
type FakeClock struct {
	lock    sync.Mutex
	current time.Time
	waiters []*fakeWaiter
	changed *sync.Cond
}

type fakeWaiter struct {
	deadline time.Time
	channel  chan time.Time
}

// Fake returns a FakeClock starting at initial.
func Fake(initial time.Time) *FakeClock {
	fake := &FakeClock{current: initial}
	fake.changed = sync.NewCond(&fake.lock)
	return fake
}

// Now returns the fake time.
func (fake *FakeClock) Now() time.Time {
	fake.lock.Lock()
	defer fake.lock.Unlock()
	return fake.current
}

// After registers a waiter that fires once the clock passes now+d.
func (fake *FakeClock) After(d time.Duration) <-chan time.Time {
	fake.lock.Lock()
	defer fake.lock.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- fake.current
		return channel
	}
	fake.waiters = append(fake.waiters, &fakeWaiter{deadline: fake.current.Add(d), channel: channel})
	fake.changed.Broadcast()
	return channel
}

// Advance moves the clock forward by d and fires every waiter whose
// deadline is not after the new time, in deadline order.
func (fake *FakeClock) Advance(d time.Duration) {
	fake.lock.Lock()
	fake.current = fake.current.Add(d)
	target := fake.current

	var due, remaining []*fakeWaiter
	for _, waiter := range fake.waiters {
		if waiter.deadline.After(target) {
			remaining = append(remaining, waiter)
		} else {
			due = append(due, waiter)
		}
	}
	fake.waiters = remaining
	fake.changed.Broadcast()
	fake.lock.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, waiter := range due {
		waiter.channel <- target
	}
}

// WaitForTimers blocks until at least n waiters are pending.
func (fake *FakeClock) WaitForTimers(n int) {
	fake.lock.Lock()
	defer fake.lock.Unlock()
	for len(fake.waiters) < n {
		fake.changed.Wait()
	}
}

// PendingCount returns the number of registered, unfired waiters.
func (fake *FakeClock) PendingCount() int {
	fake.lock.Lock()
	defer fake.lock.Unlock()
	return len(fake.waiters)
}
