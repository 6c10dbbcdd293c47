// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock pinned at the given time. Time moves only
// when Advance is called; every After, Sleep, and Ticker wait
// registers a pending waiter that fires once the clock passes its
// deadline.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.waitersChanged = sync.NewCond(&c.mu)
	return c
}

// FakeClock is a deterministic Clock for tests. Goroutines blocked in
// Sleep or on After channels wake only when Advance moves the clock
// past their deadline, in deadline order.
type FakeClock struct {
	mu             sync.Mutex
	current        time.Time
	waiters        []*waiter
	waitersChanged *sync.Cond
}

// waiter is a pending After, Sleep, or Ticker wait.
type waiter struct {
	deadline time.Time
	channel  chan time.Time

	// interval is non-zero for ticker waiters; after firing, the
	// waiter is rescheduled at deadline + interval.
	interval time.Duration

	stopped bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives once the clock advances past
// the deadline. If d <= 0, the channel receives immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}
	c.waiters = append(c.waiters, &waiter{
		deadline: c.current.Add(d),
		channel:  channel,
	})
	c.waitersChanged.Broadcast()
	return channel
}

// Sleep blocks until the clock advances past the deadline. Returns
// immediately if d <= 0.
func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

// NewTicker returns a Ticker firing every d fake-clock units. Panics
// if d <= 0.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	w := &waiter{
		deadline: c.current.Add(d),
		channel:  channel,
		interval: d,
	}
	c.waiters = append(c.waiters, w)
	c.waitersChanged.Broadcast()

	return &Ticker{
		C: channel,
		stopFunc: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			w.stopped = true
		},
	}
}

// Advance moves the clock forward by d and fires every waiter whose
// deadline falls within the new time, in deadline order. Channel
// sends are non-blocking: a tick that finds its buffer full is
// dropped, matching time.Ticker.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	target := c.current
	c.mu.Unlock()

	for {
		expired := c.collectExpired(target)
		if len(expired) == 0 {
			return
		}
		sort.Slice(expired, func(i, j int) bool {
			return expired[i].deadline.Before(expired[j].deadline)
		})
		for _, w := range expired {
			select {
			case w.channel <- target:
			default:
			}
		}
	}
}

// collectExpired removes expired waiters, reschedules tickers, and
// returns the waiters due to fire. Acquires c.mu internally.
func (c *FakeClock) collectExpired(target time.Time) []*waiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired, remaining []*waiter
	for _, w := range c.waiters {
		if w.stopped {
			continue
		}
		if !w.deadline.After(target) {
			expired = append(expired, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	for _, w := range expired {
		if w.interval > 0 {
			w.deadline = w.deadline.Add(w.interval)
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
	return expired
}

// WaitForWaiters blocks until at least n waits are pending. This
// removes the race between a goroutine registering its Sleep and the
// test calling Advance:
//
//	go func() { fake.Sleep(2 * time.Second) }()
//	fake.WaitForWaiters(1)
//	fake.Advance(2 * time.Second)
func (c *FakeClock) WaitForWaiters(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.waitersChanged.Wait()
	}
}

// Pending returns the number of active pending waiters.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *FakeClock) pendingLocked() int {
	count := 0
	for _, w := range c.waiters {
		if !w.stopped {
			count++
		}
	}
	return count
}
