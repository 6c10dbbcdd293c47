// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the time source injected into every component that reads
// the current time or waits for a duration. Production code must not
// call time.Now, time.After, time.Sleep, or time.NewTicker directly;
// it takes a Clock instead so tests can substitute Fake().
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once
	// duration d has elapsed. If d <= 0, the channel receives
	// immediately.
	After(d time.Duration) <-chan time.Time

	// Sleep blocks the calling goroutine for at least duration d.
	Sleep(d time.Duration)

	// NewTicker returns a Ticker delivering ticks on C every d.
	// Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers periodic ticks on C. The channel has capacity 1,
// matching time.Ticker: if the consumer falls behind, ticks are
// dropped rather than queued. Call Stop to release resources.
type Ticker struct {
	// C delivers ticks.
	C <-chan time.Time

	stopFunc func()
}

// Stop turns the ticker off. No ticks are delivered after Stop
// returns. Stop does not close C.
func (t *Ticker) Stop() { t.stopFunc() }
