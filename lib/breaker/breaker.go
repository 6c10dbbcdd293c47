// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

// Package breaker implements a per-destination circuit breaker. After
// a run of consecutive failures the breaker opens and rejects calls
// for a cooldown period, then admits a limited number of probes; one
// probe success closes it again. This keeps a dead storage backend or
// an unreachable gateway from tying up delivery workers in doomed
// attempts.
package breaker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/caravel-telemetry/caravel/lib/clock"
)

// State is the breaker's position in its lifecycle.
type State int

const (
	// Closed admits every call. The healthy state.
	Closed State = iota

	// Open rejects every call until the cooldown elapses.
	Open

	// HalfOpen admits a bounded number of concurrent probe calls.
	HalfOpen
)

// String returns the state's name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Config holds the breaker's thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures that
	// opens the breaker. Defaults to 5.
	FailureThreshold int

	// OpenDuration is the cooldown before an open breaker admits a
	// probe. Defaults to 30 seconds.
	OpenDuration time.Duration

	// HalfOpenMaxInflight bounds concurrent probes while half-open.
	// Defaults to 1.
	HalfOpenMaxInflight int

	// Clock provides the current time. Required.
	Clock clock.Clock

	// Logger receives state-transition messages. Defaults to
	// slog.Default().
	Logger *slog.Logger

	// OnOpen, if non-nil, is called (outside the breaker's lock)
	// each time the breaker transitions to Open.
	OnOpen func(name string)
}

// Breaker is the failure state machine for one named destination.
// Admission check, inflight accounting, and state transitions are a
// single critical section, so it is safe under concurrent delivery
// workers.
type Breaker struct {
	name   string
	config Config

	mu               sync.Mutex
	state            State
	failures         int
	openedAt         time.Time
	halfOpenInflight int
}

// New creates a Breaker for the named destination.
func New(name string, config Config) *Breaker {
	if config.Clock == nil {
		panic("breaker: Clock is required")
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.OpenDuration <= 0 {
		config.OpenDuration = 30 * time.Second
	}
	if config.HalfOpenMaxInflight <= 0 {
		config.HalfOpenMaxInflight = 1
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Breaker{name: name, config: config}
}

// Name returns the destination name.
func (b *Breaker) Name() string { return b.name }

// Allow reports whether a call may proceed now. An open breaker whose
// cooldown has elapsed transitions to half-open and admits the
// triggering call as the first probe. Every admitted call must be
// followed by exactly one RecordSuccess or RecordFailure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true

	case Open:
		if b.config.Clock.Now().Sub(b.openedAt) < b.config.OpenDuration {
			return false
		}
		b.state = HalfOpen
		b.halfOpenInflight = 1
		b.config.Logger.Info("circuit breaker half-open",
			"destination", b.name,
		)
		return true

	case HalfOpen:
		if b.halfOpenInflight >= b.config.HalfOpenMaxInflight {
			return false
		}
		b.halfOpenInflight++
		return true

	default:
		return false
	}
}

// RecordSuccess reports a successful call. While closed it resets the
// consecutive-failure count; a half-open success closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.state = Closed
		b.failures = 0
		b.halfOpenInflight = 0
		b.config.Logger.Info("circuit breaker closed",
			"destination", b.name,
		)
	}
}

// Cancel returns an admission taken by Allow without recording an
// outcome, for callers that discovered they had nothing to attempt.
// It frees a half-open probe slot but never transitions state: only a
// real destination outcome may close or reopen the breaker.
func (b *Breaker) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen && b.halfOpenInflight > 0 {
		b.halfOpenInflight--
	}
}

// RecordFailure reports a failed call. Reaching the failure threshold
// while closed opens the breaker; any half-open failure reopens it
// with a fresh cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()

	opened := false
	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.openLocked()
			opened = true
		}
	case HalfOpen:
		if b.halfOpenInflight > 0 {
			b.halfOpenInflight--
		}
		b.openLocked()
		opened = true
	}
	onOpen := b.config.OnOpen
	b.mu.Unlock()

	if opened && onOpen != nil {
		onOpen(b.name)
	}
}

// openLocked transitions to Open. Caller holds b.mu.
func (b *Breaker) openLocked() {
	b.state = Open
	b.openedAt = b.config.Clock.Now()
	b.config.Logger.Warn("circuit breaker opened",
		"destination", b.name,
		"consecutive_failures", b.failures,
		"cooldown", b.config.OpenDuration,
	)
}

// Snapshot is a point-in-time view of the breaker for health checks
// and metrics.
type Snapshot struct {
	State            State
	Failures         int
	OpenedAt         time.Time
	HalfOpenInflight int
}

// Snapshot returns the breaker's current state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:            b.state,
		Failures:         b.failures,
		OpenedAt:         b.openedAt,
		HalfOpenInflight: b.halfOpenInflight,
	}
}
