// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

// Package idempotency suppresses duplicate batch delivery. Retried
// shipments are routine on lossy links — the edge may resend a batch
// whose acknowledgment was lost — so both the gateway's sink fan-out
// and the shipper itself check each batch's content key against a
// time-windowed set of recently seen keys.
package idempotency

import (
	"sync"
	"time"

	"github.com/caravel-telemetry/caravel/lib/clock"
	"github.com/caravel-telemetry/caravel/lib/contenthash"
	"github.com/caravel-telemetry/caravel/lib/event"
)

// Manager tracks batch keys seen within a sliding window. Safe for
// concurrent use; the purge, lookup, and insert for one check happen
// in a single critical section.
type Manager struct {
	window time.Duration
	clock  clock.Clock

	mu   sync.Mutex
	seen map[contenthash.Hash]time.Time // key → first seen
}

// New creates a Manager with the given dedup window. A window <= 0
// defaults to 5 minutes.
func New(window time.Duration, clk clock.Clock) *Manager {
	if clk == nil {
		panic("idempotency: Clock is required")
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Manager{
		window: window,
		clock:  clk,
		seen:   make(map[contenthash.Hash]time.Time),
	}
}

// IsDuplicate reports whether the batch's content key was already
// seen within the window. A new key is recorded as a side effect, so
// the first call for a batch returns false and subsequent calls
// return true until the window elapses.
func (m *Manager) IsDuplicate(batch event.Batch) bool {
	return m.IsDuplicateKey(batch.Key())
}

// IsDuplicateKey is IsDuplicate for a precomputed key, letting
// callers that already hashed the batch avoid hashing it twice.
func (m *Manager) IsDuplicateKey(key contenthash.Hash) bool {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for seenKey, firstSeen := range m.seen {
		if now.Sub(firstSeen) >= m.window {
			delete(m.seen, seenKey)
		}
	}

	if _, present := m.seen[key]; present {
		return true
	}
	m.seen[key] = now
	return false
}

// Seen reports whether the key is inside the window without
// recording it. Pair with Record when "seen" must mean successfully
// handled rather than merely attempted.
func (m *Manager) Seen(key contenthash.Hash) bool {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	firstSeen, present := m.seen[key]
	return present && now.Sub(firstSeen) < m.window
}

// Record marks the key as seen now.
func (m *Manager) Record(key contenthash.Hash) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for seenKey, firstSeen := range m.seen {
		if now.Sub(firstSeen) >= m.window {
			delete(m.seen, seenKey)
		}
	}
	m.seen[key] = now
}

// Len returns the number of tracked keys, for metrics.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}
