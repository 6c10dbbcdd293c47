// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"sort"
	"strings"

	"github.com/caravel-telemetry/caravel/lib/contenthash"
)

// Batch is an ordered list of events submitted together. Delivery,
// idempotency, and spooling all operate at batch granularity.
type Batch []Event

// Key returns the batch's idempotency fingerprint: a BLAKE3 hash over
// the sorted multiset of each event's (message, timestamp) pair.
// Batches with the same content in any order produce the same key.
//
// Only message and timestamp participate. Two events that differ in
// other metadata but share message and timestamp collide — this
// matches the upstream collector semantics that duplicate suppression
// was tuned against, and changing it would resurface already-delivered
// batches as "new" after an upgrade.
func (b Batch) Key() contenthash.Hash {
	pairs := make([]string, len(b))
	for index, evt := range b {
		pairs[index] = evt.Message() + "\x1f" + evt.Timestamp()
	}
	sort.Strings(pairs)
	return contenthash.Idempotency([]byte(strings.Join(pairs, "\x1e")))
}

// Sanitize returns a new batch with every event sanitized.
func (b Batch) Sanitize() Batch {
	result := make(Batch, len(b))
	for index, evt := range b {
		result[index] = evt.Sanitize()
	}
	return result
}

// Clone returns a deep copy of the batch.
func (b Batch) Clone() Batch {
	result := make(Batch, len(b))
	for index, evt := range b {
		result[index] = evt.Clone()
	}
	return result
}
