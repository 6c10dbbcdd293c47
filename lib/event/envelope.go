// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"errors"
	"fmt"
	"time"
)

// ErrInternalKeys marks an envelope whose messages carry internal
// bookkeeping keys. A receiver must reject it rather than let the
// keys leak into storage.
var ErrInternalKeys = errors.New("message carries internal keys")

// Envelope is the edge-to-central wire frame around a batch. The
// relay builds it at a single finalization point, after sanitation,
// so the same envelope bytes ship over HTTP and land in file-transport
// artifacts. Decompressing a compressed artifact yields exactly the
// uncompressed one.
type Envelope struct {
	// Messages carries the sanitized events.
	Messages Batch `json:"messages" cbor:"messages"`

	// BatchSize duplicates len(Messages) so receivers can
	// cross-check truncation.
	BatchSize int `json:"batch_size" cbor:"batch_size"`

	// Timestamp is the send time in Unix seconds.
	Timestamp float64 `json:"timestamp" cbor:"timestamp"`

	// Source names the relay that shipped the batch.
	Source string `json:"source" cbor:"source"`

	// IsRetry marks a redelivery attempt of a previously nacked
	// batch.
	IsRetry bool `json:"is_retry" cbor:"is_retry"`
}

// NewEnvelope sanitizes the batch and wraps it. This is the only
// place envelopes are built; every internal bookkeeping key is gone
// from the wire format by construction.
func NewEnvelope(batch Batch, source string, now time.Time, isRetry bool) Envelope {
	sanitized := batch.Sanitize()
	return Envelope{
		Messages:  sanitized,
		BatchSize: len(sanitized),
		Timestamp: float64(now.UnixNano()) / float64(time.Second),
		Source:    source,
		IsRetry:   isRetry,
	}
}

// Validate rejects envelopes a receiver must not accept: empty
// batches, inconsistent counts, and messages carrying internal
// bookkeeping keys.
func (e Envelope) Validate() error {
	if len(e.Messages) == 0 {
		return fmt.Errorf("envelope: empty batch")
	}
	if e.BatchSize != len(e.Messages) {
		return fmt.Errorf("envelope: batch_size %d does not match %d messages",
			e.BatchSize, len(e.Messages))
	}
	for index, item := range e.Messages {
		if item.HasInternalKeys() {
			return fmt.Errorf("envelope: message %d: %w", index, ErrInternalKeys)
		}
	}
	return nil
}
