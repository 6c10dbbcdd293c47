// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"testing"
	"time"
)

func TestNewEnvelopeSanitizes(t *testing.T) {
	batch := Batch{
		{"message": "a", "_caravel_queue_id": "q1"},
		{"message": "b"},
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 500_000_000, time.UTC)

	envelope := NewEnvelope(batch, "relay-7", now, false)

	if envelope.BatchSize != 2 {
		t.Fatalf("batch_size = %d", envelope.BatchSize)
	}
	if envelope.Source != "relay-7" {
		t.Fatalf("source = %q", envelope.Source)
	}
	if envelope.Timestamp != float64(now.UnixNano())/1e9 {
		t.Fatalf("timestamp = %v", envelope.Timestamp)
	}
	for index, item := range envelope.Messages {
		if item.HasInternalKeys() {
			t.Fatalf("message %d still carries internal keys", index)
		}
	}
	if err := envelope.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestEnvelopeValidateRejections(t *testing.T) {
	if err := (Envelope{}).Validate(); err == nil {
		t.Error("empty envelope accepted")
	}

	mismatched := Envelope{
		Messages:  Batch{{"message": "a"}},
		BatchSize: 3,
	}
	if err := mismatched.Validate(); err == nil {
		t.Error("mismatched batch_size accepted")
	}

	tainted := Envelope{
		Messages:  Batch{{"message": "a", "_caravel_attempts": 2}},
		BatchSize: 1,
	}
	if err := tainted.Validate(); err == nil {
		t.Error("internal keys accepted")
	}
}
