// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"testing"

	"github.com/caravel-telemetry/caravel/lib/clock"
	"github.com/caravel-telemetry/caravel/lib/event"
	"github.com/caravel-telemetry/caravel/lib/spool"
)

func TestMemoryBufferOrder(t *testing.T) {
	buffer := newMemoryBuffer(10)
	for _, message := range []string{"a", "b", "c"} {
		if err := buffer.Put(event.Event{"message": message}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	batch, err := buffer.GetBatch(2)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if len(batch.Events) != 2 {
		t.Fatalf("batch = %d events, want 2", len(batch.Events))
	}
	if batch.Events[0].Message() != "a" || batch.Events[1].Message() != "b" {
		t.Fatalf("wrong order: %v", batch.Events)
	}
	if buffer.Len() != 1 {
		t.Fatalf("Len = %d, want 1", buffer.Len())
	}
}

func TestMemoryBufferDropsOldestOnOverflow(t *testing.T) {
	buffer := newMemoryBuffer(2)
	for _, message := range []string{"old", "mid", "new"} {
		if err := buffer.Put(event.Event{"message": message}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	if buffer.Dropped() != 1 {
		t.Fatalf("Dropped = %d, want 1", buffer.Dropped())
	}
	batch, _ := buffer.GetBatch(10)
	if len(batch.Events) != 2 || batch.Events[0].Message() != "mid" {
		t.Fatalf("survivors = %v", batch.Events)
	}
}

func TestMemoryBufferRollbackRequeues(t *testing.T) {
	buffer := newMemoryBuffer(10)
	buffer.Put(event.Event{"message": "x"})

	batch, _ := buffer.GetBatch(1)
	if buffer.Len() != 0 {
		t.Fatalf("Len after lease = %d", buffer.Len())
	}
	buffer.Rollback(batch)
	if buffer.Len() != 1 {
		t.Fatalf("Len after rollback = %d, want 1", buffer.Len())
	}

	again, _ := buffer.GetBatch(1)
	if again.Events[0].Message() != "x" {
		t.Fatalf("rolled-back event = %v", again.Events[0])
	}
}

func TestMemoryBufferEmpty(t *testing.T) {
	buffer := newMemoryBuffer(2)
	batch, err := buffer.GetBatch(5)
	if err != nil || batch != nil {
		t.Fatalf("empty GetBatch = %v, %v", batch, err)
	}
}

func TestDurableBufferRoundTrip(t *testing.T) {
	buffer, err := newDurableBuffer(t.TempDir(), 1<<20, clock.Real())
	if err != nil {
		t.Fatalf("newDurableBuffer: %v", err)
	}

	for _, message := range []string{"a", "b"} {
		if err := buffer.Put(event.Event{"message": message}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if buffer.Len() != 2 {
		t.Fatalf("Len = %d, want 2", buffer.Len())
	}

	batch, err := buffer.GetBatch(10)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if len(batch.Events) != 2 || batch.Events[0].Message() != "a" {
		t.Fatalf("batch = %v", batch.Events)
	}

	buffer.Commit(batch)
	if buffer.Len() != 0 {
		t.Fatalf("Len after commit = %d, want 0", buffer.Len())
	}
}

func TestDurableBufferRollbackKeepsEvents(t *testing.T) {
	buffer, err := newDurableBuffer(t.TempDir(), 1<<20, clock.Real())
	if err != nil {
		t.Fatalf("newDurableBuffer: %v", err)
	}
	buffer.Put(event.Event{"message": "keep"})

	batch, _ := buffer.GetBatch(1)
	buffer.Rollback(batch)

	again, err := buffer.GetBatch(1)
	if err != nil || again == nil {
		t.Fatalf("GetBatch after rollback = %v, %v", again, err)
	}
	if again.Events[0].Message() != "keep" {
		t.Fatalf("event = %v", again.Events[0])
	}
}

func TestDurableBufferFullRejectsPut(t *testing.T) {
	buffer, err := newDurableBuffer(t.TempDir(), 1, clock.Real())
	if err != nil {
		t.Fatalf("newDurableBuffer: %v", err)
	}

	err = buffer.Put(event.Event{"message": "too big for one byte"})
	if !errors.Is(err, spool.ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if buffer.Dropped() != 1 {
		t.Fatalf("Dropped = %d, want 1", buffer.Dropped())
	}
}
