// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

package idempotency

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/caravel-telemetry/caravel/lib/clock"
	"github.com/caravel-telemetry/caravel/lib/event"
)

var epoch = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func testBatch(message string) event.Batch {
	return event.Batch{{"message": message, "timestamp": "2026-03-01T00:00:00Z"}}
}

func TestFirstSeenThenDuplicate(t *testing.T) {
	fake := clock.Fake(epoch)
	manager := New(time.Minute, fake)
	batch := testBatch("hello")

	if manager.IsDuplicate(batch) {
		t.Fatal("first sighting must not be a duplicate")
	}
	if !manager.IsDuplicate(batch) {
		t.Fatal("second sighting within window must be a duplicate")
	}
	if !manager.IsDuplicate(batch) {
		t.Fatal("third sighting within window must be a duplicate")
	}
}

func TestWindowExpiry(t *testing.T) {
	fake := clock.Fake(epoch)
	manager := New(time.Minute, fake)
	batch := testBatch("hello")

	manager.IsDuplicate(batch)
	fake.Advance(59 * time.Second)
	if !manager.IsDuplicate(batch) {
		t.Fatal("still inside window")
	}

	// The 59s sighting was a duplicate, so it did not refresh the
	// window; the original entry expires at +60s.
	fake.Advance(1 * time.Second)
	if manager.IsDuplicate(batch) {
		t.Fatal("window elapsed, batch must read as new again")
	}
}

func TestExpiredKeysPurged(t *testing.T) {
	fake := clock.Fake(epoch)
	manager := New(time.Minute, fake)

	for i := 0; i < 10; i++ {
		manager.IsDuplicate(testBatch(fmt.Sprintf("m%d", i)))
	}
	if manager.Len() != 10 {
		t.Fatalf("expected 10 tracked keys, got %d", manager.Len())
	}

	fake.Advance(2 * time.Minute)
	manager.IsDuplicate(testBatch("fresh"))
	if manager.Len() != 1 {
		t.Fatalf("expected purge to leave 1 key, got %d", manager.Len())
	}
}

func TestDistinctBatchesIndependent(t *testing.T) {
	fake := clock.Fake(epoch)
	manager := New(time.Minute, fake)

	if manager.IsDuplicate(testBatch("a")) {
		t.Fatal("a: first sighting")
	}
	if manager.IsDuplicate(testBatch("b")) {
		t.Fatal("b: first sighting must be independent of a")
	}
}

func TestSeenDoesNotRecord(t *testing.T) {
	fake := clock.Fake(epoch)
	manager := New(time.Minute, fake)
	key := testBatch("attempted").Key()

	if manager.Seen(key) {
		t.Fatal("unrecorded key must not read as seen")
	}
	// Seen is a pure lookup: asking again still reads as new.
	if manager.Seen(key) {
		t.Fatal("Seen must not record the key as a side effect")
	}

	manager.Record(key)
	if !manager.Seen(key) {
		t.Fatal("recorded key must read as seen")
	}

	fake.Advance(2 * time.Minute)
	if manager.Seen(key) {
		t.Fatal("key outside window must read as new")
	}
}

func TestRecordPurgesExpired(t *testing.T) {
	fake := clock.Fake(epoch)
	manager := New(time.Minute, fake)

	for i := 0; i < 5; i++ {
		manager.Record(testBatch(fmt.Sprintf("m%d", i)).Key())
	}
	fake.Advance(2 * time.Minute)
	manager.Record(testBatch("fresh").Key())
	if manager.Len() != 1 {
		t.Fatalf("expected purge to leave 1 key, got %d", manager.Len())
	}
}

func TestConcurrentChecksAdmitExactlyOne(t *testing.T) {
	fake := clock.Fake(epoch)
	manager := New(time.Minute, fake)
	batch := testBatch("contested")

	var firsts int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !manager.IsDuplicate(batch) {
				mu.Lock()
				firsts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if firsts != 1 {
		t.Fatalf("expected exactly one non-duplicate result, got %d", firsts)
	}
}
