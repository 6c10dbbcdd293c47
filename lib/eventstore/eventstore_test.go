// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/caravel-telemetry/caravel/lib/clock"
	"github.com/caravel-telemetry/caravel/lib/event"
)

var testEpoch = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Config{
		Path:  filepath.Join(t.TempDir(), "events.db"),
		Clock: clock.Fake(testEpoch),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return store
}

func TestWriteAndQuery(t *testing.T) {
	store := openTestStore(t)

	batch := event.Batch{
		{"message": "first", "type": "syslog", "source": "web01", "timestamp": "2026-03-01T00:00:01Z"},
		{"message": "second", "type": "snmp", "source": "switch3", "timestamp": "2026-03-01T00:00:02Z"},
	}
	if err := store.Write(context.Background(), batch); err != nil {
		t.Fatalf("Write: %v", err)
	}

	count, err := store.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}

	results, err := store.Query(context.Background(), Filter{Type: "syslog"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].Payload.Message() != "first" {
		t.Fatalf("payload message = %q", results[0].Payload.Message())
	}
	if results[0].Source != "web01" {
		t.Fatalf("source = %q", results[0].Source)
	}
}

func TestWriteDefaultsColumns(t *testing.T) {
	store := openTestStore(t)

	if err := store.Write(context.Background(),
		event.Batch{{"message": "bare"}}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	results, err := store.Query(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	row := results[0]
	if row.Type != "unknown" || row.Source != "unknown" {
		t.Fatalf("defaults not applied: type=%q source=%q", row.Type, row.Source)
	}
	if row.Timestamp != "2026-03-01T00:00:00Z" {
		t.Fatalf("ts = %q", row.Timestamp)
	}
}

func TestWriteSanitizesPayload(t *testing.T) {
	store := openTestStore(t)

	batch := event.Batch{{
		"message":           "m",
		"timestamp":         "2026-03-01T00:00:00Z",
		"_caravel_pii_hold": true,
	}}
	if err := store.Write(context.Background(), batch); err != nil {
		t.Fatalf("Write: %v", err)
	}

	results, _ := store.Query(context.Background(), Filter{})
	if results[0].Payload.HasInternalKeys() {
		t.Fatal("internal keys stored in payload")
	}
}

func TestQueryTimeRangeNewestFirst(t *testing.T) {
	store := openTestStore(t)

	var batch event.Batch
	for hour := 1; hour <= 5; hour++ {
		batch = append(batch, event.Event{
			"message":   "m",
			"type":      "syslog",
			"timestamp": time.Date(2026, 3, 1, hour, 0, 0, 0, time.UTC).Format(time.RFC3339Nano),
		})
	}
	if err := store.Write(context.Background(), batch); err != nil {
		t.Fatalf("Write: %v", err)
	}

	results, err := store.Query(context.Background(), Filter{
		Since: "2026-03-01T02:00:00Z",
		Until: "2026-03-01T04:00:00Z",
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	if results[0].Timestamp < results[len(results)-1].Timestamp {
		t.Fatal("results not newest first")
	}
}

func TestWriteEmptyBatch(t *testing.T) {
	store := openTestStore(t)
	if err := store.Write(context.Background(), nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	count, _ := store.Count(context.Background())
	if count != 0 {
		t.Fatalf("count = %d", count)
	}
}
