// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/caravel-telemetry/caravel/lib/clock"
	"github.com/caravel-telemetry/caravel/lib/event"
	"github.com/caravel-telemetry/caravel/lib/idempotency"
	"github.com/caravel-telemetry/caravel/lib/retry"
)

var shipperEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeTransport records payloads and fails with scripted errors, one
// per call, succeeding once the script runs out.
type fakeTransport struct {
	mu       sync.Mutex
	script   []error
	payloads [][]byte
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Send(_ context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.script) > 0 {
		err := f.script[0]
		f.script = f.script[1:]
		if err != nil {
			return err
		}
	}
	f.payloads = append(f.payloads, append([]byte(nil), payload...))
	return nil
}

func (f *fakeTransport) sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payloads
}

func newTestShipper(t *testing.T, transport Transport, clk clock.Clock, batchSize int) (*Shipper, *memoryBuffer) {
	t.Helper()
	buffer := newMemoryBuffer(1000)
	shipper := NewShipper(ShipperConfig{
		Buffer:       buffer,
		Transport:    transport,
		Source:       "relay-test",
		BatchSize:    batchSize,
		BatchTimeout: 30 * time.Second,
		TickInterval: time.Second,
		Retry: retry.New(retry.Policy{
			MaxRetries:     2,
			InitialBackoff: 10 * time.Second,
			MaxBackoff:     time.Minute,
			JitterFactor:   0.01,
		}),
		Clock:  clk,
		Logger: discardTestLogger(),
	})
	return shipper, buffer
}

func putEvents(t *testing.T, buffer MessageBuffer, messages ...string) {
	t.Helper()
	for _, message := range messages {
		if err := buffer.Put(event.Event{"message": message, "timestamp": "2026-03-01T00:00:00Z"}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
}

func decodeEnvelope(t *testing.T, payload []byte) event.Envelope {
	t.Helper()
	var envelope event.Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		t.Fatalf("decoding envelope: %v", err)
	}
	return envelope
}

func TestShipsWhenBatchSizeReached(t *testing.T) {
	clk := clock.Fake(shipperEpoch)
	transport := &fakeTransport{}
	shipper, buffer := newTestShipper(t, transport, clk, 2)

	putEvents(t, buffer, "a", "b")
	shipper.tick(context.Background())

	sent := transport.sent()
	if len(sent) != 1 {
		t.Fatalf("sent = %d payloads, want 1", len(sent))
	}
	envelope := decodeEnvelope(t, sent[0])
	if envelope.BatchSize != 2 || envelope.Source != "relay-test" || envelope.IsRetry {
		t.Fatalf("envelope = %+v", envelope)
	}
	if buffer.Len() != 0 {
		t.Fatalf("buffer depth = %d after ship", buffer.Len())
	}
	if shipper.Shipped() != 1 {
		t.Fatalf("Shipped = %d", shipper.Shipped())
	}
}

func TestHoldsShortBatchUntilTimeout(t *testing.T) {
	clk := clock.Fake(shipperEpoch)
	transport := &fakeTransport{}
	shipper, buffer := newTestShipper(t, transport, clk, 10)

	putEvents(t, buffer, "lonely")
	shipper.tick(context.Background())
	if len(transport.sent()) != 0 {
		t.Fatal("short batch shipped before timeout")
	}

	clk.Advance(31 * time.Second)
	shipper.tick(context.Background())
	if len(transport.sent()) != 1 {
		t.Fatal("aged batch not shipped")
	}
}

func TestRetryScheduledAndRedelivered(t *testing.T) {
	clk := clock.Fake(shipperEpoch)
	transport := &fakeTransport{script: []error{
		&retry.StatusError{Code: 503, Message: "unavailable"},
	}}
	shipper, buffer := newTestShipper(t, transport, clk, 1)

	putEvents(t, buffer, "x")
	shipper.tick(context.Background())

	if shipper.RetryBacklog() != 1 {
		t.Fatalf("backlog = %d, want 1", shipper.RetryBacklog())
	}
	if buffer.Len() != 0 {
		t.Fatal("failed batch left in buffer as well as retry record")
	}

	// Before the backoff elapses nothing is redelivered.
	shipper.tick(context.Background())
	if len(transport.sent()) != 0 {
		t.Fatal("redelivered before backoff elapsed")
	}

	clk.Advance(time.Minute)
	shipper.tick(context.Background())
	if len(transport.sent()) != 1 {
		t.Fatal("due retry not redelivered")
	}
	envelope := decodeEnvelope(t, transport.sent()[0])
	if !envelope.IsRetry {
		t.Fatal("redelivery not marked is_retry")
	}
	if shipper.RetryBacklog() != 0 {
		t.Fatalf("backlog = %d after success", shipper.RetryBacklog())
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	clk := clock.Fake(shipperEpoch)
	transport := &fakeTransport{script: []error{
		&retry.StatusError{Code: 503, Message: "down"},
		&retry.StatusError{Code: 503, Message: "down"},
		&retry.StatusError{Code: 503, Message: "down"},
	}}
	shipper, buffer := newTestShipper(t, transport, clk, 1)

	putEvents(t, buffer, "x")
	shipper.tick(context.Background())
	for range 2 {
		clk.Advance(2 * time.Minute)
		shipper.tick(context.Background())
	}

	if shipper.Abandoned() != 1 {
		t.Fatalf("Abandoned = %d, want 1", shipper.Abandoned())
	}
	if shipper.RetryBacklog() != 0 {
		t.Fatalf("backlog = %d, want 0", shipper.RetryBacklog())
	}
}

func TestTerminalFailureDropsBatch(t *testing.T) {
	clk := clock.Fake(shipperEpoch)
	transport := &fakeTransport{script: []error{
		&retry.StatusError{Code: 400, Message: "malformed"},
	}}
	shipper, buffer := newTestShipper(t, transport, clk, 1)

	putEvents(t, buffer, "bad")
	shipper.tick(context.Background())

	if shipper.Abandoned() != 1 || shipper.RetryBacklog() != 0 {
		t.Fatalf("abandoned = %d, backlog = %d", shipper.Abandoned(), shipper.RetryBacklog())
	}
	if buffer.Len() != 0 {
		t.Fatal("terminal batch left in buffer")
	}
}

func TestEnvelopeSanitizedAtFinalization(t *testing.T) {
	clk := clock.Fake(shipperEpoch)
	transport := &fakeTransport{}
	shipper, buffer := newTestShipper(t, transport, clk, 1)

	if err := buffer.Put(event.Event{
		"message":           "payload",
		"_caravel_attempts": 3,
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	shipper.tick(context.Background())

	sent := transport.sent()
	if len(sent) != 1 {
		t.Fatalf("sent = %d payloads", len(sent))
	}
	if strings.Contains(string(sent[0]), "_caravel_") {
		t.Fatalf("internal keys leaked: %s", sent[0])
	}
}

func TestDuplicateBatchSkipped(t *testing.T) {
	clk := clock.Fake(shipperEpoch)
	transport := &fakeTransport{}
	buffer := newMemoryBuffer(100)
	shipper := NewShipper(ShipperConfig{
		Buffer:       buffer,
		Transport:    transport,
		Source:       "relay-test",
		BatchSize:    1,
		BatchTimeout: 30 * time.Second,
		TickInterval: time.Second,
		Dedup:        idempotency.New(5*time.Minute, clk),
		Retry:        retry.New(retry.DefaultPolicy()),
		Clock:        clk,
		Logger:       discardTestLogger(),
	})

	putEvents(t, buffer, "same")
	shipper.tick(context.Background())
	putEvents(t, buffer, "same")
	shipper.tick(context.Background())

	if len(transport.sent()) != 1 {
		t.Fatalf("sent = %d payloads, want 1 (duplicate suppressed)", len(transport.sent()))
	}
	// The skip still counts as handled.
	if shipper.Shipped() != 2 {
		t.Fatalf("Shipped = %d, want 2", shipper.Shipped())
	}
}

func TestFailedSendDoesNotPoisonDedup(t *testing.T) {
	clk := clock.Fake(shipperEpoch)
	transport := &fakeTransport{script: []error{
		&retry.StatusError{Code: 503, Message: "unavailable"},
	}}
	buffer := newMemoryBuffer(100)
	shipper := NewShipper(ShipperConfig{
		Buffer:       buffer,
		Transport:    transport,
		Source:       "relay-test",
		BatchSize:    1,
		BatchTimeout: 30 * time.Second,
		TickInterval: time.Second,
		Dedup:        idempotency.New(time.Hour, clk),
		Retry: retry.New(retry.Policy{
			MaxRetries:     2,
			InitialBackoff: time.Second,
			MaxBackoff:     time.Second,
			JitterFactor:   0.01,
		}),
		Clock:  clk,
		Logger: discardTestLogger(),
	})

	putEvents(t, buffer, "retried")
	shipper.tick(context.Background())
	clk.Advance(time.Minute)
	shipper.tick(context.Background())

	if len(transport.sent()) != 1 {
		t.Fatalf("sent = %d, want 1 (redelivery must not be deduped)", len(transport.sent()))
	}
}

func TestFinalFlushCountsAbandonedRetries(t *testing.T) {
	clk := clock.Fake(shipperEpoch)
	transport := &fakeTransport{script: []error{
		&retry.StatusError{Code: 503, Message: "down"},
		&retry.StatusError{Code: 503, Message: "down"},
		&retry.StatusError{Code: 503, Message: "down"},
	}}
	shipper, buffer := newTestShipper(t, transport, clk, 1)

	putEvents(t, buffer, "a")
	shipper.tick(context.Background())
	putEvents(t, buffer, "b")
	shipper.tick(context.Background())
	if shipper.RetryBacklog() != 2 {
		t.Fatalf("backlog = %d, want 2", shipper.RetryBacklog())
	}

	// The first record's redelivery fails, so it and everything
	// behind it are dropped with the process. The counter must
	// report both losses.
	shipper.finalFlush()

	if shipper.Abandoned() != 2 {
		t.Fatalf("Abandoned = %d, want 2", shipper.Abandoned())
	}
	if shipper.RetryBacklog() != 0 {
		t.Fatalf("backlog = %d after final flush", shipper.RetryBacklog())
	}
	if shipper.Shipped() != 0 {
		t.Fatalf("Shipped = %d, want 0", shipper.Shipped())
	}
}

func TestFinalFlushShipsRemaining(t *testing.T) {
	clk := clock.Fake(shipperEpoch)
	transport := &fakeTransport{}
	shipper, buffer := newTestShipper(t, transport, clk, 100)

	putEvents(t, buffer, "a", "b", "c")
	shipper.finalFlush()

	if len(transport.sent()) != 1 {
		t.Fatalf("sent = %d payloads, want 1", len(transport.sent()))
	}
	envelope := decodeEnvelope(t, transport.sent()[0])
	if envelope.BatchSize != 3 {
		t.Fatalf("batch_size = %d, want 3", envelope.BatchSize)
	}
	if buffer.Len() != 0 {
		t.Fatalf("buffer depth = %d after final flush", buffer.Len())
	}
}
