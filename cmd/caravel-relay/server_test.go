// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/caravel-telemetry/caravel/lib/clock"
	"github.com/caravel-telemetry/caravel/lib/retry"
)

func discardTestLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestServer(t *testing.T) (*relayServer, *memoryBuffer, *fakeTransport) {
	t.Helper()
	clk := clock.Fake(shipperEpoch)
	transport := &fakeTransport{}
	shipper, buffer := newTestShipper(t, transport, clk, 10)
	server := &relayServer{
		buffer:    buffer,
		shipper:   shipper,
		clock:     clk,
		startedAt: clk.Now(),
		logger:    discardTestLogger(),
	}
	return server, buffer, transport
}

func TestEventsAccepted(t *testing.T) {
	server, buffer, _ := newTestServer(t)

	body := `[{"message":"a"},{"message":"b"}]`
	request := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
	recorder := httptest.NewRecorder()
	server.routes().ServeHTTP(recorder, request)

	if recorder.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body.String())
	}
	if buffer.Len() != 2 {
		t.Fatalf("buffer depth = %d, want 2", buffer.Len())
	}
}

func TestEventsRejectInternalKeys(t *testing.T) {
	server, buffer, _ := newTestServer(t)

	body := `[{"message":"a","_caravel_queue_id":"q1"}]`
	request := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
	recorder := httptest.NewRecorder()
	server.routes().ServeHTTP(recorder, request)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", recorder.Code)
	}
	if buffer.Len() != 0 {
		t.Fatalf("buffer depth = %d, want 0", buffer.Len())
	}
}

func TestEventsRejectMalformedBody(t *testing.T) {
	server, _, _ := newTestServer(t)

	request := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader("{not an array"))
	recorder := httptest.NewRecorder()
	server.routes().ServeHTTP(recorder, request)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", recorder.Code)
	}
}

func TestStatusCounters(t *testing.T) {
	server, buffer, transport := newTestServer(t)

	// One shipped batch, one parked retry, one waiting event.
	putEvents(t, buffer, "a", "b", "c", "d", "e", "f", "g", "h", "i", "j")
	server.shipper.tick(t.Context())

	transport.mu.Lock()
	transport.script = []error{&retry.StatusError{Code: 503, Message: "down"}}
	transport.mu.Unlock()
	putEvents(t, buffer,
		"k", "l", "m", "n", "o", "p", "q", "r", "s", "t")
	server.shipper.tick(t.Context())

	putEvents(t, buffer, "waiting")

	request := httptest.NewRequest(http.MethodGet, "/status", nil)
	recorder := httptest.NewRecorder()
	server.routes().ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}

	var status statusResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &status); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if status.Shipped != 1 {
		t.Errorf("shipped = %d, want 1", status.Shipped)
	}
	if status.RetryBacklog != 1 {
		t.Errorf("retry_backlog = %d, want 1", status.RetryBacklog)
	}
	if status.BufferDepth != 1 {
		t.Errorf("buffer_depth = %d, want 1", status.BufferDepth)
	}
}
