// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

package logstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/caravel-telemetry/caravel/lib/clock"
	"github.com/caravel-telemetry/caravel/lib/event"
	"github.com/caravel-telemetry/caravel/lib/retry"
)

var testEpoch = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func newTestSink(t *testing.T, url string, mutate func(*Config)) *Sink {
	t.Helper()
	config := Config{
		URL:   url,
		Clock: clock.Fake(testEpoch),
	}
	if mutate != nil {
		mutate(&config)
	}
	sink, err := New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return sink
}

func capturePush(t *testing.T, status int, headers map[string]string) (*httptest.Server, *pushRequest) {
	t.Helper()
	var captured pushRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &captured); err != nil {
			t.Errorf("decoding push body: %v", err)
		}
		for key, value := range headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server, &captured
}

func TestWriteGroupsEventsIntoStreams(t *testing.T) {
	server, captured := capturePush(t, http.StatusNoContent, nil)
	sink := newTestSink(t, server.URL, nil)

	batch := event.Batch{
		{"message": "b", "type": "syslog", "service": "nginx", "timestamp": "2026-03-01T00:00:02Z"},
		{"message": "a", "type": "syslog", "service": "nginx", "timestamp": "2026-03-01T00:00:01Z"},
		{"message": "c", "type": "snmp", "timestamp": "2026-03-01T00:00:03Z"},
	}
	if err := sink.Write(context.Background(), batch); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if len(captured.Streams) != 2 {
		t.Fatalf("streams = %d, want 2", len(captured.Streams))
	}

	var nginx *pushStream
	for index := range captured.Streams {
		if captured.Streams[index].Stream["service"] == "nginx" {
			nginx = &captured.Streams[index]
		}
	}
	if nginx == nil {
		t.Fatalf("nginx stream missing: %+v", captured.Streams)
	}
	if len(nginx.Values) != 2 {
		t.Fatalf("nginx values = %d, want 2", len(nginx.Values))
	}

	// Values must be timestamp-sorted regardless of batch order.
	if nginx.Values[0][0] >= nginx.Values[1][0] {
		t.Fatalf("values not sorted: %v", nginx.Values)
	}
	if !strings.Contains(nginx.Values[0][1], `"message":"a"`) {
		t.Fatalf("first value line = %q", nginx.Values[0][1])
	}
}

func TestWriteBlacklistNeverPromoted(t *testing.T) {
	server, captured := capturePush(t, http.StatusNoContent, nil)
	sink := newTestSink(t, server.URL, func(config *Config) {
		// trace_id is whitelisted by mistake; the blacklist wins.
		config.Labels = []string{"type", "trace_id"}
	})

	batch := event.Batch{{"message": "m", "type": "syslog", "trace_id": "abc-123", "timestamp": "2026-03-01T00:00:00Z"}}
	if err := sink.Write(context.Background(), batch); err != nil {
		t.Fatalf("Write: %v", err)
	}

	stream := captured.Streams[0].Stream
	if _, promoted := stream["trace_id"]; promoted {
		t.Fatalf("blacklisted label promoted: %v", stream)
	}
	if stream["type"] != "syslog" {
		t.Fatalf("labels = %v", stream)
	}

	// The field still reaches the line.
	if !strings.Contains(captured.Streams[0].Values[0][1], "abc-123") {
		t.Fatal("blacklisted field lost from log line")
	}
}

func TestWriteSanitizesLabelValues(t *testing.T) {
	server, captured := capturePush(t, http.StatusNoContent, nil)
	sink := newTestSink(t, server.URL, func(config *Config) {
		config.StaticLabels = map[string]string{"job": "caravel gateway#1"}
	})

	batch := event.Batch{{"message": "m", "type": "weird type!", "timestamp": "2026-03-01T00:00:00Z"}}
	if err := sink.Write(context.Background(), batch); err != nil {
		t.Fatalf("Write: %v", err)
	}

	stream := captured.Streams[0].Stream
	if stream["type"] != "weird_type_" {
		t.Fatalf("type label = %q", stream["type"])
	}
	if stream["job"] != "caravel_gateway_1" {
		t.Fatalf("job label = %q", stream["job"])
	}
}

func TestWriteResolvesAliasedLabels(t *testing.T) {
	server, captured := capturePush(t, http.StatusNoContent, nil)
	sink := newTestSink(t, server.URL, nil)

	batch := event.Batch{{
		"message":   "m",
		"hostname":  "web01.prod.us",
		"tags":      map[string]any{"environment": "production", "site": "us-east"},
		"timestamp": "2026-03-01T00:00:00Z",
	}}
	if err := sink.Write(context.Background(), batch); err != nil {
		t.Fatalf("Write: %v", err)
	}

	stream := captured.Streams[0].Stream
	if stream["host"] != "web01.prod.us" {
		t.Fatalf("host label = %q", stream["host"])
	}
	if stream["env"] != "production" || stream["site"] != "us-east" {
		t.Fatalf("labels = %v", stream)
	}
}

func TestWriteStripsInternalKeysFromLine(t *testing.T) {
	server, captured := capturePush(t, http.StatusNoContent, nil)
	sink := newTestSink(t, server.URL, nil)

	batch := event.Batch{{
		"message":               "m",
		"timestamp":             "2026-03-01T00:00:00Z",
		"_caravel_pii_hold":     true,
		"_caravel_spool_origin": "q1",
	}}
	if err := sink.Write(context.Background(), batch); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if strings.Contains(captured.Streams[0].Values[0][1], "_caravel_") {
		t.Fatalf("internal key leaked: %q", captured.Streams[0].Values[0][1])
	}
}

func TestWriteSurfacesStatusErrors(t *testing.T) {
	server, _ := capturePush(t, http.StatusTooManyRequests, map[string]string{"Retry-After": "7"})
	sink := newTestSink(t, server.URL, nil)

	err := sink.Write(context.Background(), event.Batch{{"message": "m"}})
	var status *retry.StatusError
	if !errors.As(err, &status) {
		t.Fatalf("err = %v, want StatusError", err)
	}
	if status.Code != http.StatusTooManyRequests {
		t.Fatalf("code = %d", status.Code)
	}
	if status.RetryAfter != 7*time.Second {
		t.Fatalf("retry after = %v", status.RetryAfter)
	}
	if !retry.Retryable(err) {
		t.Fatal("429 must be retryable")
	}
	if sink.Healthy() {
		t.Fatal("sink healthy after rejected push")
	}
}

func TestWriteServerErrorRetryable(t *testing.T) {
	server, _ := capturePush(t, http.StatusInternalServerError, nil)
	sink := newTestSink(t, server.URL, nil)

	err := sink.Write(context.Background(), event.Batch{{"message": "m"}})
	if !retry.Retryable(err) {
		t.Fatalf("5xx not retryable: %v", err)
	}

	// A later success restores health.
	ok, _ := capturePush(t, http.StatusNoContent, nil)
	healthy := newTestSink(t, ok.URL, nil)
	if err := healthy.Write(context.Background(), event.Batch{{"message": "m"}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !healthy.Healthy() {
		t.Fatal("sink unhealthy after successful push")
	}
}

func TestWriteEmptyBatchNoPush(t *testing.T) {
	pushed := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pushed = true
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sink := newTestSink(t, server.URL, nil)
	if err := sink.Write(context.Background(), nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if pushed {
		t.Fatal("empty batch pushed")
	}
}
