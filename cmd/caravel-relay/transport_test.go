// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/caravel-telemetry/caravel/lib/clock"
	"github.com/caravel-telemetry/caravel/lib/compress"
	"github.com/caravel-telemetry/caravel/lib/retry"
)

func TestHTTPTransportSendsCompressed(t *testing.T) {
	var gotBody []byte
	var gotEncoding string
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		gotEncoding = request.Header.Get("Content-Encoding")
		gotBody, _ = io.ReadAll(request.Body)
		writer.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	transport := NewHTTPTransport(server.URL, compress.Gzip, 5*time.Second)
	payload := []byte(`{"messages":[{"message":"hello"}]}`)
	if err := transport.Send(context.Background(), payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if gotEncoding != "gzip" {
		t.Fatalf("Content-Encoding = %q", gotEncoding)
	}
	decoded, err := compress.Decompress(gotBody, compress.Gzip)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if string(decoded) != string(payload) {
		t.Fatalf("decoded body = %q", decoded)
	}
}

func TestHTTPTransportUncompressed(t *testing.T) {
	var gotEncoding string
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		gotEncoding = request.Header.Get("Content-Encoding")
		writer.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	transport := NewHTTPTransport(server.URL, compress.None, 5*time.Second)
	if err := transport.Send(context.Background(), []byte("{}")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotEncoding != "" {
		t.Fatalf("Content-Encoding = %q, want unset", gotEncoding)
	}
}

func TestHTTPTransportStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		retryable  bool
	}{
		{"server error", 500, "", true},
		{"throttled", 429, "7", true},
		{"bad request", 400, "", false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
				if test.retryAfter != "" {
					writer.Header().Set("Retry-After", test.retryAfter)
				}
				writer.WriteHeader(test.status)
			}))
			defer server.Close()

			transport := NewHTTPTransport(server.URL, compress.None, 5*time.Second)
			err := transport.Send(context.Background(), []byte("{}"))
			if err == nil {
				t.Fatal("expected error")
			}

			var statusErr *retry.StatusError
			if !errors.As(err, &statusErr) {
				t.Fatalf("err = %T, want StatusError", err)
			}
			if statusErr.Code != test.status {
				t.Fatalf("code = %d, want %d", statusErr.Code, test.status)
			}
			if retry.Retryable(err) != test.retryable {
				t.Fatalf("Retryable = %v, want %v", retry.Retryable(err), test.retryable)
			}
			if test.retryAfter != "" && statusErr.RetryAfter != 7*time.Second {
				t.Fatalf("RetryAfter = %v", statusErr.RetryAfter)
			}
		})
	}
}

func TestFileTransportWritesMatchingArtifacts(t *testing.T) {
	dir := t.TempDir()
	transport, err := NewFileTransport(dir, clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
	if err != nil {
		t.Fatalf("NewFileTransport: %v", err)
	}

	payload := []byte(`{"messages":[{"message":"offline"}],"batch_size":1}`)
	if err := transport.Send(context.Background(), payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var plain, gzipped string
	for _, entry := range entries {
		switch {
		case strings.HasSuffix(entry.Name(), ".json.gz"):
			gzipped = filepath.Join(dir, entry.Name())
		case strings.HasSuffix(entry.Name(), ".json"):
			plain = filepath.Join(dir, entry.Name())
		case strings.HasSuffix(entry.Name(), ".tmp"):
			t.Fatalf("leftover temp file %s", entry.Name())
		}
	}
	if plain == "" || gzipped == "" {
		t.Fatalf("missing artifacts, dir has %d entries", len(entries))
	}

	plainData, err := os.ReadFile(plain)
	if err != nil {
		t.Fatalf("reading %s: %v", plain, err)
	}
	if string(plainData) != string(payload) {
		t.Fatalf("plain artifact = %q", plainData)
	}

	gzippedData, err := os.ReadFile(gzipped)
	if err != nil {
		t.Fatalf("reading %s: %v", gzipped, err)
	}
	decompressed, err := compress.Decompress(gzippedData, compress.Gzip)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if string(decompressed) != string(plainData) {
		t.Fatal("compressed artifact does not decompress to the plain one")
	}
}
