// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/caravel-telemetry/caravel/lib/clock"
	"github.com/caravel-telemetry/caravel/lib/compress"
	"github.com/caravel-telemetry/caravel/lib/retry"
)

// Transport delivers one finalized envelope. The payload is the
// canonical JSON encoding; transports may compress it for the wire or
// for storage, but never alter it.
type Transport interface {
	Name() string
	Send(ctx context.Context, payload []byte) error
}

// HTTPTransport posts envelopes to the gateway's ingest endpoint,
// compressed with the configured tag. HTTP status codes map onto the
// retry taxonomy via StatusError so the shipper can classify
// failures.
type HTTPTransport struct {
	client   *http.Client
	endpoint string
	tag      compress.Tag
}

// NewHTTPTransport builds the transport. A zero timeout means no
// per-request bound beyond the caller's context.
func NewHTTPTransport(endpoint string, tag compress.Tag, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		client:   &http.Client{Timeout: timeout},
		endpoint: endpoint,
		tag:      tag,
	}
}

func (t *HTTPTransport) Name() string { return "http" }

func (t *HTTPTransport) Send(ctx context.Context, payload []byte) error {
	body, err := compress.Compress(payload, t.tag)
	if err != nil {
		return retry.Terminal(fmt.Errorf("transport: compressing envelope: %w", err))
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint,
		bytes.NewReader(body))
	if err != nil {
		return retry.Terminal(fmt.Errorf("transport: building request: %w", err))
	}
	request.Header.Set("Content-Type", "application/json")
	if t.tag != compress.None {
		request.Header.Set("Content-Encoding", t.tag.String())
	}

	response, err := t.client.Do(request)
	if err != nil {
		return fmt.Errorf("transport: posting envelope: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		io.Copy(io.Discard, response.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(response.Body, 200))
	return &retry.StatusError{
		Code:       response.StatusCode,
		Message:    fmt.Sprintf("transport: gateway rejected envelope: %s", snippet),
		RetryAfter: parseRetryAfter(response.Header.Get("Retry-After")),
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// FileTransport writes each envelope as a pair of artifacts,
// <name>.json and <name>.json.gz, for links with no connectivity at
// all. Decompressing the .gz yields the .json byte for byte: both
// come from the same finalized payload.
type FileTransport struct {
	dir   string
	clock clock.Clock
}

// NewFileTransport creates the artifact directory if needed.
func NewFileTransport(dir string, clk clock.Clock) (*FileTransport, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("transport: creating %s: %w", dir, err)
	}
	return &FileTransport{dir: dir, clock: clk}, nil
}

func (t *FileTransport) Name() string { return "file" }

func (t *FileTransport) Send(_ context.Context, payload []byte) error {
	stem := fmt.Sprintf("batch-%d-%s",
		t.clock.Now().UnixNano(), uuid.NewString()[:8])

	compressed, err := compress.Compress(payload, compress.Gzip)
	if err != nil {
		return retry.Terminal(fmt.Errorf("transport: compressing artifact: %w", err))
	}

	if err := writeArtifact(filepath.Join(t.dir, stem+".json"), payload); err != nil {
		return err
	}
	return writeArtifact(filepath.Join(t.dir, stem+".json.gz"), compressed)
}

// writeArtifact writes via temp-name and rename so a collector
// scanning the directory never sees a partial artifact.
func writeArtifact(path string, data []byte) error {
	temporary := path + ".tmp"
	if err := os.WriteFile(temporary, data, 0o644); err != nil {
		return fmt.Errorf("transport: writing %s: %w", path, err)
	}
	if err := os.Rename(temporary, path); err != nil {
		os.Remove(temporary)
		return fmt.Errorf("transport: finalizing %s: %w", path, err)
	}
	return nil
}
