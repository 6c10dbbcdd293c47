// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

// Package logstream delivers events to a Loki-compatible push API.
// Events are grouped into streams by a small set of safe labels;
// everything else stays in the log line. Label safety is the point:
// only whitelisted low-cardinality fields become labels, a hard
// blacklist keeps per-request identifiers out even if someone
// whitelists them by mistake, and values are sanitized to the
// character set label stores tolerate.
package logstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/caravel-telemetry/caravel/lib/clock"
	"github.com/caravel-telemetry/caravel/lib/event"
	"github.com/caravel-telemetry/caravel/lib/retry"
)

// defaultLabels is the safe whitelist of fields promoted to stream
// labels.
var defaultLabels = []string{"type", "service", "host", "site", "env", "severity", "source"}

// labelBlacklist lists high-cardinality fields that are never
// promoted, whitelist or not. A label per request id would explode
// the stream count.
var labelBlacklist = map[string]bool{
	"request_id": true,
	"session_id": true,
	"trace_id":   true,
	"span_id":    true,
	"ip":         true,
	"client_ip":  true,
	"pid":        true,
	"user_id":    true,
}

// labelAliases maps label names to the event fields or tags they read
// from when no field of the same name exists.
var labelAliases = map[string]string{
	"host": "hostname",
	"env":  "environment",
}

// Config configures the sink.
type Config struct {
	// URL is the push endpoint, e.g.
	// http://loki:3100/loki/api/v1/push. Required.
	URL string

	// Name identifies the sink in results and logs. Defaults to
	// "logstream".
	Name string

	// TenantID is sent as X-Scope-OrgID when set.
	TenantID string

	// Labels overrides the safe-label whitelist. The blacklist still
	// applies on top.
	Labels []string

	// StaticLabels are added to every stream, typically a job label.
	StaticLabels map[string]string

	// Timeout bounds each push. Defaults to 10 seconds.
	Timeout time.Duration

	// Clock supplies fallback timestamps. Required.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// HTTPClient overrides the default client, for tests.
	HTTPClient *http.Client
}

// Sink pushes event batches as Loki streams.
type Sink struct {
	name         string
	url          string
	tenantID     string
	labels       []string
	staticLabels map[string]string
	httpClient   *http.Client
	clock        clock.Clock
	logger       *slog.Logger

	lastPushOK atomic.Bool
}

// New builds the sink.
func New(config Config) (*Sink, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("logstream: URL is required")
	}
	if config.Clock == nil {
		panic("logstream: Clock is required")
	}
	if config.Name == "" {
		config.Name = "logstream"
	}
	if len(config.Labels) == 0 {
		config.Labels = defaultLabels
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: config.Timeout}
	}

	labels := make([]string, 0, len(config.Labels))
	for _, label := range config.Labels {
		if labelBlacklist[label] {
			config.Logger.Warn("ignoring blacklisted label in whitelist", "label", label)
			continue
		}
		labels = append(labels, label)
	}
	sort.Strings(labels)

	sink := &Sink{
		name:         config.Name,
		url:          config.URL,
		tenantID:     config.TenantID,
		labels:       labels,
		staticLabels: config.StaticLabels,
		httpClient:   config.HTTPClient,
		clock:        config.Clock,
		logger:       config.Logger.With("sink", config.Name),
	}
	sink.lastPushOK.Store(true)
	return sink, nil
}

// Name identifies the sink.
func (s *Sink) Name() string { return s.name }

// Healthy reports whether the last push succeeded.
func (s *Sink) Healthy() bool { return s.lastPushOK.Load() }

// pushRequest is the Loki push API body.
type pushRequest struct {
	Streams []pushStream `json:"streams"`
}

type pushStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// Write groups the batch into streams and sends one push. All or
// nothing: a non-2xx response is returned as a *retry.StatusError so
// the caller can classify it.
func (s *Sink) Write(ctx context.Context, batch event.Batch) error {
	if len(batch) == 0 {
		return nil
	}

	body, err := json.Marshal(s.buildPush(batch))
	if err != nil {
		return retry.Terminal(fmt.Errorf("logstream: encoding push: %w", err))
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return retry.Terminal(fmt.Errorf("logstream: building request: %w", err))
	}
	request.Header.Set("Content-Type", "application/json")
	if s.tenantID != "" {
		request.Header.Set("X-Scope-OrgID", s.tenantID)
	}

	response, err := s.httpClient.Do(request)
	if err != nil {
		s.lastPushOK.Store(false)
		return fmt.Errorf("logstream: push: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		s.lastPushOK.Store(false)
		snippet, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return &retry.StatusError{
			Code:       response.StatusCode,
			Message:    fmt.Sprintf("logstream: push rejected: %s", strings.TrimSpace(string(snippet))),
			RetryAfter: parseRetryAfter(response.Header.Get("Retry-After")),
		}
	}

	s.lastPushOK.Store(true)
	return nil
}

// buildPush groups events into streams by label set, with values
// sorted by timestamp inside each stream and streams ordered by label
// signature for a deterministic body.
func (s *Sink) buildPush(batch event.Batch) pushRequest {
	type entry struct {
		nanos int64
		line  string
	}
	streams := make(map[string]*pushStream)
	pending := make(map[string][]entry)

	for _, item := range batch {
		labels := s.streamLabels(item)
		signature := labelSignature(labels)

		if _, exists := streams[signature]; !exists {
			streams[signature] = &pushStream{Stream: labels}
		}
		pending[signature] = append(pending[signature], entry{
			nanos: s.eventNanos(item),
			line:  eventLine(item),
		})
	}

	signatures := make([]string, 0, len(streams))
	for signature := range streams {
		signatures = append(signatures, signature)
	}
	sort.Strings(signatures)

	var push pushRequest
	for _, signature := range signatures {
		entries := pending[signature]
		sort.SliceStable(entries, func(a, b int) bool {
			return entries[a].nanos < entries[b].nanos
		})
		stream := streams[signature]
		for _, item := range entries {
			stream.Values = append(stream.Values, [2]string{
				strconv.FormatInt(item.nanos, 10), item.line,
			})
		}
		push.Streams = append(push.Streams, *stream)
	}
	return push
}

// streamLabels extracts the whitelisted labels present on the event.
func (s *Sink) streamLabels(item event.Event) map[string]string {
	labels := make(map[string]string, len(s.labels)+len(s.staticLabels))
	for key, value := range s.staticLabels {
		labels[key] = sanitizeLabelValue(value)
	}
	tags := item.Tags()
	for _, label := range s.labels {
		value := labelValue(item, tags, label)
		if value != "" {
			labels[label] = sanitizeLabelValue(value)
		}
	}
	return labels
}

// labelValue resolves a label from the event's fields, then its
// aliased field, then its tags.
func labelValue(item event.Event, tags map[string]string, label string) string {
	if value, ok := item[label].(string); ok && value != "" {
		return value
	}
	if alias, aliased := labelAliases[label]; aliased {
		if value, ok := item[alias].(string); ok && value != "" {
			return value
		}
		if value := tags[alias]; value != "" {
			return value
		}
	}
	return tags[label]
}

// sanitizeLabelValue replaces characters outside [A-Za-z0-9_.:/-]
// with underscores.
func sanitizeLabelValue(value string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '_', r == '.', r == ':', r == '/', r == '-':
			return r
		default:
			return '_'
		}
	}, value)
}

func labelSignature(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for key := range labels {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var builder strings.Builder
	for _, key := range keys {
		builder.WriteString(key)
		builder.WriteByte('=')
		builder.WriteString(labels[key])
		builder.WriteByte(',')
	}
	return builder.String()
}

// eventNanos returns the event timestamp in nanoseconds, falling back
// to the clock when the event carries none.
func (s *Sink) eventNanos(item event.Event) int64 {
	if parsed, ok := item.ParsedTime(); ok {
		return parsed.UnixNano()
	}
	return s.clock.Now().UnixNano()
}

// eventLine renders the full sanitized event as the log line so no
// field is lost to label filtering.
func eventLine(item event.Event) string {
	encoded, err := json.Marshal(item.Sanitize())
	if err != nil {
		return item.Message()
	}
	return string(encoded)
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
