// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

package sink

import (
	"context"
	"log/slog"
	"sync"

	"github.com/caravel-telemetry/caravel/lib/event"
	"github.com/caravel-telemetry/caravel/lib/idempotency"
)

// Result is the outcome of fanning one batch out to every sink.
type Result struct {
	// Duplicate is true when the batch was recognized as a replay
	// and no sink was written.
	Duplicate bool `json:"duplicate,omitempty"`

	// PerSink holds each destination's accounting, keyed by sink
	// name.
	PerSink map[string]WriteResult `json:"per_sink"`

	// Totals sums PerSink.
	Totals WriteResult `json:"totals"`
}

// Manager fans batches out to a fixed set of resilient sinks.
// Destinations fail independently: one sink's outage never blocks or
// degrades delivery to the others.
type Manager struct {
	sinks       []*ResilientSink
	idempotency *idempotency.Manager
	logger      *slog.Logger
}

// NewManager builds a fan-out over the given sinks. The idempotency
// manager is optional; without it every batch is delivered.
func NewManager(sinks []*ResilientSink, dedup *idempotency.Manager, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{sinks: sinks, idempotency: dedup, logger: logger}
}

// Write delivers the batch to all sinks concurrently and returns the
// combined accounting. A batch already seen inside the deduplication
// window is dropped before any sink write.
func (m *Manager) Write(ctx context.Context, batch event.Batch) Result {
	result := Result{PerSink: make(map[string]WriteResult, len(m.sinks))}
	if len(batch) == 0 {
		return result
	}

	if m.idempotency != nil && m.idempotency.IsDuplicate(batch) {
		m.logger.Info("dropping duplicate batch",
			"events", len(batch),
			"key", batch.Key().Short(),
		)
		result.Duplicate = true
		return result
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, s := range m.sinks {
		wg.Add(1)
		go func(s *ResilientSink) {
			defer wg.Done()
			r := s.Write(ctx, batch)
			mu.Lock()
			result.PerSink[s.Name()] = r
			result.Totals.Add(r)
			mu.Unlock()
		}(s)
	}
	wg.Wait()
	return result
}

// RunDrains starts every sink's drain loop and blocks until all of
// them return after ctx is cancelled.
func (m *Manager) RunDrains(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range m.sinks {
		wg.Add(1)
		go func(s *ResilientSink) {
			defer wg.Done()
			s.RunDrain(ctx)
		}(s)
	}
	wg.Wait()
}

// Healthy reports whether every sink is healthy.
func (m *Manager) Healthy() bool {
	for _, s := range m.sinks {
		if !s.Healthy() {
			return false
		}
	}
	return true
}

// Sinks returns the managed sinks.
func (m *Manager) Sinks() []*ResilientSink { return m.sinks }
