// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/caravel-telemetry/caravel/lib/breaker"
	"github.com/caravel-telemetry/caravel/lib/clock"
	"github.com/caravel-telemetry/caravel/lib/event"
	"github.com/caravel-telemetry/caravel/lib/ratelimit"
	"github.com/caravel-telemetry/caravel/lib/retry"
	"github.com/caravel-telemetry/caravel/lib/spool"
)

// ResilientConfig wires the reliability machinery around one sink.
type ResilientConfig struct {
	// Breaker is the destination's circuit breaker. Required.
	Breaker *breaker.Breaker

	// Retry is the retry policy engine. Required.
	Retry *retry.Manager

	// Queue is the durable spool for events that cannot be
	// delivered now. Optional; without it, undeliverable events are
	// reported as errors.
	Queue *spool.Queue

	// Bandwidth paces how fast the drain loop flushes spooled
	// entries, independent of retry backoff. Optional.
	Bandwidth *ratelimit.BandwidthLimiter

	// DrainBatch is the number of spooled entries per drain pass.
	// Defaults to 4.
	DrainBatch int

	// DrainInterval is how often the drain loop polls the spool.
	// Defaults to 1 second.
	DrainInterval time.Duration

	// SpoolMaxRetries is the attempt budget for spooled entries
	// before they move to the dead-letter store. Defaults to 5.
	SpoolMaxRetries int

	// Clock provides backoff sleeps and drain ticks. Required.
	Clock clock.Clock

	// Logger receives delivery failures and drain progress.
	// Defaults to slog.Default().
	Logger *slog.Logger
}

// ResilientSink wraps a Sink with circuit-breaker admission, retries
// with backoff, and store-and-forward spooling. The zero flow is:
// admission check → write with retry → record outcome on the breaker
// → on final failure, spool (transient) or report errors (terminal).
type ResilientSink struct {
	underlying Sink
	config     ResilientConfig
	logger     *slog.Logger
}

// NewResilient wraps the given sink.
func NewResilient(underlying Sink, config ResilientConfig) *ResilientSink {
	if config.Breaker == nil {
		panic("sink: Breaker is required")
	}
	if config.Retry == nil {
		panic("sink: Retry is required")
	}
	if config.Clock == nil {
		panic("sink: Clock is required")
	}
	if config.DrainBatch <= 0 {
		config.DrainBatch = 4
	}
	if config.DrainInterval <= 0 {
		config.DrainInterval = 1 * time.Second
	}
	if config.SpoolMaxRetries <= 0 {
		config.SpoolMaxRetries = 5
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &ResilientSink{
		underlying: underlying,
		config:     config,
		logger: config.Logger.With(
			"sink", underlying.Name(),
		),
	}
}

// Name returns the underlying sink's name.
func (s *ResilientSink) Name() string { return s.underlying.Name() }

// Healthy reports whether the underlying writer is healthy and the
// breaker is not open.
func (s *ResilientSink) Healthy() bool {
	return s.underlying.Healthy() && s.config.Breaker.Snapshot().State != breaker.Open
}

// Write delivers the batch through the full reliability stack. The
// returned result accounts for every event exactly once: written,
// queued, or errored — a circuit-open short-circuit never reports
// partial writes.
func (s *ResilientSink) Write(ctx context.Context, batch event.Batch) WriteResult {
	if len(batch) == 0 {
		return WriteResult{}
	}

	if !s.config.Breaker.Allow() {
		return s.divert(batch, 0, "circuit open")
	}

	retries, err := s.writeWithRetry(ctx, batch)
	if err == nil {
		s.config.Breaker.RecordSuccess()
		return WriteResult{Written: len(batch), Retries: retries}
	}
	s.config.Breaker.RecordFailure()

	if !retry.Retryable(err) {
		// Terminal failure: queueing it would only poison the
		// drain loop. The batch is handled (logged) per the error
		// taxonomy.
		s.logger.Error("terminal write failure, batch not queued",
			"events", len(batch),
			"error", err,
		)
		return WriteResult{Errors: len(batch), Retries: retries}
	}

	s.logger.Warn("write failed after retries",
		"events", len(batch),
		"retries", retries,
		"error", err,
	)
	return s.divert(batch, retries, err.Error())
}

// divert queues the batch if a spool is attached, otherwise reports
// errors. Spool backpressure (quota exceeded) degrades to errors —
// the batch has nowhere left to go.
func (s *ResilientSink) divert(batch event.Batch, retries int, reason string) WriteResult {
	if s.config.Queue == nil {
		return WriteResult{Errors: len(batch), Retries: retries}
	}
	if _, err := s.config.Queue.Enqueue(batch, s.Name()); err != nil {
		s.logger.Error("spool rejected batch",
			"events", len(batch),
			"reason", reason,
			"error", err,
		)
		return WriteResult{
			Errors:       len(batch),
			Retries:      retries,
			Backpressure: errors.Is(err, spool.ErrQueueFull),
		}
	}
	return WriteResult{Queued: len(batch), Retries: retries}
}

// writeWithRetry runs one attempt sequence: write, classify, back
// off, repeat. It returns the number of retries spent and the final
// error (nil on success). Backoff sleeps respect ctx.
func (s *ResilientSink) writeWithRetry(ctx context.Context, batch event.Batch) (int, error) {
	retries := 0
	for attempt := 1; ; attempt++ {
		err := s.underlying.Write(ctx, batch)
		if err == nil {
			return retries, nil
		}
		if !s.config.Retry.ShouldRetry(err, attempt) {
			return retries, err
		}

		backoff := s.config.Retry.Backoff(attempt, retry.RetryAfter(err))
		s.logger.Debug("write attempt failed, backing off",
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		select {
		case <-s.config.Clock.After(backoff):
		case <-ctx.Done():
			return retries, fmt.Errorf("backoff interrupted: %w", ctx.Err())
		}
		retries++
	}
}

// RunDrain continuously flushes the spool toward the destination. It
// runs until ctx is cancelled, then makes one bounded final pass so
// entries spooled during shutdown get a chance to leave. No-op if the
// sink has no spool.
func (s *ResilientSink) RunDrain(ctx context.Context) {
	if s.config.Queue == nil {
		return
	}

	ticker := s.config.Clock.NewTicker(s.config.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.finalDrain()
			return
		case <-ticker.C:
			s.drainOnce(ctx)
		}
	}
}

// drainOnce flushes spooled entries while the breaker admits and the
// bandwidth budget lasts. Each entry rides its own admission: an
// earlier entry's failure can reopen the breaker mid-pass, and the
// remaining entries must not burn their attempt budgets against a
// circuit that is known to be open.
func (s *ResilientSink) drainOnce(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if !s.config.Breaker.Allow() {
			return
		}

		entries, err := s.config.Queue.Dequeue(s.config.DrainBatch)
		if err != nil || len(entries) == 0 {
			// Nothing to flush: hand the unused admission back. An
			// empty pass is not a destination success and must not
			// close a half-open breaker.
			s.config.Breaker.Cancel()
			return
		}

		for index, entry := range entries {
			if index > 0 && !s.config.Breaker.Allow() {
				s.releaseFrom(entries, index)
				return
			}
			if err := s.config.Bandwidth.Wait(ctx, int(entry.Size)); err != nil {
				// Cancelled mid-pass: return the untried leases and
				// the admission that had no paired write.
				s.config.Breaker.Cancel()
				s.releaseFrom(entries, index)
				return
			}
			s.deliverEntry(ctx, entry)
		}
	}
}

// releaseFrom returns the leases of entries[index:] to the queue.
func (s *ResilientSink) releaseFrom(entries []*spool.Entry, index int) {
	ids := make([]string, 0, len(entries)-index)
	for _, entry := range entries[index:] {
		ids = append(ids, entry.ID)
	}
	s.config.Queue.Release(ids)
}

// deliverEntry attempts one spooled entry and settles it: ack on
// success, nack (bounded, overflowing to dead-letter) on failure.
func (s *ResilientSink) deliverEntry(ctx context.Context, entry *spool.Entry) {
	retries, err := s.writeWithRetry(ctx, entry.Batch)
	if err == nil {
		s.config.Breaker.RecordSuccess()
		s.config.Queue.Ack([]string{entry.ID})
		s.logger.Debug("spooled batch delivered",
			"id", entry.ID,
			"events", len(entry.Batch),
			"retries", retries,
		)
		return
	}

	s.config.Breaker.RecordFailure()
	if ctx.Err() != nil && retry.Retryable(err) {
		// Shutdown, not a destination fault: leave the attempt
		// count alone.
		s.config.Queue.Release([]string{entry.ID})
		return
	}
	s.config.Queue.Nack([]string{entry.ID}, err.Error(), s.config.SpoolMaxRetries)
}

// finalDrain makes one best-effort pass with a short deadline after
// shutdown begins, so batches spooled during graceful shutdown still
// get one chance to ship.
func (s *ResilientSink) finalDrain() {
	const finalDrainTimeout = 5 * time.Second
	drainContext, cancel := context.WithTimeout(context.Background(), finalDrainTimeout)
	defer cancel()

	entries, err := s.config.Queue.Dequeue(s.config.DrainBatch)
	if err != nil || len(entries) == 0 {
		return
	}
	for _, entry := range entries {
		if drainContext.Err() != nil || !s.config.Breaker.Allow() {
			s.config.Queue.Release([]string{entry.ID})
			continue
		}
		if err := s.underlying.Write(drainContext, entry.Batch); err != nil {
			s.config.Breaker.RecordFailure()
			s.config.Queue.Release([]string{entry.ID})
			continue
		}
		s.config.Breaker.RecordSuccess()
		s.config.Queue.Ack([]string{entry.ID})
	}
}
