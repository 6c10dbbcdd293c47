// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caravel-telemetry/caravel/lib/clock"
	"github.com/caravel-telemetry/caravel/lib/event"
	"github.com/caravel-telemetry/caravel/lib/idempotency"
	"github.com/caravel-telemetry/caravel/lib/ratelimit"
	"github.com/caravel-telemetry/caravel/lib/retry"
)

// RetryRecord is a failed batch waiting for redelivery. Records live
// in memory; a restart loses them in memory-buffer mode and recovers
// the events from the spool in durable mode.
type RetryRecord struct {
	Events      event.Batch
	Attempts    int
	NextRetryAt time.Time
}

// ShipperConfig configures the delivery loop.
type ShipperConfig struct {
	Buffer    MessageBuffer
	Transport Transport

	// Source identifies this relay in envelopes.
	Source string

	// BatchSize triggers an immediate ship; BatchTimeout ships a
	// short batch once enough time has passed since the last one.
	BatchSize    int
	BatchTimeout time.Duration

	// TickInterval is the loop period.
	TickInterval time.Duration

	// Dedup suppresses redelivery of batches already shipped inside
	// the window. Optional.
	Dedup *idempotency.Manager

	// Limiter paces transmission in events per second. Optional.
	Limiter *ratelimit.RateLimiter

	// Retry classifies failures and schedules redelivery.
	Retry *retry.Manager

	Clock  clock.Clock
	Logger *slog.Logger
}

// Shipper drains the buffer toward the gateway. One goroutine runs
// the loop; the status handler reads the atomic counters
// concurrently.
type Shipper struct {
	config ShipperConfig
	logger *slog.Logger

	mu          sync.Mutex
	retries     []RetryRecord
	lastBatchAt time.Time

	shipped   atomic.Uint64
	abandoned atomic.Uint64
}

// NewShipper validates the wiring.
func NewShipper(config ShipperConfig) *Shipper {
	if config.Buffer == nil || config.Transport == nil {
		panic("shipper: Buffer and Transport are required")
	}
	if config.Retry == nil {
		panic("shipper: Retry is required")
	}
	if config.Clock == nil {
		panic("shipper: Clock is required")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = 30 * time.Second
	}
	if config.TickInterval <= 0 {
		config.TickInterval = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Shipper{
		config:      config,
		logger:      config.Logger.With("transport", config.Transport.Name()),
		lastBatchAt: config.Clock.Now(),
	}
}

// Shipped returns the count of successfully delivered batches.
func (s *Shipper) Shipped() uint64 { return s.shipped.Load() }

// Abandoned returns the count of batches dropped after exhausting
// their retry budget or failing terminally.
func (s *Shipper) Abandoned() uint64 { return s.abandoned.Load() }

// RetryBacklog returns the number of batches awaiting redelivery.
func (s *Shipper) RetryBacklog() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.retries)
}

// Run executes the tick loop until ctx is cancelled, then makes one
// bounded final flush pass.
func (s *Shipper) Run(ctx context.Context) {
	ticker := s.config.Clock.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.finalFlush()
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one scheduling pass: due retries first, then a fresh
// batch when the size or age trigger fires.
func (s *Shipper) tick(ctx context.Context) {
	now := s.config.Clock.Now()
	s.attemptDueRetries(ctx, now)

	depth := s.config.Buffer.Len()
	if depth == 0 {
		return
	}
	if depth < s.config.BatchSize && now.Sub(s.lastBatchAtLocked()) < s.config.BatchTimeout {
		return
	}
	s.shipFromBuffer(ctx)
}

func (s *Shipper) lastBatchAtLocked() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBatchAt
}

// shipFromBuffer leases one batch and attempts delivery. The lease is
// committed on success and on terminal failure (the batch is handled,
// logged, and must not poison the buffer); a retryable failure also
// commits the lease but parks the events in a retry record.
func (s *Shipper) shipFromBuffer(ctx context.Context) {
	batch, err := s.config.Buffer.GetBatch(s.config.BatchSize)
	if err != nil {
		s.logger.Error("buffer read failed", "error", err)
		return
	}
	if batch == nil {
		return
	}

	err = s.deliver(ctx, batch.Events, false)
	switch {
	case err == nil:
		s.config.Buffer.Commit(batch)
		s.shipped.Add(1)
		s.mu.Lock()
		s.lastBatchAt = s.config.Clock.Now()
		s.mu.Unlock()

	case ctx.Err() != nil:
		// Shutdown mid-attempt: the final flush pass will retry.
		s.config.Buffer.Rollback(batch)

	case retry.Retryable(err):
		s.config.Buffer.Commit(batch)
		s.scheduleRetry(batch.Events, 1, err)

	default:
		s.config.Buffer.Commit(batch)
		s.abandoned.Add(1)
		s.logger.Error("terminal delivery failure, dropping batch",
			"events", len(batch.Events),
			"error", err,
		)
	}
}

// attemptDueRetries redelivers every record whose backoff has
// elapsed. Records that fail again are rescheduled until the retry
// budget runs out.
func (s *Shipper) attemptDueRetries(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due, pending []RetryRecord
	for _, record := range s.retries {
		if !record.NextRetryAt.After(now) {
			due = append(due, record)
		} else {
			pending = append(pending, record)
		}
	}
	s.retries = pending
	s.mu.Unlock()

	for _, record := range due {
		err := s.deliver(ctx, record.Events, true)
		switch {
		case err == nil:
			s.shipped.Add(1)

		case ctx.Err() != nil:
			s.requeue(record)
			return

		case retry.Retryable(err):
			s.scheduleRetry(record.Events, record.Attempts+1, err)

		default:
			s.abandoned.Add(1)
			s.logger.Error("terminal redelivery failure, dropping batch",
				"events", len(record.Events),
				"attempts", record.Attempts,
				"error", err,
			)
		}
	}
}

// scheduleRetry parks the events with a backoff matching the attempt
// count, or abandons them past the budget.
func (s *Shipper) scheduleRetry(events event.Batch, attempts int, cause error) {
	if !s.config.Retry.ShouldRetry(cause, attempts) {
		s.abandoned.Add(1)
		s.logger.Error("retry budget exhausted, dropping batch",
			"events", len(events),
			"attempts", attempts,
			"error", cause,
		)
		return
	}

	backoff := s.config.Retry.Backoff(attempts, retry.RetryAfter(cause))
	s.logger.Warn("delivery failed, scheduling redelivery",
		"events", len(events),
		"attempts", attempts,
		"backoff", backoff,
		"error", cause,
	)
	s.requeue(RetryRecord{
		Events:      events,
		Attempts:    attempts,
		NextRetryAt: s.config.Clock.Now().Add(backoff),
	})
}

func (s *Shipper) requeue(record RetryRecord) {
	s.mu.Lock()
	s.retries = append(s.retries, record)
	s.mu.Unlock()
}

// deliver finalizes and transmits one batch. The envelope build is
// the single finalization point: sanitation happens here and nowhere
// downstream, so every transport ships identical payload bytes.
func (s *Shipper) deliver(ctx context.Context, events event.Batch, isRetry bool) error {
	envelope := event.NewEnvelope(events, s.config.Source, s.config.Clock.Now(), isRetry)

	// Only a successful send records the key: a failed attempt must
	// not make its own redelivery look like a duplicate.
	key := envelope.Messages.Key()
	if s.config.Dedup != nil && s.config.Dedup.Seen(key) {
		s.logger.Info("skipping duplicate batch",
			"events", len(events),
			"key", key.Short(),
		)
		return nil
	}

	if err := s.config.Limiter.Wait(ctx, len(events)); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return retry.Terminal(fmt.Errorf("encoding envelope: %w", err))
	}
	if err := s.config.Transport.Send(ctx, payload); err != nil {
		return err
	}
	if s.config.Dedup != nil {
		s.config.Dedup.Record(key)
	}
	return nil
}

// finalFlush pushes what it can through the transport with a short
// deadline after shutdown begins: due and pending retries first, then
// the buffer, stopping at the first failure.
func (s *Shipper) finalFlush() {
	const flushTimeout = 5 * time.Second
	flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	s.mu.Lock()
	remaining := s.retries
	s.retries = nil
	s.mu.Unlock()
	for index, record := range remaining {
		if err := s.deliver(flushCtx, record.Events, true); err != nil {
			// The failed record and everything behind it are gone with
			// the process; the abandoned counter must say so.
			dropped := len(remaining) - index
			s.abandoned.Add(uint64(dropped))
			s.logger.Warn("final flush: redelivery failed, abandoning remaining",
				"error", err,
				"abandoned", dropped,
			)
			break
		}
		s.shipped.Add(1)
	}

	for {
		batch, err := s.config.Buffer.GetBatch(s.config.BatchSize)
		if err != nil || batch == nil {
			return
		}
		if err := s.deliver(flushCtx, batch.Events, false); err != nil {
			s.config.Buffer.Rollback(batch)
			s.logger.Warn("final flush: delivery failed, abandoning remaining",
				"error", err,
				"remaining", s.config.Buffer.Len(),
			)
			return
		}
		s.config.Buffer.Commit(batch)
		s.shipped.Add(1)
	}
}
