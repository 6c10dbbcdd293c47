// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides the two token buckets that pace
// delivery: a RateLimiter counting events per second (shipper
// transmit rate) and a BandwidthLimiter counting bytes per second
// (spool drain pacing). Both are thin wrappers over
// golang.org/x/time/rate; this package exists so callers deal in
// events and bytes, not in rate.Limit arithmetic, and so a nil
// limiter uniformly means "unlimited".
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter paces operations in events per second.
type RateLimiter struct {
	bucket *rate.Limiter
}

// NewRateLimiter creates a limiter admitting eventsPerSecond with the
// given burst. Returns nil (unlimited) if eventsPerSecond <= 0.
func NewRateLimiter(eventsPerSecond float64, burst int) *RateLimiter {
	if eventsPerSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{bucket: rate.NewLimiter(rate.Limit(eventsPerSecond), burst)}
}

// Allow reports whether n events may proceed now, consuming tokens if
// so. A nil limiter always allows.
func (l *RateLimiter) Allow(n int) bool {
	if l == nil {
		return true
	}
	return allowCapped(l.bucket, n)
}

// Wait blocks until n events may proceed or the context is done. A
// nil limiter returns immediately.
func (l *RateLimiter) Wait(ctx context.Context, n int) error {
	if l == nil {
		return nil
	}
	return waitChunked(ctx, l.bucket, n)
}

// BandwidthLimiter paces flushes in bytes per second. Token capacity
// is the configured burst in bytes; each flush consumes its payload
// size.
type BandwidthLimiter struct {
	bucket *rate.Limiter
}

// NewBandwidthLimiter creates a limiter admitting bytesPerSecond with
// burstBytes of burst capacity. Returns nil (unlimited) if
// bytesPerSecond <= 0.
func NewBandwidthLimiter(bytesPerSecond float64, burstBytes int) *BandwidthLimiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	if burstBytes < 1 {
		burstBytes = 1
	}
	return &BandwidthLimiter{bucket: rate.NewLimiter(rate.Limit(bytesPerSecond), burstBytes)}
}

// Allow reports whether n bytes may be flushed now, consuming tokens
// if so. A nil limiter always allows.
func (l *BandwidthLimiter) Allow(n int) bool {
	if l == nil {
		return true
	}
	return allowCapped(l.bucket, n)
}

// Wait blocks until n bytes may be flushed or the context is done. A
// nil limiter returns immediately.
func (l *BandwidthLimiter) Wait(ctx context.Context, n int) error {
	if l == nil {
		return nil
	}
	return waitChunked(ctx, l.bucket, n)
}

// waitChunked waits for n tokens, splitting requests larger than the
// bucket's burst into burst-sized pieces (rate.Limiter rejects WaitN
// calls exceeding the burst outright).
func waitChunked(ctx context.Context, bucket *rate.Limiter, n int) error {
	burst := bucket.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := bucket.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// allowCapped is the non-blocking check. A request above the burst
// could never succeed without blocking, so it is capped to the burst
// size; this keeps an oversized flush from permanently starving a
// drain loop that polls with Allow.
func allowCapped(bucket *rate.Limiter, n int) bool {
	if n > bucket.Burst() {
		n = bucket.Burst()
	}
	return bucket.AllowN(time.Now(), n)
}
