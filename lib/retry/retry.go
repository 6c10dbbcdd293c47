// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

// Package retry decides whether a failed delivery attempt should be
// tried again and how long to wait before doing so. Both delivery
// paths — the edge shipper talking to the gateway, and the gateway's
// resilient sinks talking to storage backends — share this one policy
// engine.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"time"
)

// MinBackoff is the floor for every computed backoff. Jitter can pull
// a small backoff toward zero; the floor keeps it strictly positive
// so a retry loop can never spin hot.
const MinBackoff = 100 * time.Millisecond

// Policy holds the retry knobs for one destination.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	// An attempt sequence makes at most MaxRetries+1 calls.
	MaxRetries int

	// InitialBackoff is the delay after the first failure.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration

	// JitterFactor spreads each backoff uniformly within
	// ±JitterFactor of the computed value. Must be in [0, 1).
	JitterFactor float64
}

// DefaultPolicy mirrors the relay's historical constants: 1 s initial,
// doubling to a 30 s cap, with 20% jitter and five retries.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     5,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		JitterFactor:   0.2,
	}
}

// StatusError is a delivery failure carrying an HTTP-style status
// code. Transports and sinks wrap non-2xx responses in StatusError so
// the policy engine can classify them without knowing the transport.
type StatusError struct {
	// Code is the HTTP status code.
	Code int

	// Message is the response body or status line, for logs.
	Message string

	// RetryAfter is the server-requested delay, zero if the response
	// carried no usable Retry-After header.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %s", e.Code, e.Message)
}

// terminalError marks an error as never retryable regardless of its
// underlying type. Used for schema and validation failures.
type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal wraps err so Retryable reports false for it. Terminal(nil)
// returns nil.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// Retryable classifies a delivery error:
//
//   - nil, context.Canceled, and Terminal-wrapped errors are not
//     retryable.
//   - StatusError: 5xx and 429 are retryable; any other 4xx is
//     terminal (the request is wrong, repeating it cannot help).
//   - Timeouts (net.Error, context.DeadlineExceeded) and connection
//     errors are retryable.
//   - Anything else is assumed transient and retryable; errors that
//     must not be retried are wrapped with Terminal at the source.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var terminal *terminalError
	if errors.As(err, &terminal) {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Code >= 500 || status.Code == http.StatusTooManyRequests
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return true
}

// RetryAfter extracts the server-requested delay from err, or zero.
func RetryAfter(err error) time.Duration {
	var status *StatusError
	if errors.As(err, &status) {
		return status.RetryAfter
	}
	return 0
}

// Manager applies a Policy. Safe for concurrent use.
type Manager struct {
	policy Policy
}

// New returns a Manager for the given policy. Zero-valued fields are
// filled from DefaultPolicy.
func New(policy Policy) *Manager {
	defaults := DefaultPolicy()
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = defaults.MaxRetries
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = defaults.InitialBackoff
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = defaults.MaxBackoff
	}
	if policy.JitterFactor < 0 || policy.JitterFactor >= 1 {
		policy.JitterFactor = defaults.JitterFactor
	}
	return &Manager{policy: policy}
}

// Policy returns the effective policy.
func (m *Manager) Policy() Policy { return m.policy }

// ShouldRetry reports whether another attempt is warranted after the
// given error on the attempt-th try (1-based). Terminal errors stop
// immediately without consuming the remaining retry budget.
func (m *Manager) ShouldRetry(err error, attempt int) bool {
	return Retryable(err) && attempt <= m.policy.MaxRetries
}

// Backoff computes the delay before the retry that follows the
// attempt-th failure (1-based): initial * 2^(attempt-1), capped at
// MaxBackoff, jittered uniformly by ±JitterFactor, floored at
// MinBackoff. A positive retryAfter (from the server's Retry-After)
// takes precedence over the computed value, subject to the same
// floor.
func (m *Manager) Backoff(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		if retryAfter < MinBackoff {
			return MinBackoff
		}
		return retryAfter
	}

	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(m.policy.InitialBackoff) * math.Pow(2, float64(attempt-1))
	if backoff > float64(m.policy.MaxBackoff) {
		backoff = float64(m.policy.MaxBackoff)
	}

	if m.policy.JitterFactor > 0 {
		// Uniform in [-jitter, +jitter].
		spread := (rand.Float64()*2 - 1) * m.policy.JitterFactor
		backoff += backoff * spread
	}

	if backoff < float64(MinBackoff) {
		return MinBackoff
	}
	return time.Duration(backoff)
}
