// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

// Package sink defines the storage-destination contract and the
// generic reliability wrapper around it. A Sink is a plain writer; a
// ResilientSink is the same writer armored with circuit-breaker
// admission, policy-driven retries, and durable spooling; a Manager
// fans one batch out to every configured ResilientSink concurrently
// with hard failure isolation between destinations.
package sink

import (
	"context"

	"github.com/caravel-telemetry/caravel/lib/event"
)

// Sink is one storage destination. Implementations are plain writers
// with no reliability logic of their own — retries, breakers, and
// queues belong to the ResilientSink wrapping them.
type Sink interface {
	// Name identifies the destination in results, logs, and metrics.
	Name() string

	// Write delivers the batch, all or nothing. A non-nil error
	// means no event can be assumed stored. Errors should be
	// classifiable by the retry package: wrap HTTP failures in
	// retry.StatusError and validation failures in retry.Terminal.
	Write(ctx context.Context, batch event.Batch) error

	// Healthy reports whether the destination looks usable, without
	// performing a write.
	Healthy() bool
}

// WriteResult is the accounting for one sink call. Every call
// returns this shape, including a circuit-open short-circuit (which
// reports only Queued or Errors, never partial Written).
type WriteResult struct {
	// Written is the number of events durably accepted.
	Written int `json:"written"`

	// Errors is the number of events that failed terminally and
	// were not queued.
	Errors int `json:"errors"`

	// Retries is the number of retry attempts spent.
	Retries int `json:"retries"`

	// Queued is the number of events diverted to the spool for
	// later delivery.
	Queued int `json:"queued"`

	// Backpressure is true when events were lost because the spool
	// refused them at quota. Callers facing upstream producers should
	// translate this into a retry-later signal.
	Backpressure bool `json:"backpressure,omitempty"`
}

// Add accumulates other into r.
func (r *WriteResult) Add(other WriteResult) {
	r.Written += other.Written
	r.Errors += other.Errors
	r.Retries += other.Retries
	r.Queued += other.Queued
	r.Backpressure = r.Backpressure || other.Backpressure
}
