// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

// The caravel-relay binary is the edge shipper. Local producers hand
// it events over a loopback HTTP listener; it buffers them (in memory
// or on a durable spool), batches them on size or age, and ships
// sanitized envelopes to the central gateway with rate limiting,
// duplicate suppression, and scheduled redelivery of failed batches.
//
// On links with no connectivity at all, the file transport writes
// envelope artifacts to a directory for physical carriage instead of
// posting them.
//
// Local endpoints (loopback only):
//
//	POST /events    JSON array of events from producers
//	GET  /status    buffer depth, dropped/shipped counters, retry backlog
package main
