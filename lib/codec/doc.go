// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides deterministic CBOR encoding for Caravel's
// durable internal formats: relay buffer entries and spool metadata.
// Determinism matters because content hashes are computed over encoded
// bytes; the same logical entry must always produce identical bytes.
//
// Delivered payloads (ingest envelopes, log-stream pushes, dead-letter
// files) are JSON, not CBOR — those formats are external interfaces.
// This package is for data that never leaves the process's own disk.
package codec
