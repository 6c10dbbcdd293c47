// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

// The caravel-gateway binary is the central delivery service. It
// accepts batches from edge relays over HTTP, runs each event through
// the redaction/validation/enrichment pipeline, and fans the result
// out to the configured sinks behind per-destination circuit breakers
// and durable spools.
//
// Endpoints:
//
//	POST /ingest    relay envelope, optionally gzip/zstd compressed
//	GET  /healthz   aggregate sink health
//	GET  /metrics   Prometheus exposition
//
// Configuration comes from the file named by CARAVEL_CONFIG or the
// --config flag; see lib/config.
package main
