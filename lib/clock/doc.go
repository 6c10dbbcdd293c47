// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for components that sleep, tick, or
// stamp timestamps: retry backoff, circuit breaker cooldowns, spool
// drain pacing, and the shipper flush loop. Production code injects
// Real(); tests inject Fake() and drive time with Advance, making
// every backoff and cooldown test deterministic and instant.
package clock
