// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides Caravel's standard SQLite connection
// pool. The relational event store and any future local index use it
// so that every database in the system runs with one set of pragmas
// and one pool pattern.
//
// It wraps zombiezen.com/go/sqlite with write-ahead logging for
// concurrent readers against a single writer, NORMAL synchronous
// (transactions survive a process crash; the upstream spool is the
// durability backstop for anything harsher), a busy timeout instead
// of immediate SQLITE_BUSY, and memory-mapped reads.
//
// The package is deliberately thin. Callers [Pool.Take] a connection,
// run SQL through sqlitex, and [Pool.Put] it back; transactions go
// through sqlitex.ImmediateTransaction. Connections are not safe for
// concurrent use, the pool is.
package sqlitepool
