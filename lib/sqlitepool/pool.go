// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Config holds the parameters for opening a pool. Path is required.
type Config struct {
	// Path is the database file, created if absent. ":memory:" works
	// for tests but requires PoolSize 1 because each in-memory
	// connection is its own database.
	Path string

	// PoolSize is the number of connections. Zero or negative means
	// max(NumCPU, 4). SQLite serializes writes regardless, so extra
	// connections only help concurrent readers.
	PoolSize int

	// Logger receives open/close messages. Nil discards them.
	Logger *slog.Logger

	// Schema, when non-empty, is executed on every connection after
	// the pragmas. Use CREATE TABLE IF NOT EXISTS statements.
	Schema string

	// OnConnect runs after pragmas and Schema, once per connection.
	// A returned error discards the connection.
	OnConnect func(conn *sqlite.Conn) error
}

// Pool is a fixed-size set of SQLite connections sharing Caravel's
// standard pragmas. Safe for concurrent use; individual connections
// are not.
type Pool struct {
	inner  *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// Open creates the pool. Connections initialize lazily on first Take.
// The caller owns Close.
func Open(config Config) (*Pool, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("sqlitepool: Path is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	poolSize := config.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}

	inner, err := sqlitex.NewPool(config.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConnection(conn, config.Schema, config.OnConnect)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: opening %s: %w", config.Path, err)
	}

	logger.Info("sqlite pool opened",
		"path", config.Path,
		"pool_size", poolSize,
	)

	return &Pool{inner: inner, logger: logger, path: config.Path}, nil
}

// Take borrows a connection, blocking until one is free or ctx is
// cancelled. Pair every Take with a deferred Put.
func (p *Pool) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: take: %w", err)
	}
	return conn, nil
}

// Put returns a connection to the pool. Nil is a no-op.
func (p *Pool) Put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

// Close closes every connection, blocking until borrowed ones come
// back.
func (p *Pool) Close() error {
	if err := p.inner.Close(); err != nil {
		p.logger.Error("sqlite pool close error",
			"path", p.path,
			"error", err,
		)
		return fmt.Errorf("sqlitepool: closing %s: %w", p.path, err)
	}
	p.logger.Info("sqlite pool closed", "path", p.path)
	return nil
}

// prepareConnection applies the standard pragmas, then the schema,
// then the caller's hook. Runs once per pooled connection.
func prepareConnection(conn *sqlite.Conn, schema string, onConnect func(*sqlite.Conn) error) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
		"PRAGMA cache_size=-8192",
		"PRAGMA mmap_size=268435456",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitepool: %s: %w", pragma, err)
		}
	}

	if schema != "" {
		if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
			return fmt.Errorf("sqlitepool: applying schema: %w", err)
		}
	}
	if onConnect != nil {
		if err := onConnect(conn); err != nil {
			return fmt.Errorf("sqlitepool: OnConnect: %w", err)
		}
	}
	return nil
}
