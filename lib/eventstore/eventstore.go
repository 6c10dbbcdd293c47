// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventstore is the relational sink: events land in a SQLite
// table with their timestamp, type, and source promoted to columns
// and the full payload stored as JSON. Whole batches commit in one
// immediate transaction so a crash never leaves half a batch behind.
package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/caravel-telemetry/caravel/lib/clock"
	"github.com/caravel-telemetry/caravel/lib/event"
	"github.com/caravel-telemetry/caravel/lib/retry"
	"github.com/caravel-telemetry/caravel/lib/sqlitepool"
)

const schema = `
	CREATE TABLE IF NOT EXISTS events (
		id      INTEGER PRIMARY KEY,
		ts      TEXT NOT NULL,
		type    TEXT NOT NULL,
		source  TEXT NOT NULL,
		payload TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(type, ts);
	CREATE INDEX IF NOT EXISTS idx_events_source ON events(source, ts);
`

// Config configures the store.
type Config struct {
	// Path is the SQLite database file. Required.
	Path string

	// Name identifies the sink in results and logs. Defaults to
	// "eventstore".
	Name string

	// PoolSize passes through to the connection pool.
	PoolSize int

	// Clock supplies fallback timestamps. Required.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Store is a sink that writes event batches to SQLite.
type Store struct {
	name   string
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger

	lastWriteOK atomic.Bool
}

// Open creates the store and its schema.
func Open(config Config) (*Store, error) {
	if config.Clock == nil {
		panic("eventstore: Clock is required")
	}
	if config.Name == "" {
		config.Name = "eventstore"
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     config.Path,
		PoolSize: config.PoolSize,
		Logger:   config.Logger,
		Schema:   schema,
	})
	if err != nil {
		return nil, fmt.Errorf("eventstore: %w", err)
	}

	store := &Store{
		name:   config.Name,
		pool:   pool,
		clock:  config.Clock,
		logger: config.Logger.With("sink", config.Name),
	}
	store.lastWriteOK.Store(true)
	return store, nil
}

// Close closes the connection pool.
func (s *Store) Close() error { return s.pool.Close() }

// Name identifies the sink.
func (s *Store) Name() string { return s.name }

// Healthy reports whether the last write succeeded.
func (s *Store) Healthy() bool { return s.lastWriteOK.Load() }

// Write inserts the whole batch in one immediate transaction. The ts,
// type, and source columns are never null: missing fields default to
// the current time and "unknown".
func (s *Store) Write(ctx context.Context, batch event.Batch) error {
	if len(batch) == 0 {
		return nil
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		s.lastWriteOK.Store(false)
		return fmt.Errorf("eventstore: write: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		s.lastWriteOK.Store(false)
		return fmt.Errorf("eventstore: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	for _, item := range batch {
		if err = s.insertEvent(conn, item); err != nil {
			s.lastWriteOK.Store(false)
			return err
		}
	}

	s.lastWriteOK.Store(true)
	return nil
}

func (s *Store) insertEvent(conn *sqlite.Conn, item event.Event) error {
	sanitized := item.Sanitize()

	payload, err := json.Marshal(sanitized)
	if err != nil {
		// An unencodable event will never encode; retrying is futile.
		return retry.Terminal(fmt.Errorf("eventstore: encoding payload: %w", err))
	}

	ts := sanitized.Timestamp()
	if ts == "" {
		ts = s.clock.Now().UTC().Format(time.RFC3339Nano)
	}
	eventType := sanitized.Type()
	if eventType == "" {
		eventType = "unknown"
	}
	source := sanitized.Source()
	if source == "" {
		source = "unknown"
	}

	err = sqlitex.Execute(conn,
		"INSERT INTO events (ts, type, source, payload) VALUES (?, ?, ?, ?)",
		&sqlitex.ExecOptions{
			Args: []any{ts, eventType, source, string(payload)},
		})
	if err != nil {
		return fmt.Errorf("eventstore: insert: %w", err)
	}
	return nil
}

// Count returns the number of stored events.
func (s *Store) Count(ctx context.Context) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("eventstore: count: %w", err)
	}
	defer s.pool.Put(conn)

	var count int64
	err = sqlitex.Execute(conn, "SELECT COUNT(*) FROM events", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("eventstore: count: %w", err)
	}
	return count, nil
}

// StoredEvent is one row from a query.
type StoredEvent struct {
	Timestamp string      `json:"ts"`
	Type      string      `json:"type"`
	Source    string      `json:"source"`
	Payload   event.Event `json:"payload"`
}

// Filter narrows Query results. Zero fields are not applied.
type Filter struct {
	Type   string
	Source string
	Since  string // inclusive lower bound on ts
	Until  string // inclusive upper bound on ts
	Limit  int    // default 100
}

// Query returns stored events newest first.
func (s *Store) Query(ctx context.Context, filter Filter) ([]StoredEvent, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("eventstore: query: %w", err)
	}
	defer s.pool.Put(conn)

	query := "SELECT ts, type, source, payload FROM events"
	var conditions []string
	var args []any
	if filter.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.Source != "" {
		conditions = append(conditions, "source = ?")
		args = append(args, filter.Source)
	}
	if filter.Since != "" {
		conditions = append(conditions, "ts >= ?")
		args = append(args, filter.Since)
	}
	if filter.Until != "" {
		conditions = append(conditions, "ts <= ?")
		args = append(args, filter.Until)
	}
	for index, condition := range conditions {
		if index == 0 {
			query += " WHERE " + condition
		} else {
			query += " AND " + condition
		}
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY ts DESC LIMIT ?"
	args = append(args, limit)

	var results []StoredEvent
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			stored := StoredEvent{
				Timestamp: stmt.ColumnText(0),
				Type:      stmt.ColumnText(1),
				Source:    stmt.ColumnText(2),
			}
			if err := json.Unmarshal([]byte(stmt.ColumnText(3)), &stored.Payload); err != nil {
				return fmt.Errorf("eventstore: decoding payload: %w", err)
			}
			results = append(results, stored)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("eventstore: query: %w", err)
	}
	return results, nil
}
