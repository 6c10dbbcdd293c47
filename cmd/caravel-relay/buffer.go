// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"sync"

	"github.com/caravel-telemetry/caravel/lib/clock"
	"github.com/caravel-telemetry/caravel/lib/codec"
	"github.com/caravel-telemetry/caravel/lib/event"
	"github.com/caravel-telemetry/caravel/lib/spool"
)

// MessageBuffer queues outgoing events between producers and the
// shipper. GetBatch leases events; Commit settles the lease after a
// successful (or terminally failed) delivery, Rollback returns the
// events for a later attempt.
type MessageBuffer interface {
	Put(item event.Event) error
	GetBatch(max int) (*PendingBatch, error)
	Commit(batch *PendingBatch)
	Rollback(batch *PendingBatch)
	Len() int
	Dropped() uint64
}

// PendingBatch is a leased slice of buffered events. The ids are
// spool lease handles in durable mode and unused in memory mode.
type PendingBatch struct {
	Events event.Batch
	ids    []string
}

// memoryBuffer is a count-bounded FIFO. Events are stored
// CBOR-encoded so a large backlog costs a fraction of the decoded
// form. When Put would exceed capacity the oldest entry is dropped
// and counted: on a dead link the relay keeps fresh data and loses
// old, never the reverse.
type memoryBuffer struct {
	mu       sync.Mutex
	entries  [][]byte
	capacity int
	dropped  uint64
}

func newMemoryBuffer(capacity int) *memoryBuffer {
	if capacity <= 0 {
		panic(fmt.Sprintf("buffer: capacity must be positive, got %d", capacity))
	}
	return &memoryBuffer{capacity: capacity}
}

func (b *memoryBuffer) Put(item event.Event) error {
	data, err := codec.Marshal(item)
	if err != nil {
		return fmt.Errorf("buffer: encoding event: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.entries) >= b.capacity {
		b.entries[0] = nil
		b.entries = b.entries[1:]
		b.dropped++
	}
	b.entries = append(b.entries, data)
	return nil
}

func (b *memoryBuffer) GetBatch(max int) (*PendingBatch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := min(max, len(b.entries))
	if count == 0 {
		return nil, nil
	}

	batch := &PendingBatch{Events: make(event.Batch, 0, count)}
	for _, data := range b.entries[:count] {
		var item event.Event
		if err := codec.Unmarshal(data, &item); err != nil {
			return nil, fmt.Errorf("buffer: decoding event: %w", err)
		}
		batch.Events = append(batch.Events, item)
	}
	b.entries = b.entries[count:]
	return batch, nil
}

// Commit is a no-op: GetBatch already removed the entries.
func (b *memoryBuffer) Commit(*PendingBatch) {}

// Rollback re-queues the events at the back of the buffer. Capacity
// still applies, so a rollback into a full buffer drops oldest.
func (b *memoryBuffer) Rollback(batch *PendingBatch) {
	if batch == nil {
		return
	}
	for _, item := range batch.Events {
		// Encoding succeeded on the way in; a failure here would
		// mean the event mutated mid-lease, which the shipper never
		// does.
		if err := b.Put(item); err != nil {
			b.mu.Lock()
			b.dropped++
			b.mu.Unlock()
		}
	}
}

func (b *memoryBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

func (b *memoryBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// durableBuffer delegates to a spool.Queue, one entry per event.
// Events survive a relay restart; a full spool rejects Put instead of
// dropping, surfacing backpressure to the producer.
type durableBuffer struct {
	queue *spool.Queue

	mu      sync.Mutex
	dropped uint64
}

func newDurableBuffer(dir string, maxBytes int64, clk clock.Clock) (*durableBuffer, error) {
	queue, err := spool.Open(spool.Config{
		Dir:      dir,
		MaxBytes: maxBytes,
		Clock:    clk,
	})
	if err != nil {
		return nil, err
	}
	return &durableBuffer{queue: queue}, nil
}

func (b *durableBuffer) Put(item event.Event) error {
	if _, err := b.queue.Enqueue(event.Batch{item}, "relay"); err != nil {
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		return err
	}
	return nil
}

func (b *durableBuffer) GetBatch(max int) (*PendingBatch, error) {
	entries, err := b.queue.Dequeue(max)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	batch := &PendingBatch{
		Events: make(event.Batch, 0, len(entries)),
		ids:    make([]string, 0, len(entries)),
	}
	for _, entry := range entries {
		batch.Events = append(batch.Events, entry.Batch...)
		batch.ids = append(batch.ids, entry.ID)
	}
	return batch, nil
}

func (b *durableBuffer) Commit(batch *PendingBatch) {
	if batch == nil {
		return
	}
	b.queue.Ack(batch.ids)
}

func (b *durableBuffer) Rollback(batch *PendingBatch) {
	if batch == nil {
		return
	}
	b.queue.Release(batch.ids)
}

func (b *durableBuffer) Len() int { return b.queue.Len() }

func (b *durableBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
