// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

package spool

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/caravel-telemetry/caravel/lib/clock"
	"github.com/caravel-telemetry/caravel/lib/contenthash"
	"github.com/caravel-telemetry/caravel/lib/event"
)

const deadLetterSuffix = ".dlq"

// DeadLetterRecord is the on-disk JSON form of a dead-lettered batch.
type DeadLetterRecord struct {
	OriginalMessage event.Batch `json:"original_message"`
	DLQTimestamp    string      `json:"dlq_timestamp"`
	Reason          string      `json:"reason"`
	Attempts        int         `json:"attempts"`
	MessageHash     string      `json:"message_hash"`
}

// DeadLetter stores batches that exhausted their delivery attempts,
// one JSON file per batch, bounded by a byte quota with oldest-first
// eviction. The store is an operator-facing artifact: files are plain
// JSON so failed batches can be inspected and replayed by hand.
type DeadLetter struct {
	dir      string
	maxBytes int64
	clock    clock.Clock
	logger   *slog.Logger

	mu       sync.Mutex
	files    []deadLetterFile // oldest first
	bytes    int64
	sequence uint64
}

type deadLetterFile struct {
	name string
	size int64
}

// OpenDeadLetter opens (or creates) the dead-letter store at dir.
func OpenDeadLetter(dir string, maxBytes int64, clk clock.Clock, logger *slog.Logger) (*DeadLetter, error) {
	if dir == "" {
		return nil, fmt.Errorf("spool: dead-letter dir is required")
	}
	if maxBytes <= 0 {
		return nil, fmt.Errorf("spool: dead-letter MaxBytes must be positive")
	}
	if clk == nil {
		return nil, fmt.Errorf("spool: dead-letter Clock is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("spool: creating %s: %w", dir, err)
	}

	store := &DeadLetter{dir: dir, maxBytes: maxBytes, clock: clk, logger: logger}

	names, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("spool: reading %s: %w", dir, err)
	}
	for _, dirEntry := range names {
		name := dirEntry.Name()
		if !strings.HasSuffix(name, deadLetterSuffix) {
			continue
		}
		info, err := dirEntry.Info()
		if err != nil {
			continue
		}
		store.files = append(store.files, deadLetterFile{name: name, size: info.Size()})
		store.bytes += info.Size()
		if seq, ok := sequenceOf(strings.TrimSuffix(name, deadLetterSuffix)); ok && seq >= store.sequence {
			store.sequence = seq + 1
		}
	}
	sort.Slice(store.files, func(i, j int) bool { return store.files[i].name < store.files[j].name })
	return store, nil
}

// Add writes a dead-letter record for the batch. The batch content is
// hashed so duplicate dead-letterings of the same batch are
// identifiable. Old records are evicted when the quota is exceeded —
// the store prefers recent failures over ancient ones.
func (d *DeadLetter) Add(batch event.Batch, reason string, attempts int) error {
	serialized, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("spool: encoding dead-letter batch: %w", err)
	}
	record := DeadLetterRecord{
		OriginalMessage: batch,
		DLQTimestamp:    d.clock.Now().UTC().Format(time.RFC3339Nano),
		Reason:          reason,
		Attempts:        attempts,
		MessageHash:     contenthash.DeadLetter(serialized).Hex(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("spool: encoding dead-letter record: %w", err)
	}

	d.mu.Lock()
	name := fmt.Sprintf("%016d-%s%s", d.sequence, contenthash.DeadLetter(serialized).Short(), deadLetterSuffix)
	d.sequence++
	d.mu.Unlock()

	path := filepath.Join(d.dir, name)
	tempPath := path + tempSuffix
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("spool: writing %s: %w", tempPath, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("spool: committing %s: %w", path, err)
	}

	d.mu.Lock()
	d.files = append(d.files, deadLetterFile{name: name, size: int64(len(data))})
	d.bytes += int64(len(data))
	evicted := d.evictLocked()
	d.mu.Unlock()

	for _, victim := range evicted {
		os.Remove(filepath.Join(d.dir, victim))
		d.logger.Warn("dead-letter store evicted oldest record", "file", victim)
	}

	d.logger.Warn("batch moved to dead-letter store",
		"file", name,
		"reason", reason,
		"attempts", attempts,
		"events", len(batch),
	)
	return nil
}

// evictLocked removes index records until the store fits its quota
// and returns the filenames to delete. Caller holds d.mu.
func (d *DeadLetter) evictLocked() []string {
	var evicted []string
	for d.bytes > d.maxBytes && len(d.files) > 1 {
		oldest := d.files[0]
		d.files = d.files[1:]
		d.bytes -= oldest.size
		evicted = append(evicted, oldest.name)
	}
	return evicted
}

// List returns all stored records, oldest first.
func (d *DeadLetter) List() ([]DeadLetterRecord, error) {
	d.mu.Lock()
	names := make([]string, len(d.files))
	for index, file := range d.files {
		names[index] = file.name
	}
	d.mu.Unlock()

	var records []DeadLetterRecord
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(d.dir, name))
		if err != nil {
			continue
		}
		var record DeadLetterRecord
		if err := json.Unmarshal(data, &record); err != nil {
			d.logger.Error("dead-letter store: unreadable record", "file", name, "error", err)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// Len returns the number of stored records.
func (d *DeadLetter) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.files)
}

// Bytes returns the total stored size.
func (d *DeadLetter) Bytes() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bytes
}
