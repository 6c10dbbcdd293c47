// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

// Package spool is the durable store-and-forward layer. A Queue keeps
// one file per enqueued batch, FIFO-ordered by a zero-padded sequence
// number in the filename, so batches survive process restarts and
// multi-hour link outages. Entries leave the queue only on Ack; a
// Nack increments the persisted attempt counter and, once the
// attempt budget is spent, moves the batch to the DeadLetter store —
// nothing is silently discarded.
//
// Crash consistency: entries are written to a temporary name and
// renamed into place, so a partially written file is never counted.
// Byte and file accounting is rebuilt by scanning the directory on
// Open.
package spool

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caravel-telemetry/caravel/lib/clock"
	"github.com/caravel-telemetry/caravel/lib/compress"
	"github.com/caravel-telemetry/caravel/lib/event"
)

// ErrQueueFull is returned by Enqueue when adding the batch would
// exceed the queue's byte quota. This is backpressure, not a fault:
// callers must slow down or shed load upstream, never retry blindly.
var ErrQueueFull = errors.New("spool: queue full")

// DegradedUtilization is the fill fraction above which the queue
// reports unhealthy.
const DegradedUtilization = 0.8

const (
	dataSuffix = ".spool"
	metaSuffix = ".meta"
	tempSuffix = ".tmp"
)

// Config holds the parameters for opening a queue.
type Config struct {
	// Dir is the spool directory. Created if absent.
	Dir string

	// MaxBytes is the byte quota across all queued entries.
	// Required.
	MaxBytes int64

	// Compression is applied to entry files at rest. None by
	// default; Zstd is the usual choice for JSON batches.
	Compression compress.Tag

	// DeadLetter receives entries that exhaust their attempt
	// budget. Optional; without it such entries are dropped with an
	// error log (still never silently).
	DeadLetter *DeadLetter

	// Clock provides enqueue timestamps. Required.
	Clock clock.Clock

	// Logger receives operational messages. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Entry is a dequeued batch together with its delivery bookkeeping.
// The entry remains on disk until acked; the caller only borrows it
// for the duration of an attempt.
type Entry struct {
	// ID is the entry's filename stem, unique within the queue.
	ID string

	// Batch is the decoded event batch.
	Batch event.Batch

	// Sink names the destination this batch was queued for.
	Sink string

	// Attempts is the number of failed delivery attempts so far.
	Attempts int

	// EnqueuedAt is when the entry entered the queue.
	EnqueuedAt time.Time

	// LastError is the most recent delivery error, empty if none.
	LastError string

	// Size is the entry's stored size in bytes, used by drain loops
	// to pace flushes through a bandwidth limiter.
	Size int64
}

// queueFile is the on-disk JSON body of an entry.
type queueFile struct {
	Events    []event.Event `json:"events"`
	Sink      string        `json:"sink"`
	Timestamp float64       `json:"timestamp"`
}

// metaFile is the on-disk JSON sidecar tracking delivery attempts.
type metaFile struct {
	Attempts   int    `json:"attempts"`
	EnqueuedAt string `json:"enqueued_at"`
	LastError  string `json:"last_error,omitempty"`
}

// indexEntry is the in-memory record for one on-disk entry.
type indexEntry struct {
	id       string
	size     int64
	attempts int
	tag      compress.Tag
	leased   bool
}

// Queue is a durable FIFO of batches destined for one sink. Safe for
// concurrent use; byte accounting, the entry index, and the sequence
// counter share one mutex.
type Queue struct {
	config Config
	logger *slog.Logger

	mu       sync.Mutex
	entries  []*indexEntry // FIFO order (filename order)
	byID     map[string]*indexEntry
	bytes    int64
	sequence uint64
}

// Open opens (or creates) the queue at config.Dir and rebuilds
// accounting from the files present. Leftover temporary files from a
// crashed writer are removed.
func Open(config Config) (*Queue, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("spool: Dir is required")
	}
	if config.MaxBytes <= 0 {
		return nil, fmt.Errorf("spool: MaxBytes must be positive")
	}
	if config.Clock == nil {
		return nil, fmt.Errorf("spool: Clock is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("spool: creating %s: %w", config.Dir, err)
	}

	queue := &Queue{
		config: config,
		logger: config.Logger,
		byID:   make(map[string]*indexEntry),
	}
	if err := queue.scan(); err != nil {
		return nil, err
	}
	return queue, nil
}

// scan rebuilds the index, byte accounting, and sequence counter from
// the directory contents.
func (q *Queue) scan() error {
	names, err := os.ReadDir(q.config.Dir)
	if err != nil {
		return fmt.Errorf("spool: reading %s: %w", q.config.Dir, err)
	}

	var entries []*indexEntry
	for _, dirEntry := range names {
		name := dirEntry.Name()
		if strings.HasSuffix(name, tempSuffix) {
			// A writer died mid-write; the rename never happened.
			os.Remove(filepath.Join(q.config.Dir, name))
			continue
		}
		stem, tag, ok := splitDataName(name)
		if !ok {
			continue
		}
		info, err := dirEntry.Info()
		if err != nil {
			continue
		}

		attempts := 0
		if meta, err := q.readMeta(stem); err == nil {
			attempts = meta.Attempts
		}

		indexed := &indexEntry{
			id:       stem,
			size:     info.Size(),
			attempts: attempts,
			tag:      tag,
		}
		entries = append(entries, indexed)
		q.byID[stem] = indexed
		q.bytes += info.Size()

		if seq, ok := sequenceOf(stem); ok && seq >= q.sequence {
			q.sequence = seq + 1
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })
	q.entries = entries

	if len(entries) > 0 {
		q.logger.Info("spool recovered",
			"dir", q.config.Dir,
			"entries", len(entries),
			"bytes", q.bytes,
		)
	}
	return nil
}

// Enqueue persists the batch for the named sink. Returns the entry id
// on success, or ErrQueueFull when the serialized size would push the
// queue over its byte quota.
func (q *Queue) Enqueue(batch event.Batch, sinkName string) (string, error) {
	now := q.config.Clock.Now()
	body := queueFile{
		Events:    batch,
		Sink:      sinkName,
		Timestamp: float64(now.UnixNano()) / float64(time.Second),
	}
	serialized, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("spool: encoding batch: %w", err)
	}
	stored, err := compress.Compress(serialized, q.config.Compression)
	if err != nil {
		return "", fmt.Errorf("spool: compressing batch: %w", err)
	}
	size := int64(len(stored))

	q.mu.Lock()
	if q.bytes+size > q.config.MaxBytes {
		q.mu.Unlock()
		return "", ErrQueueFull
	}
	stem := fmt.Sprintf("%016d-%s", q.sequence, uuid.NewString()[:8])
	q.sequence++
	// Reserve the bytes while the file is written so concurrent
	// enqueues cannot oversubscribe the quota.
	indexed := &indexEntry{id: stem, size: size, tag: q.config.Compression}
	q.entries = append(q.entries, indexed)
	q.byID[stem] = indexed
	q.bytes += size
	q.mu.Unlock()

	if err := q.writeEntry(stem, stored, now); err != nil {
		q.mu.Lock()
		q.removeFromIndexLocked(stem)
		q.mu.Unlock()
		return "", err
	}
	return stem, nil
}

// writeEntry writes the data file (temp + rename) and its meta
// sidecar.
func (q *Queue) writeEntry(stem string, stored []byte, enqueuedAt time.Time) error {
	dataPath := q.dataPath(stem, q.config.Compression)
	tempPath := dataPath + tempSuffix
	if err := os.WriteFile(tempPath, stored, 0o644); err != nil {
		return fmt.Errorf("spool: writing %s: %w", tempPath, err)
	}
	if err := os.Rename(tempPath, dataPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("spool: committing %s: %w", dataPath, err)
	}
	meta := metaFile{Attempts: 0, EnqueuedAt: enqueuedAt.UTC().Format(time.RFC3339Nano)}
	if err := q.writeMeta(stem, meta); err != nil {
		// The caller treats this enqueue as failed, so the committed
		// data file must not linger and redeliver after a reopen.
		os.Remove(dataPath)
		return err
	}
	return nil
}

// Dequeue returns up to maxItems of the oldest unleased entries. The
// entries stay on disk (and keep counting against the quota) until
// Ack; a crashed process's leases evaporate with it, making the
// entries eligible again after restart.
func (q *Queue) Dequeue(maxItems int) ([]*Entry, error) {
	if maxItems <= 0 {
		return nil, nil
	}

	q.mu.Lock()
	var picked []*indexEntry
	for _, indexed := range q.entries {
		if indexed.leased {
			continue
		}
		indexed.leased = true
		picked = append(picked, indexed)
		if len(picked) == maxItems {
			break
		}
	}
	q.mu.Unlock()

	var result []*Entry
	for _, indexed := range picked {
		entry, err := q.readEntry(indexed)
		if err != nil {
			// Unreadable entry: log, release nothing (the file is
			// damaged), and drop it from the queue so it cannot
			// wedge the drain loop.
			q.logger.Error("spool: dropping unreadable entry",
				"id", indexed.id,
				"error", err,
			)
			q.Ack([]string{indexed.id})
			continue
		}
		result = append(result, entry)
	}
	return result, nil
}

// readEntry loads and decodes one entry from disk.
func (q *Queue) readEntry(indexed *indexEntry) (*Entry, error) {
	stored, err := os.ReadFile(q.dataPath(indexed.id, indexed.tag))
	if err != nil {
		return nil, err
	}
	serialized, err := compress.Decompress(stored, indexed.tag)
	if err != nil {
		return nil, err
	}
	var body queueFile
	if err := json.Unmarshal(serialized, &body); err != nil {
		return nil, err
	}

	entry := &Entry{
		ID:       indexed.id,
		Batch:    body.Events,
		Sink:     body.Sink,
		Attempts: indexed.attempts,
		Size:     indexed.size,
	}
	if meta, err := q.readMeta(indexed.id); err == nil {
		entry.Attempts = meta.Attempts
		entry.LastError = meta.LastError
		if parsed, err := time.Parse(time.RFC3339Nano, meta.EnqueuedAt); err == nil {
			entry.EnqueuedAt = parsed
		}
	}
	return entry, nil
}

// Ack removes delivered entries from disk and from the accounting.
func (q *Queue) Ack(ids []string) {
	q.mu.Lock()
	var removed []*indexEntry
	for _, id := range ids {
		if indexed, ok := q.byID[id]; ok {
			removed = append(removed, indexed)
			q.removeFromIndexLocked(id)
		}
	}
	q.mu.Unlock()

	for _, indexed := range removed {
		os.Remove(q.dataPath(indexed.id, indexed.tag))
		os.Remove(q.metaPath(indexed.id))
	}
}

// Nack records a failed delivery attempt for each entry. Entries
// whose attempt count is still below maxRetries stay queued and
// become eligible for redelivery; the rest move to the dead-letter
// store and leave the queue.
func (q *Queue) Nack(ids []string, reason string, maxRetries int) {
	for _, id := range ids {
		q.nackOne(id, reason, maxRetries)
	}
}

func (q *Queue) nackOne(id, reason string, maxRetries int) {
	q.mu.Lock()
	indexed, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	indexed.attempts++
	indexed.leased = false
	attempts := indexed.attempts
	q.mu.Unlock()

	meta := metaFile{Attempts: attempts, LastError: reason}
	if existing, err := q.readMeta(id); err == nil {
		meta.EnqueuedAt = existing.EnqueuedAt
	}
	if err := q.writeMeta(id, meta); err != nil {
		q.logger.Error("spool: persisting attempt count", "id", id, "error", err)
	}

	if attempts < maxRetries {
		return
	}

	// Attempt budget spent: move to the dead-letter store.
	entry, err := q.readEntry(indexed)
	if err != nil {
		q.logger.Error("spool: reading entry for dead-letter move", "id", id, "error", err)
	} else if q.config.DeadLetter != nil {
		if err := q.config.DeadLetter.Add(entry.Batch, reason, attempts); err != nil {
			q.logger.Error("spool: dead-letter write failed", "id", id, "error", err)
		}
	} else {
		q.logger.Error("spool: dropping entry after max attempts (no dead-letter store)",
			"id", id,
			"attempts", attempts,
			"reason", reason,
		)
	}
	q.Ack([]string{id})
}

// Release returns leased entries to the queue without recording an
// attempt, used when a drain pass is cancelled before it could try.
func (q *Queue) Release(ids []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range ids {
		if indexed, ok := q.byID[id]; ok {
			indexed.leased = false
		}
	}
}

// Len returns the number of queued entries (leased included).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Bytes returns the total stored size of all queued entries.
func (q *Queue) Bytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// Utilization returns the fill fraction of the byte quota.
func (q *Queue) Utilization() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return float64(q.bytes) / float64(q.config.MaxBytes)
}

// Healthy reports whether utilization is below the degraded
// threshold.
func (q *Queue) Healthy() bool {
	return q.Utilization() <= DegradedUtilization
}

func (q *Queue) removeFromIndexLocked(id string) {
	indexed, ok := q.byID[id]
	if !ok {
		return
	}
	delete(q.byID, id)
	q.bytes -= indexed.size
	for position, candidate := range q.entries {
		if candidate.id == id {
			q.entries = append(q.entries[:position], q.entries[position+1:]...)
			break
		}
	}
}

func (q *Queue) dataPath(stem string, tag compress.Tag) string {
	return filepath.Join(q.config.Dir, stem+dataSuffix+tag.Ext())
}

func (q *Queue) metaPath(stem string) string {
	return filepath.Join(q.config.Dir, stem+metaSuffix)
}

func (q *Queue) readMeta(stem string) (metaFile, error) {
	var meta metaFile
	data, err := os.ReadFile(q.metaPath(stem))
	if err != nil {
		return meta, err
	}
	err = json.Unmarshal(data, &meta)
	return meta, err
}

func (q *Queue) writeMeta(stem string, meta metaFile) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	path := q.metaPath(stem)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("spool: writing %s: %w", path, err)
	}
	return nil
}

// splitDataName splits an entry filename into its stem and
// compression tag. Returns ok=false for names that are not entry data
// files.
func splitDataName(name string) (stem string, tag compress.Tag, ok bool) {
	for _, candidate := range []compress.Tag{compress.Gzip, compress.Zstd, compress.LZ4} {
		if strings.HasSuffix(name, dataSuffix+candidate.Ext()) {
			return strings.TrimSuffix(name, dataSuffix+candidate.Ext()), candidate, true
		}
	}
	if strings.HasSuffix(name, dataSuffix) {
		return strings.TrimSuffix(name, dataSuffix), compress.None, true
	}
	return "", 0, false
}

// sequenceOf extracts the numeric sequence prefix from an entry stem.
func sequenceOf(stem string) (uint64, bool) {
	dash := strings.IndexByte(stem, '-')
	if dash != 16 {
		return 0, false
	}
	var seq uint64
	if _, err := fmt.Sscanf(stem[:dash], "%d", &seq); err != nil {
		return 0, false
	}
	return seq, true
}
