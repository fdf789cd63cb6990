package exporter

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// dedupBuffer accumulates span records awaiting delivery and remembers the
// key of every record it has seen. Records and keys move independently:
// takeAll drains the records but keeps their keys registered, so spans
// re-exported while a batch is in flight are recognized as duplicates.
// Keys are released only after confirmed delivery (or an intentional drop).
type dedupBuffer struct {
	logger *slog.Logger

	mu      sync.Mutex
	records []SpanRecord
	keys    map[SpanKey]struct{}

	duplicates atomic.Int64 // total records skipped as duplicates
}

func newDedupBuffer(logger *slog.Logger) *dedupBuffer {
	return &dedupBuffer{
		logger: logger,
		keys:   make(map[SpanKey]struct{}),
	}
}

// add appends records whose (traceId, spanId) key has not been seen.
// Duplicates are counted and skipped. Returns the number accepted.
func (b *dedupBuffer) add(records ...SpanRecord) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	accepted := 0
	for _, rec := range records {
		key := rec.Key()
		if _, seen := b.keys[key]; seen {
			b.duplicates.Add(1)
			b.logger.Debug("aiqa: skipping duplicate span",
				"trace_id", key.TraceID, "span_id", key.SpanID)
			continue
		}
		b.keys[key] = struct{}{}
		b.records = append(b.records, rec)
		accepted++
	}
	return accepted
}

// takeAll atomically snapshots and clears the buffered records. The key set
// is left intact; the caller releases keys after the batch is delivered.
func (b *dedupBuffer) takeAll() []SpanRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := b.records
	b.records = nil
	return batch
}

// releaseKeys forgets the keys of the given records, allowing spans with
// those ids to be buffered again.
func (b *dedupBuffer) releaseKeys(records []SpanRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, rec := range records {
		delete(b.keys, rec.Key())
	}
}

// restore puts a failed batch back at the front of the buffer, ahead of any
// records that arrived while the batch was in flight, and recomputes the key
// set from the full buffer contents so keys and records cannot disagree.
func (b *dedupBuffer) restore(records []SpanRecord) {
	if len(records) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.records = append(records, b.records...)
	keys := make(map[SpanKey]struct{}, len(b.records))
	for _, rec := range b.records {
		keys[rec.Key()] = struct{}{}
	}
	b.keys = keys
}

// clear drops all records and keys. Called once during shutdown, after the
// final delivery attempt, so nothing lingers past the exporter's lifetime.
func (b *dedupBuffer) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = nil
	b.keys = make(map[SpanKey]struct{})
}

// size returns the number of records currently buffered.
func (b *dedupBuffer) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// trackedKeys returns how many span keys are being remembered, including
// keys of batches currently in flight.
func (b *dedupBuffer) trackedKeys() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.keys)
}

// dupCount returns the total number of records skipped as duplicates.
func (b *dedupBuffer) dupCount() int64 {
	return b.duplicates.Load()
}
