package audit

import (
	"context"
	"sync"
)

// DefaultMemoryCapacity bounds MemoryWriter when no capacity is given.
const DefaultMemoryCapacity = 1000

// MemoryWriter keeps the most recent records in memory.
// Suitable for development and testing. For production, use PostgresWriter.
type MemoryWriter struct {
	mu       sync.RWMutex
	records  []*Record
	capacity int
}

// NewMemoryWriter creates a writer retaining at most capacity records.
func NewMemoryWriter(capacity int) *MemoryWriter {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryWriter{capacity: capacity}
}

// Write implements Writer.
func (w *MemoryWriter) Write(_ context.Context, rec *Record) error {
	prepare(rec)
	cp := *rec

	w.mu.Lock()
	defer w.mu.Unlock()
	w.records = append(w.records, &cp)
	if over := len(w.records) - w.capacity; over > 0 {
		w.records = append(w.records[:0:0], w.records[over:]...)
	}
	return nil
}

// Recent returns up to n records, newest first. n <= 0 returns all.
func (w *MemoryWriter) Recent(n int) []*Record {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if n <= 0 || n > len(w.records) {
		n = len(w.records)
	}
	out := make([]*Record, 0, n)
	for i := len(w.records) - 1; i >= 0 && len(out) < n; i-- {
		cp := *w.records[i]
		out = append(out, &cp)
	}
	return out
}

// FindByRequestID returns the record for a request id.
func (w *MemoryWriter) FindByRequestID(requestID string) (*Record, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for i := len(w.records) - 1; i >= 0; i-- {
		if w.records[i].RequestID == requestID {
			cp := *w.records[i]
			return &cp, true
		}
	}
	return nil, false
}

// Len returns the number of retained records.
func (w *MemoryWriter) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.records)
}
