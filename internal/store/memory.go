package store

import (
	"context"
	"sync"
)

// Memory keeps the most recent records in a ring.
type Memory struct {
	mu      sync.RWMutex
	ids     []string
	next    int
	count   int
	records map[string]Record
	closed  bool
}

// NewMemory returns a ring holding up to capacity records.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Memory{
		ids:     make([]string, capacity),
		records: make(map[string]Record, capacity),
	}
}

// Save inserts or replaces rec. A new record evicts the oldest one once
// the ring is full; a replaced record keeps its position.
func (m *Memory) Save(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if _, ok := m.records[rec.ID]; ok {
		m.records[rec.ID] = rec
		return nil
	}

	if m.count == len(m.ids) {
		delete(m.records, m.ids[m.next])
	} else {
		m.count++
	}
	m.ids[m.next] = rec.ID
	m.next = (m.next + 1) % len(m.ids)
	m.records[rec.ID] = rec
	return nil
}

// List returns records newest first.
func (m *Memory) List(_ context.Context, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := m.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Record, 0, n)
	for i := 1; i <= n; i++ {
		idx := (m.next - i + len(m.ids)) % len(m.ids)
		out = append(out, m.records[m.ids[idx]])
	}
	return out, nil
}

// Len returns the number of records held.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

// Close drops all records.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.records = map[string]Record{}
	m.count = 0
	return nil
}
