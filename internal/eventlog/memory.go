package eventlog

import (
	"context"
	"sync"
)

// MemoryStore keeps the most recent events in a fixed-size ring.
type MemoryStore struct {
	mu    sync.RWMutex
	buf   []Event
	start int
	n     int
}

// NewMemoryStore creates a ring holding up to capacity events.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 65536
	}
	return &MemoryStore{buf: make([]Event, capacity)}
}

func (m *MemoryStore) Record(_ context.Context, e Event) error {
	m.mu.Lock()
	m.push(e)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) RecordBatch(_ context.Context, events []Event) (int, error) {
	m.mu.Lock()
	for _, e := range events {
		m.push(e)
	}
	m.mu.Unlock()
	return len(events), nil
}

func (m *MemoryStore) push(e Event) {
	capacity := len(m.buf)
	if m.n < capacity {
		m.buf[(m.start+m.n)%capacity] = e
		m.n++
		return
	}
	m.buf[m.start] = e
	m.start = (m.start + 1) % capacity
}

func (m *MemoryStore) Query(_ context.Context, f Filter) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for i := range m.n {
		e := &m.buf[(m.start+i)%len(m.buf)]
		if !f.match(e) {
			continue
		}
		out = append(out, *e)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

func (m *MemoryStore) Clear(context.Context) error {
	m.mu.Lock()
	clear(m.buf)
	m.start, m.n = 0, 0
	m.mu.Unlock()
	return nil
}

// Len returns the number of retained events.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.n
}

func (m *MemoryStore) Close() error { return nil }
