package journal

import (
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Log for tests and for running without a journal
// file. Contents are lost on exit.
type Memory struct {
	mu      sync.Mutex
	next    uint64
	records map[uint64]Record
	closed  bool
}

// NewMemory creates an empty in-memory log.
func NewMemory() *Memory {
	return &Memory{records: make(map[uint64]Record)}
}

// Append stores r and returns its id.
func (m *Memory) Append(r Record) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	m.next++
	r.ID = m.next
	r.Synced = false
	m.records[r.ID] = r
	return r.ID, nil
}

// FetchUnsynced returns up to limit unsynced records in id order.
func (m *Memory) FetchUnsynced(limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []Record
	for _, id := range m.ids() {
		if limit > 0 && len(out) >= limit {
			break
		}
		if r := m.records[id]; !r.Synced {
			out = append(out, r)
		}
	}
	return out, nil
}

// MarkSynced flags ids as synced.
func (m *Memory) MarkSynced(ids []uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, id := range ids {
		if r, ok := m.records[id]; ok {
			r.Synced = true
			m.records[id] = r
		}
	}
	return nil
}

// Sweep deletes synced records observed before cutoff.
func (m *Memory) Sweep(cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	n := 0
	for id, r := range m.records {
		if r.Synced && r.ObservedAt.Before(cutoff) {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

// Pending counts unsynced records.
func (m *Memory) Pending() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	n := 0
	for _, r := range m.records {
		if !r.Synced {
			n++
		}
	}
	return n, nil
}

// Close marks the log closed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// All returns every stored record in id order.
func (m *Memory) All() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, id := range m.ids() {
		out = append(out, m.records[id])
	}
	return out
}

// Kind returns stored records of kind k in id order.
func (m *Memory) Kind(k Kind) []Record {
	var out []Record
	for _, r := range m.All() {
		if r.Kind == k {
			out = append(out, r)
		}
	}
	return out
}

func (m *Memory) ids() []uint64 {
	ids := make([]uint64, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
