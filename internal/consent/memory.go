package consent

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	order   []string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (m *MemoryStore) Insert(_ context.Context, rec Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := make([]Record, 0, len(m.order))
	for _, id := range m.order {
		existing = append(existing, m.records[id])
	}
	stale, err := Supersede(existing, rec)
	if err != nil {
		return Record{}, err
	}
	for _, id := range stale {
		r := m.records[id]
		at := rec.GrantedAt
		r.RevokedAt = &at
		r.RevokedBy = rec.GrantedBy
		m.records[id] = r
	}
	m.records[rec.ID] = rec
	m.order = append(m.order, rec.ID)
	return rec, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) ListForClient(_ context.Context, clientID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, id := range m.order {
		if r := m.records[id]; r.ClientID == clientID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryStore) Revoke(_ context.Context, id, by string, at time.Time) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.RevokedAt != nil {
		return Record{}, ErrRevoked
	}
	rec.RevokedAt = &at
	rec.RevokedBy = by
	m.records[id] = rec
	return rec, nil
}
