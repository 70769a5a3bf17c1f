package availability

import (
	"context"
	"fmt"
	"sync"
)

// MutateFunc derives the next state from the locked current one.
type MutateFunc func(cur Record) (Record, error)

// CommitFunc runs while the record is still locked, after the new state is
// known and before it becomes visible. An error aborts the update.
type CommitFunc func(old, next Record) error

// Store persists availability records.
type Store interface {
	Get(ctx context.Context, id string) (Record, error)
	Put(ctx context.Context, r Record) error
	// UpdateIf locks the record, compares its version with expected and, on a
	// match, stores mutate's result with the version incremented. A mismatch
	// returns *ConflictError and changes nothing.
	UpdateIf(ctx context.Context, id string, expected int64, mutate MutateFunc, commit CommitFunc) (Record, error)
}

type slot struct {
	mu  sync.Mutex
	rec Record
}

// MemoryStore locks per record; updates to different records never contend.
type MemoryStore struct {
	mu    sync.RWMutex
	slots map[string]*slot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{slots: make(map[string]*slot)}
}

func (m *MemoryStore) slot(id string) (*slot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.slots[id]
	return s, ok
}

func (m *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s, ok := m.slot(id)
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.clone(), nil
}

// Put creates or replaces a record. Used for seeding.
func (m *MemoryStore) Put(_ context.Context, r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.Version == 0 {
		r.Version = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.slots[r.ID]; ok {
		s.mu.Lock()
		s.rec = r.clone()
		s.mu.Unlock()
		return nil
	}
	m.slots[r.ID] = &slot{rec: r.clone()}
	return nil
}

func (m *MemoryStore) UpdateIf(ctx context.Context, id string, expected int64, mutate MutateFunc, commit CommitFunc) (Record, error) {
	s, ok := m.slot(id)
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	cur := s.rec
	if cur.Version != expected {
		return cur.clone(), &ConflictError{ID: id, Expected: expected, Current: cur.Version}
	}
	next, err := mutate(cur.clone())
	if err != nil {
		return cur.clone(), err
	}
	next.ID = cur.ID
	next.Version = cur.Version + 1
	if commit != nil {
		if err := commit(cur.clone(), next.clone()); err != nil {
			return cur.clone(), err
		}
	}
	s.rec = next
	return next.clone(), nil
}
