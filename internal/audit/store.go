package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Head is the tail of the chain. The zero Head is the genesis position.
type Head struct {
	Seq     int64  `json:"seq"`
	Hash    string `json:"hash"`
	EntryID string `json:"entry_id,omitempty"`
}

// BuildFunc produces the next entry given the current tail.
type BuildFunc func(prev Head) (Entry, error)

// Filter narrows List. Zero values match everything.
type Filter struct {
	ActorUserID  string
	ResourceType string
	ResourceID   string
	From         time.Time
	To           time.Time
	Limit        int
}

func (f Filter) match(e Entry) bool {
	switch {
	case f.ActorUserID != "" && e.ActorUserID != f.ActorUserID:
		return false
	case f.ResourceType != "" && e.ResourceType != f.ResourceType:
		return false
	case f.ResourceID != "" && e.ResourceID != f.ResourceID:
		return false
	case !f.From.IsZero() && e.Timestamp.Before(f.From):
		return false
	case !f.To.IsZero() && e.Timestamp.After(f.To):
		return false
	}
	return true
}

// Store persists the chain. AppendChained must read the tail and insert the
// built entry atomically with respect to other appenders.
type Store interface {
	AppendChained(ctx context.Context, build BuildFunc) (Entry, error)
	Get(ctx context.Context, id string) (Entry, error)
	List(ctx context.Context, f Filter) ([]Entry, error)
	Scan(ctx context.Context, afterSeq int64, limit int) ([]Entry, error)
	Head(ctx context.Context) (Head, error)
}

// MemoryStore keeps the chain in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	byID    map[string]int
}

// NewMemoryStore returns an empty chain.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]int)}
}

func (m *MemoryStore) head() Head {
	if len(m.entries) == 0 {
		return Head{}
	}
	last := m.entries[len(m.entries)-1]
	return Head{Seq: last.Seq, Hash: last.RowHash, EntryID: last.ID}
}

func (m *MemoryStore) AppendChained(ctx context.Context, build BuildFunc) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := build(m.head())
	if err != nil {
		return Entry{}, err
	}
	m.byID[e.ID] = len(m.entries)
	m.entries = append(m.entries, e)
	return e, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.byID[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return m.entries[i], nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for _, e := range m.entries {
		if !f.match(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Scan(_ context.Context, afterSeq int64, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].Seq > afterSeq })
	end := len(m.entries)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return append([]Entry(nil), m.entries[start:end]...), nil
}

func (m *MemoryStore) Head(_ context.Context) (Head, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.head(), nil
}

// Tamper replaces a stored entry without rehashing. It exists so tests and
// drills can exercise Verify.
func (m *MemoryStore) Tamper(id string, mutate func(*Entry)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.byID[id]
	if !ok {
		return false
	}
	mutate(&m.entries[i])
	return true
}
