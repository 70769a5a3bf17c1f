// Package breakglass tracks emergency access grants. A grant moves from
// Active to Expired or Terminated and never back; every transition is audited.
package breakglass

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrNotFound  = errors.New("break-glass grant not found")
	ErrConflict  = errors.New("break-glass grant already active")
	ErrNotActive = errors.New("break-glass grant is not active")
	ErrApproved  = errors.New("break-glass grant already approved")
)

// State is the lifecycle position of a grant at a point in time.
type State string

const (
	StateInactive   State = "inactive"
	StateActive     State = "active"
	StateExpired    State = "expired"
	StateTerminated State = "terminated"
)

// Grant is one break-glass activation.
type Grant struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	Reason        string     `json:"reason"`
	ActivatedAt   time.Time  `json:"activated_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	TerminatedAt  *time.Time `json:"terminated_at,omitempty"`
	TerminatedBy  string     `json:"terminated_by,omitempty"`
	ApprovedBy    string     `json:"approved_by,omitempty"`
	ApprovedAt    *time.Time `json:"approved_at,omitempty"`
	ExpiryAudited bool       `json:"expiry_audited"`
}

// SecondApproved reports whether someone other than the owner approved g.
func (g Grant) SecondApproved() bool {
	return g.ApprovedBy != "" && g.ApprovedBy != g.UserID
}

// StateAt evaluates the grant at t.
func (g Grant) StateAt(t time.Time) State {
	switch {
	case g.ID == "":
		return StateInactive
	case g.TerminatedAt != nil && !t.Before(*g.TerminatedAt):
		return StateTerminated
	case t.After(g.ExpiresAt):
		return StateExpired
	case t.Before(g.ActivatedAt):
		return StateInactive
	}
	return StateActive
}

// TTL is the activation window.
func (g Grant) TTL() time.Duration { return g.ExpiresAt.Sub(g.ActivatedAt) }

// Store persists grants.
type Store interface {
	Insert(ctx context.Context, g Grant) error
	Get(ctx context.Context, id string) (Grant, error)
	// Latest returns the most recent unterminated grant for userID.
	Latest(ctx context.Context, userID string) (Grant, error)
	Terminate(ctx context.Context, id, by string, at time.Time) (Grant, error)
	// Approve records the second approver once; a later call fails with ErrApproved.
	Approve(ctx context.Context, id, by string, at time.Time) (Grant, error)
	// MarkExpiryAudited flips expiry_audited and reports whether this call did it.
	MarkExpiryAudited(ctx context.Context, id string) (bool, error)
	// ClearExpiryAudited undoes a mark whose audit entry was never written.
	ClearExpiryAudited(ctx context.Context, id string) error
	ExpiredUnaudited(ctx context.Context, at time.Time, limit int) ([]Grant, error)
}

// MemoryStore keeps grants in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	grants map[string]*Grant
	order  []string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{grants: make(map[string]*Grant)}
}

func (m *MemoryStore) Insert(_ context.Context, g Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.grants[g.ID]; ok {
		return ErrConflict
	}
	cp := g
	m.grants[g.ID] = &cp
	m.order = append(m.order, g.ID)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[id]
	if !ok {
		return Grant{}, ErrNotFound
	}
	return *g, nil
}

func (m *MemoryStore) Latest(_ context.Context, userID string) (Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.order) - 1; i >= 0; i-- {
		g := m.grants[m.order[i]]
		if g.UserID == userID && g.TerminatedAt == nil {
			return *g, nil
		}
	}
	return Grant{}, ErrNotFound
}

func (m *MemoryStore) Terminate(_ context.Context, id, by string, at time.Time) (Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[id]
	if !ok {
		return Grant{}, ErrNotFound
	}
	if g.TerminatedAt != nil {
		return Grant{}, ErrNotActive
	}
	g.TerminatedAt = &at
	g.TerminatedBy = by
	return *g, nil
}

func (m *MemoryStore) Approve(_ context.Context, id, by string, at time.Time) (Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[id]
	if !ok {
		return Grant{}, ErrNotFound
	}
	if g.TerminatedAt != nil {
		return Grant{}, ErrNotActive
	}
	if g.ApprovedBy != "" {
		return Grant{}, ErrApproved
	}
	g.ApprovedBy = by
	g.ApprovedAt = &at
	return *g, nil
}

func (m *MemoryStore) MarkExpiryAudited(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[id]
	if !ok {
		return false, ErrNotFound
	}
	if g.ExpiryAudited {
		return false, nil
	}
	g.ExpiryAudited = true
	return true, nil
}

func (m *MemoryStore) ClearExpiryAudited(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[id]
	if !ok {
		return ErrNotFound
	}
	g.ExpiryAudited = false
	return nil
}

func (m *MemoryStore) ExpiredUnaudited(_ context.Context, at time.Time, limit int) ([]Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Grant
	for _, id := range m.order {
		g := m.grants[id]
		if g.TerminatedAt == nil && !g.ExpiryAudited && at.After(g.ExpiresAt) {
			out = append(out, *g)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}
