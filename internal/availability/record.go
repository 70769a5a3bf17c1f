// Package availability guards service availability records with optimistic
// concurrency. Every mutation is authorized and audited; a stale version is
// rejected without touching the record.
package availability

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"carecoord.org/internal/authz"
)

var (
	ErrNotFound        = errors.New("availability record not found")
	ErrInvalidMutation = errors.New("invalid availability mutation")
)

// Record is one service availability counter at a location.
type Record struct {
	ID         string         `json:"id"`
	LocationID string         `json:"location_id"`
	Type       string         `json:"type"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Total      int            `json:"total"`
	Available  int            `json:"available"`
	Version    int64          `json:"version"`
	UpdatedBy  string         `json:"updated_by,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Validate checks 0 <= available <= total.
func (r Record) Validate() error {
	switch {
	case strings.TrimSpace(r.ID) == "":
		return fmt.Errorf("%w: id is required", ErrInvalidMutation)
	case strings.TrimSpace(r.LocationID) == "":
		return fmt.Errorf("%w: location_id is required", ErrInvalidMutation)
	case r.Total < 0:
		return fmt.Errorf("%w: total must be >= 0", ErrInvalidMutation)
	case r.Available < 0:
		return fmt.Errorf("%w: available must be >= 0", ErrInvalidMutation)
	case r.Available > r.Total:
		return fmt.Errorf("%w: available %d exceeds total %d", ErrInvalidMutation, r.Available, r.Total)
	}
	return nil
}

func (r Record) clone() Record {
	if r.Attributes != nil {
		attrs := make(map[string]any, len(r.Attributes))
		for k, v := range r.Attributes {
			attrs[k] = v
		}
		r.Attributes = attrs
	}
	return r
}

// Mutation describes a change. Absolute values apply before the delta.
type Mutation struct {
	Total          *int           `json:"total,omitempty"`
	Available      *int           `json:"available,omitempty"`
	AvailableDelta int            `json:"available_delta,omitempty"`
	Type           string         `json:"type,omitempty"`
	Attributes     map[string]any `json:"attributes,omitempty"`
}

// Empty reports whether m changes nothing.
func (m Mutation) Empty() bool {
	return m.Total == nil && m.Available == nil && m.AvailableDelta == 0 && m.Type == "" && len(m.Attributes) == 0
}

// Apply returns r with m applied. The result is validated; the version is
// left to the store.
func (m Mutation) Apply(r Record) (Record, error) {
	next := r.clone()
	if m.Total != nil {
		next.Total = *m.Total
	}
	if m.Available != nil {
		next.Available = *m.Available
	}
	next.Available += m.AvailableDelta
	if m.Type != "" {
		next.Type = m.Type
	}
	if len(m.Attributes) > 0 {
		if next.Attributes == nil {
			next.Attributes = make(map[string]any, len(m.Attributes))
		}
		for k, v := range m.Attributes {
			if v == nil {
				delete(next.Attributes, k)
				continue
			}
			next.Attributes[k] = v
		}
	}
	if err := next.Validate(); err != nil {
		return Record{}, err
	}
	return next, nil
}

// ConflictError reports a stale expected version together with the version
// the caller must re-read.
type ConflictError struct {
	ID       string
	Expected int64
	Current  int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("availability %s: expected version %d, current version %d", e.ID, e.Expected, e.Current)
}

// Unwrap lets errors.Is match authz.ErrVersionConflict.
func (e *ConflictError) Unwrap() error { return authz.ErrVersionConflict }

// CurrentVersion extracts the current version from a conflict error.
func CurrentVersion(err error) (int64, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce.Current, true
	}
	return 0, false
}
