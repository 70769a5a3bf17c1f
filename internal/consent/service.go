package consent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"carecoord.org/internal/ids"
	"carecoord.org/internal/obs"
)

// Store persists consent records.
type Store interface {
	// Insert stores rec. Any earlier record for the same scope that is no
	// longer active at rec.GrantedAt is superseded (revoked by the granter);
	// a still-active one makes Insert fail with ErrConflict.
	Insert(ctx context.Context, rec Record) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	ListForClient(ctx context.Context, clientID string) ([]Record, error)
	Revoke(ctx context.Context, id, by string, at time.Time) (Record, error)
}

// GrantRequest captures a new consent.
type GrantRequest struct {
	ClientID           string     `json:"client_id"`
	ScopeType          ScopeType  `json:"scope_type"`
	ScopeID            string     `json:"scope_id,omitempty"`
	AllowedPurposes    []string   `json:"allowed_purposes"`
	Method             Method     `json:"method"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	GracePeriodMinutes int        `json:"grace_period_minutes"`
}

// Service wraps Evaluate with storage lookups, grant and revoke.
type Service struct {
	store Store
	now   func() time.Time
}

// Option configures Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService constructs a Service.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Evaluate decides consent for q as of now.
func (s *Service) Evaluate(ctx context.Context, q Query) (Result, error) {
	return s.EvaluateAt(ctx, q, s.now())
}

// EvaluateAt decides consent for q as of at.
func (s *Service) EvaluateAt(ctx context.Context, q Query, at time.Time) (Result, error) {
	if strings.TrimSpace(q.ClientID) == "" {
		return Result{}, fmt.Errorf("%w: client_id is required", ErrInvalidInput)
	}
	records, err := s.store.ListForClient(ctx, strings.TrimSpace(q.ClientID))
	if err != nil {
		return Result{}, err
	}
	res := Evaluate(records, q, at)
	obs.ObserveConsent(string(res.Code))
	return res, nil
}

// Get returns one record by id.
func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Record{}, fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	return s.store.Get(ctx, id)
}

// ListForClient returns every record for a client, revoked ones included.
func (s *Service) ListForClient(ctx context.Context, clientID string) ([]Record, error) {
	return s.store.ListForClient(ctx, strings.TrimSpace(clientID))
}

// Grant records a new consent given by grantedBy.
func (s *Service) Grant(ctx context.Context, grantedBy string, req GrantRequest) (Record, error) {
	now := s.now().UTC().Truncate(time.Microsecond)
	rec := Record{
		ID:                 ids.Prefixed("cns"),
		ClientID:           strings.TrimSpace(req.ClientID),
		ScopeType:          req.ScopeType,
		ScopeID:            strings.TrimSpace(req.ScopeID),
		AllowedPurposes:    normalizePurposes(req.AllowedPurposes),
		Method:             req.Method,
		GrantedBy:          strings.TrimSpace(grantedBy),
		GrantedAt:          now,
		ExpiresAt:          req.ExpiresAt,
		GracePeriodMinutes: req.GracePeriodMinutes,
	}
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	saved, err := s.store.Insert(ctx, rec)
	if err != nil {
		return Record{}, err
	}
	obs.Info("consent granted", map[string]any{
		"consent_id": saved.ID,
		"client_id":  saved.ClientID,
		"scope":      describeScope(saved.ScopeType, saved.ScopeID),
	})
	return saved, nil
}

// Revoke terminates a consent from now on. Earlier evaluations are unaffected.
func (s *Service) Revoke(ctx context.Context, id, revokedBy string) (Record, error) {
	id = strings.TrimSpace(id)
	revokedBy = strings.TrimSpace(revokedBy)
	if id == "" || revokedBy == "" {
		return Record{}, fmt.Errorf("%w: id and revoked_by are required", ErrInvalidInput)
	}
	rec, err := s.store.Revoke(ctx, id, revokedBy, s.now().UTC().Truncate(time.Microsecond))
	if err != nil {
		return Record{}, err
	}
	obs.Info("consent revoked", map[string]any{"consent_id": rec.ID, "client_id": rec.ClientID})
	return rec, nil
}

// Supersede decides which existing records a new grant replaces. It returns
// ErrConflict when one of them is still active at rec.GrantedAt. Stores call
// it while holding whatever lock guards the scope.
func Supersede(existing []Record, rec Record) ([]string, error) {
	var stale []string
	for _, r := range existing {
		if !r.Matches(rec.ClientID, rec.ScopeType, rec.ScopeID) || r.RevokedAt != nil {
			continue
		}
		if r.ActiveAt(rec.GrantedAt) {
			return nil, fmt.Errorf("%w: %s", ErrConflict, r.ID)
		}
		stale = append(stale, r.ID)
	}
	return stale, nil
}
