package consent

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("consent: not found")
	ErrConflict     = errors.New("consent: active record already exists for scope")
	ErrInvalidInput = errors.New("consent: invalid input")
	ErrRevoked      = errors.New("consent: already revoked")
)

// ScopeType is the level a consent record applies to.
type ScopeType string

const (
	ScopePlatform     ScopeType = "platform"
	ScopeOrganization ScopeType = "organization"
	ScopeLocation     ScopeType = "location"
	ScopeHelper       ScopeType = "helper"
	ScopeCompany      ScopeType = "company"
)

// Valid reports whether s is a known scope.
func (s ScopeType) Valid() bool {
	switch s {
	case ScopePlatform, ScopeOrganization, ScopeLocation, ScopeHelper, ScopeCompany:
		return true
	}
	return false
}

// Method records how consent was captured.
type Method string

const (
	MethodVerbal    Method = "verbal"
	MethodSignature Method = "signature"
)

// Record is a consent grant. Records are never deleted; revocation sets
// RevokedAt/RevokedBy and is terminal.
type Record struct {
	ID                 string     `json:"id"`
	ClientID           string     `json:"client_id"`
	ScopeType          ScopeType  `json:"scope_type"`
	ScopeID            string     `json:"scope_id,omitempty"`
	AllowedPurposes    []string   `json:"allowed_purposes"`
	Method             Method     `json:"method"`
	GrantedBy          string     `json:"granted_by"`
	GrantedAt          time.Time  `json:"granted_at"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	RevokedAt          *time.Time `json:"revoked_at,omitempty"`
	RevokedBy          string     `json:"revoked_by,omitempty"`
	GracePeriodMinutes int        `json:"grace_period_minutes"`
}

// Validate checks structural invariants of a record.
func (r Record) Validate() error {
	if strings.TrimSpace(r.ClientID) == "" {
		return fmt.Errorf("%w: client_id is required", ErrInvalidInput)
	}
	if !r.ScopeType.Valid() {
		return fmt.Errorf("%w: unknown scope_type %q", ErrInvalidInput, r.ScopeType)
	}
	if r.ScopeType == ScopePlatform && r.ScopeID != "" {
		return fmt.Errorf("%w: platform consent takes no scope_id", ErrInvalidInput)
	}
	if r.ScopeType != ScopePlatform && strings.TrimSpace(r.ScopeID) == "" {
		return fmt.Errorf("%w: scope_id is required for %s consent", ErrInvalidInput, r.ScopeType)
	}
	if len(r.AllowedPurposes) == 0 {
		return fmt.Errorf("%w: at least one allowed purpose is required", ErrInvalidInput)
	}
	if r.Method != MethodVerbal && r.Method != MethodSignature {
		return fmt.Errorf("%w: method must be verbal or signature", ErrInvalidInput)
	}
	if strings.TrimSpace(r.GrantedBy) == "" {
		return fmt.Errorf("%w: granted_by is required", ErrInvalidInput)
	}
	if r.GracePeriodMinutes < 0 {
		return fmt.Errorf("%w: grace_period_minutes must be >= 0", ErrInvalidInput)
	}
	if r.ExpiresAt != nil && !r.ExpiresAt.After(r.GrantedAt) {
		return fmt.Errorf("%w: expires_at must be after granted_at", ErrInvalidInput)
	}
	if (r.RevokedAt == nil) != (r.RevokedBy == "") {
		return fmt.Errorf("%w: revoked_at and revoked_by must be set together", ErrInvalidInput)
	}
	return nil
}

// Matches reports whether the record belongs to the given client and scope.
func (r Record) Matches(clientID string, scope ScopeType, scopeID string) bool {
	if r.ClientID != clientID || r.ScopeType != scope {
		return false
	}
	if scope == ScopePlatform {
		return true
	}
	return r.ScopeID == scopeID
}

// RevokedAsOf reports whether revocation is in effect at t.
func (r Record) RevokedAsOf(t time.Time) bool {
	return r.RevokedAt != nil && !t.Before(*r.RevokedAt)
}

// GraceEnds returns the end of the grace window, or nil for open-ended consent.
func (r Record) GraceEnds() *time.Time {
	if r.ExpiresAt == nil {
		return nil
	}
	end := r.ExpiresAt.Add(time.Duration(r.GracePeriodMinutes) * time.Minute)
	return &end
}

// ActiveAt reports whether the record still grants access at t, grace included.
func (r Record) ActiveAt(t time.Time) bool {
	if t.Before(r.GrantedAt) || r.RevokedAsOf(t) {
		return false
	}
	if end := r.GraceEnds(); end != nil && t.After(*end) {
		return false
	}
	return true
}

// AllowsPurpose reports whether purpose is one of the allowed purposes.
func (r Record) AllowsPurpose(purpose string) bool {
	return slices.Contains(r.AllowedPurposes, strings.ToLower(strings.TrimSpace(purpose)))
}

// Query asks whether a client has consented at a scope for a purpose.
type Query struct {
	ClientID  string    `json:"client_id"`
	ScopeType ScopeType `json:"scope_type"`
	ScopeID   string    `json:"scope_id,omitempty"`
	Purpose   string    `json:"purpose"`
}

// Code is a machine-readable consent outcome.
type Code string

const (
	CodeGranted         Code = "granted"
	CodeGracePeriod     Code = "grace_period"
	CodeNotFound        Code = "not_found"
	CodeRevoked         Code = "revoked"
	CodePurposeMismatch Code = "purpose_mismatch"
	CodePurposeRequired Code = "purpose_required"
	CodeExpired         Code = "expired"
	CodeInvalidScope    Code = "invalid_scope"
)

// Result is always a definite boolean plus a human-readable reason.
type Result struct {
	ConsentOK         bool       `json:"consent_ok"`
	ConsentID         string     `json:"consent_id,omitempty"`
	Reason            string     `json:"reason"`
	Code              Code       `json:"code"`
	GracePeriodActive bool       `json:"grace_period_active,omitempty"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	AllowedPurposes   []string   `json:"allowed_purposes"`
	Remediation       string     `json:"remediation,omitempty"`
}

func normalizePurposes(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" || slices.Contains(out, p) {
			continue
		}
		out = append(out, p)
	}
	return out
}
