package authz

import (
	"strings"
	"time"
)

// ScopeType names the organisational level a subject acts in.
type ScopeType string

const (
	ScopeRegion   ScopeType = "region"
	ScopeNetwork  ScopeType = "network"
	ScopeOrg      ScopeType = "org"
	ScopeLocation ScopeType = "location"
	ScopeGlobal   ScopeType = "global"
)

// Valid reports whether the scope type is one of the known levels. Empty is valid.
func (s ScopeType) Valid() bool {
	switch s {
	case "", ScopeRegion, ScopeNetwork, ScopeOrg, ScopeLocation, ScopeGlobal:
		return true
	}
	return false
}

// Subject is the acting principal's effective role in a scope.
type Subject struct {
	Role      string    `json:"role"`
	ScopeType ScopeType `json:"scope_type,omitempty"`
	ScopeID   string    `json:"scope_id,omitempty"`
}

// Object identifies the resource under evaluation.
type Object struct {
	Type         string `json:"type"`
	ID           string `json:"id"`
	TenantRootID string `json:"tenant_root_id,omitempty"`
}

// Effect is the outcome of a policy decision.
type Effect string

const (
	Allow Effect = "allow"
	Deny  Effect = "deny"
)

// NoRule is reported as the matched rule when evaluation fell through to default deny.
const NoRule = "none"

// Request is the input of a policy evaluation.
type Request struct {
	Subject Subject `json:"subject"`
	Object  Object  `json:"object"`
	Action  string  `json:"action"`
	Context Context `json:"context"`
}

// Normalize trims identifiers and lower-cases the action.
func (r Request) Normalize() Request {
	r.Subject.Role = strings.TrimSpace(r.Subject.Role)
	r.Subject.ScopeID = strings.TrimSpace(r.Subject.ScopeID)
	r.Object.Type = strings.TrimSpace(r.Object.Type)
	r.Object.ID = strings.TrimSpace(r.Object.ID)
	r.Object.TenantRootID = strings.TrimSpace(r.Object.TenantRootID)
	r.Action = strings.ToLower(strings.TrimSpace(r.Action))
	return r
}

// Decision is the result of evaluating a request against the active rule set.
type Decision struct {
	Decision        Effect    `json:"decision"`
	MatchedRule     string    `json:"matched_rule"`
	Reasoning       string    `json:"reasoning"`
	PolicyVersion   string    `json:"policy_version"`
	ContextSnapshot Context   `json:"context_snapshot"`
	CorrelationID   string    `json:"correlation_id"`
	Timestamp       time.Time `json:"timestamp"`
	Remediation     string    `json:"remediation,omitempty"`
	Kind            Kind      `json:"error_kind,omitempty"`
	EvaluationSteps []string  `json:"evaluation_steps,omitempty"`
}

// Allowed reports whether the decision permits the action.
func (d Decision) Allowed() bool {
	return d.Decision == Allow
}

// Err converts a deny into the matching error kind. Allow returns nil.
func (d Decision) Err() error {
	if d.Allowed() {
		return nil
	}
	kind := d.Kind
	if kind == "" {
		kind = KindPolicyDenied
	}
	return &Error{Kind: kind, Message: d.Reasoning, Remediation: d.Remediation}
}

// Snapshot is the persisted form of an evaluated decision input.
type Snapshot struct {
	Subject Subject `json:"subject"`
	Object  Object  `json:"object"`
	Action  string  `json:"action"`
	Context Context `json:"context"`
}

// Request rebuilds the evaluation input from the snapshot.
func (s Snapshot) Request() Request {
	return Request{Subject: s.Subject, Object: s.Object, Action: s.Action, Context: s.Context.Clone()}
}
