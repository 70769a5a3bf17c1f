// Package resolve builds authorization contexts. Each resource type has its
// own Resolver; the Builder stamps the request-wide fields and validates the
// result before the policy engine sees it.
package resolve

import (
	"context"
	"strings"

	"carecoord.org/internal/authz"
)

// ResourceType tags select a resolver.
type ResourceType string

const (
	TypeClient         ResourceType = "Client"
	TypeNote           ResourceType = "Note"
	TypeReferral       ResourceType = "Referral"
	TypeCase           ResourceType = "Case"
	TypeServiceProfile ResourceType = "ServiceProfile"
	TypeAvailability   ResourceType = "Availability"
	TypeReport         ResourceType = "Report"
	// TypeBreakGlass addresses a user's emergency grant; the resource id is
	// the grant owner.
	TypeBreakGlass ResourceType = "BreakGlass"
)

var canonicalTypes = map[string]ResourceType{}

func init() {
	for _, t := range []ResourceType{TypeClient, TypeNote, TypeReferral, TypeCase, TypeServiceProfile, TypeAvailability, TypeReport, TypeBreakGlass} {
		canonicalTypes[strings.ToLower(string(t))] = t
	}
}

// ParseResourceType accepts any casing of a known tag.
func ParseResourceType(s string) (ResourceType, bool) {
	t, ok := canonicalTypes[strings.ToLower(strings.TrimSpace(s))]
	return t, ok
}

// Hints are caller-supplied request attributes. They can never set
// break-glass, approval or consent fields.
type Hints struct {
	Purpose       string `json:"purpose,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	LegalBasis    string `json:"legal_basis,omitempty"`
}

// Request asks for the context of one access.
type Request struct {
	UserID       string        `json:"user_id"`
	Subject      authz.Subject `json:"subject"`
	ResourceType ResourceType  `json:"resource_type"`
	ResourceID   string        `json:"resource_id"`
	Action       string        `json:"action"`
	Hints        Hints         `json:"hints"`
}

// Resolver fills the resource-specific part of a context. Implementations
// must return either a complete context or an error.
type Resolver interface {
	Resolve(ctx context.Context, req Request) (authz.Object, authz.Context, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, req Request) (authz.Object, authz.Context, error)

func (f ResolverFunc) Resolve(ctx context.Context, req Request) (authz.Object, authz.Context, error) {
	return f(ctx, req)
}
