package resolve

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"carecoord.org/internal/authz"
	"carecoord.org/internal/breakglass"
	"carecoord.org/internal/ids"
	"carecoord.org/internal/obs"
)

// BreakGlassSource overlays emergency grants onto contexts.
type BreakGlassSource interface {
	Current(ctx context.Context, userID string) (breakglass.Grant, bool, error)
}

var defaultPurposes = map[ResourceType]string{
	TypeReport: "oversight",
}

// Builder dispatches to the resolver registered for a resource type.
type Builder struct {
	resolvers map[ResourceType]Resolver
	bg        BreakGlassSource
}

// NewBuilder returns an empty builder. bg may be nil.
func NewBuilder(bg BreakGlassSource) *Builder {
	return &Builder{resolvers: make(map[ResourceType]Resolver), bg: bg}
}

// Register installs r for t, replacing any previous resolver.
func (b *Builder) Register(t ResourceType, r Resolver) {
	b.resolvers[t] = r
}

// Types lists registered resource types.
func (b *Builder) Types() []ResourceType {
	out := make([]ResourceType, 0, len(b.resolvers))
	for t := range b.resolvers {
		out = append(out, t)
	}
	return out
}

// Build resolves req into the object and a validated context.
func (b *Builder) Build(ctx context.Context, req Request) (authz.Object, authz.Context, error) {
	if err := ctx.Err(); err != nil {
		return authz.Object{}, authz.Context{}, err
	}
	if strings.TrimSpace(req.UserID) == "" {
		return authz.Object{}, authz.Context{}, authz.Errorf(authz.KindAuthenticationRequired, "user_id is required")
	}
	if strings.TrimSpace(req.ResourceID) == "" || strings.TrimSpace(req.Action) == "" {
		return authz.Object{}, authz.Context{}, authz.Errorf(authz.KindValidation, "resource_id and action are required")
	}
	t, ok := ParseResourceType(string(req.ResourceType))
	r := b.resolvers[t]
	if !ok || r == nil {
		return authz.Object{}, authz.Context{}, authz.Errorf(authz.KindValidation, "unsupported resource type %q", req.ResourceType)
	}
	req.ResourceType = t
	req.Action = strings.ToLower(strings.TrimSpace(req.Action))
	if req.Hints.Purpose == "" {
		req.Hints.Purpose = defaultPurposes[t]
	}
	req.Hints.Purpose = strings.ToLower(strings.TrimSpace(req.Hints.Purpose))

	obj, c, err := r.Resolve(ctx, req)
	if err != nil {
		return authz.Object{}, authz.Context{}, err
	}

	c.Purpose = req.Hints.Purpose
	c.CorrelationID = req.Hints.CorrelationID
	if c.CorrelationID == "" {
		c.CorrelationID = ids.NewCorrelationID()
	}
	// Two-person approval only counts when recorded on the caller's grant.
	c.BG, c.BGExpiresAt, c.BGReason = nil, nil, ""
	c.TwoPersonRule = authz.Bool(false)
	if b.bg != nil {
		g, ok, err := b.bg.Current(ctx, req.UserID)
		if err != nil {
			return authz.Object{}, authz.Context{}, fmt.Errorf("break-glass lookup: %w", err)
		}
		if ok {
			exp := g.ExpiresAt
			c.BG = authz.Bool(true)
			c.BGExpiresAt = &exp
			c.BGReason = g.Reason
			c.TwoPersonRule = authz.Bool(g.SecondApproved())
		}
	}

	if err := c.Validate(); err != nil {
		var ae *authz.Error
		if errors.As(err, &ae) {
			ae.Message = fmt.Sprintf("%s resolver: %s", t, ae.Message)
			return authz.Object{}, authz.Context{}, ae
		}
		return authz.Object{}, authz.Context{}, authz.Wrap(authz.KindConfiguration, err, string(t)+" resolver")
	}
	if c.MissingConsentID() {
		obs.Warn("consent_ok without consent_id", map[string]any{
			"resource_type":  string(t),
			"resource_id":    req.ResourceID,
			"correlation_id": c.CorrelationID,
		})
	}
	return obj, c, nil
}

// BreakGlassGrant reports the grant id currently overlaying userID, if any
// is active at now.
func BreakGlassGrant(ctx context.Context, bg BreakGlassSource, userID string, now time.Time) (breakglass.Grant, bool) {
	if bg == nil {
		return breakglass.Grant{}, false
	}
	g, ok, err := bg.Current(ctx, userID)
	if err != nil || !ok || g.StateAt(now) != breakglass.StateActive {
		return breakglass.Grant{}, false
	}
	return g, true
}
