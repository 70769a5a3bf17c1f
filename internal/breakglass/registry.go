package breakglass

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"carecoord.org/internal/audit"
	"carecoord.org/internal/authz"
	"carecoord.org/internal/ids"
	"carecoord.org/internal/obs"
)

const (
	// DefaultMaxTTL bounds a single activation.
	DefaultMaxTTL = 4 * time.Hour
	resourceType  = "BreakGlass"
	sweepBatch    = 100
)

// Appender is the audit sink; *audit.Writer satisfies it.
type Appender interface {
	Append(ctx context.Context, rec audit.Record) (audit.Entry, error)
}

// Registry owns grant transitions.
type Registry struct {
	store  Store
	audit  Appender
	maxTTL time.Duration
	now    func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithMaxTTL caps activation windows.
func WithMaxTTL(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.maxTTL = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry builds a registry.
func NewRegistry(store Store, sink Appender, opts ...Option) *Registry {
	r := &Registry{store: store, audit: sink, maxTTL: DefaultMaxTTL, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// MaxTTL reports the configured cap.
func (r *Registry) MaxTTL() time.Duration { return r.maxTTL }

func (r *Registry) clock() time.Time { return r.now().UTC().Truncate(time.Microsecond) }

func grantContext(g Grant, extra map[string]any) map[string]any {
	m := map[string]any{
		"grant_id":     g.ID,
		"reason":       g.Reason,
		"activated_at": g.ActivatedAt,
		"expires_at":   g.ExpiresAt,
		"ttl_seconds":  int64(g.TTL() / time.Second),
	}
	for k, v := range extra {
		m[k] = v
	}
	return m
}

// Activate opens a grant for userID. A zero ttl means the maximum.
func (r *Registry) Activate(ctx context.Context, userID, reason string, ttl time.Duration) (Grant, error) {
	userID = strings.TrimSpace(userID)
	reason = strings.TrimSpace(reason)
	switch {
	case userID == "":
		return Grant{}, authz.Errorf(authz.KindValidation, "user_id is required")
	case reason == "":
		return Grant{}, authz.Errorf(authz.KindValidation, "break-glass reason is required").
			WithRemediation("describe the emergency that justifies access")
	case ttl < 0:
		return Grant{}, authz.Errorf(authz.KindValidation, "ttl must not be negative")
	case ttl > r.maxTTL:
		return Grant{}, authz.Errorf(authz.KindValidation, "ttl %s exceeds maximum %s", ttl, r.maxTTL)
	}
	if ttl == 0 {
		ttl = r.maxTTL
	}
	now := r.clock()
	if cur, err := r.store.Latest(ctx, userID); err == nil && cur.StateAt(now) == StateActive {
		return Grant{}, fmt.Errorf("%w: %s until %s", ErrConflict, cur.ID, cur.ExpiresAt.Format(time.RFC3339))
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return Grant{}, err
	}

	g := Grant{
		ID:          ids.Prefixed("bg"),
		UserID:      userID,
		Reason:      reason,
		ActivatedAt: now,
		ExpiresAt:   now.Add(ttl),
	}
	if err := r.store.Insert(ctx, g); err != nil {
		return Grant{}, err
	}
	if _, err := r.audit.Append(ctx, audit.Record{
		ActorUserID:  userID,
		Action:       "breakglass.activate",
		ResourceType: resourceType,
		ResourceID:   g.ID,
		Decision:     authz.Allow,
		Reason:       reason,
		Context:      grantContext(g, nil),
	}); err != nil {
		// An unaudited grant must not stay usable.
		if _, terr := r.store.Terminate(context.WithoutCancel(ctx), g.ID, "system", now); terr != nil {
			obs.Error("break-glass rollback failed", terr, map[string]any{"grant_id": g.ID})
		}
		return Grant{}, err
	}
	obs.ObserveBreakGlass("activate")
	obs.Warn("break-glass activated", map[string]any{"grant_id": g.ID, "user_id": userID, "expires_at": g.ExpiresAt})
	return g, nil
}

// Get returns a grant by id.
func (r *Registry) Get(ctx context.Context, id string) (Grant, error) {
	return r.store.Get(ctx, id)
}

// Terminate ends a grant early.
func (r *Registry) Terminate(ctx context.Context, id, by string) (Grant, error) {
	cur, err := r.store.Get(ctx, id)
	if err != nil {
		return Grant{}, err
	}
	now := r.clock()
	if cur.StateAt(now) != StateActive {
		return Grant{}, fmt.Errorf("%w: %s is %s", ErrNotActive, id, cur.StateAt(now))
	}
	g, err := r.store.Terminate(ctx, id, by, now)
	if err != nil {
		return Grant{}, err
	}
	if _, err := r.audit.Append(ctx, audit.Record{
		ActorUserID:  by,
		Action:       "breakglass.terminate",
		ResourceType: resourceType,
		ResourceID:   g.ID,
		Decision:     authz.Allow,
		Reason:       "terminated by " + by,
		Context:      grantContext(g, map[string]any{"terminated_at": now, "remaining_seconds": int64(g.ExpiresAt.Sub(now) / time.Second)}),
	}); err != nil {
		return Grant{}, err
	}
	obs.ObserveBreakGlass("terminate")
	return g, nil
}

// Approve records approverID as the second person on an active grant. The
// owner cannot approve their own grant.
func (r *Registry) Approve(ctx context.Context, id, approverID string) (Grant, error) {
	approverID = strings.TrimSpace(approverID)
	if approverID == "" {
		return Grant{}, authz.Errorf(authz.KindValidation, "approver is required")
	}
	cur, err := r.store.Get(ctx, id)
	if err != nil {
		return Grant{}, err
	}
	if cur.UserID == approverID {
		return Grant{}, authz.Errorf(authz.KindPolicyDenied, "grant %s cannot be approved by its owner", id).
			WithRemediation("ask a second clinician to approve")
	}
	now := r.clock()
	if cur.StateAt(now) != StateActive {
		return Grant{}, fmt.Errorf("%w: %s is %s", ErrNotActive, id, cur.StateAt(now))
	}
	g, err := r.store.Approve(ctx, id, approverID, now)
	if err != nil {
		return Grant{}, err
	}
	if _, err := r.audit.Append(ctx, audit.Record{
		ActorUserID:  approverID,
		Action:       "breakglass.approve",
		ResourceType: resourceType,
		ResourceID:   g.ID,
		Decision:     authz.Allow,
		Reason:       "second approval for " + g.UserID,
		Context:      grantContext(g, map[string]any{"approved_by": approverID, "approved_at": now}),
	}); err != nil {
		// An unaudited grant must not stay usable.
		if _, terr := r.store.Terminate(context.WithoutCancel(ctx), g.ID, "system", now); terr != nil {
			obs.Error("break-glass rollback failed", terr, map[string]any{"grant_id": g.ID})
		}
		return Grant{}, err
	}
	obs.ObserveBreakGlass("approve")
	obs.Warn("break-glass approved", map[string]any{"grant_id": g.ID, "user_id": g.UserID, "approved_by": approverID})
	return g, nil
}

// Current returns the latest unterminated grant for userID, which may have
// expired. Observing an expiry for the first time audits it.
func (r *Registry) Current(ctx context.Context, userID string) (Grant, bool, error) {
	g, err := r.store.Latest(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return Grant{}, false, nil
	}
	if err != nil {
		return Grant{}, false, err
	}
	if g.StateAt(r.clock()) == StateExpired && !g.ExpiryAudited {
		if err := r.auditExpiry(ctx, g, "observed at decision time"); err != nil {
			return Grant{}, false, err
		}
		g.ExpiryAudited = true
	}
	return g, true, nil
}

// RecordUse audits an access made under an active grant.
func (r *Registry) RecordUse(ctx context.Context, g Grant, resourceType, resourceID, action string) error {
	_, err := r.audit.Append(ctx, audit.Record{
		ActorUserID:  g.UserID,
		Action:       "breakglass.use",
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Decision:     authz.Allow,
		Reason:       g.Reason,
		Context:      grantContext(g, map[string]any{"action": action}),
	})
	if err == nil {
		obs.ObserveBreakGlass("use")
	}
	return err
}

func (r *Registry) auditExpiry(ctx context.Context, g Grant, how string) error {
	marked, err := r.store.MarkExpiryAudited(ctx, g.ID)
	if err != nil || !marked {
		return err
	}
	if _, err := r.audit.Append(ctx, audit.Record{
		ActorUserID:  g.UserID,
		Action:       "breakglass.expire",
		ResourceType: resourceType,
		ResourceID:   g.ID,
		Decision:     authz.Deny,
		Reason:       "break-glass grant expired; " + how,
		Context:      grantContext(g, nil),
	}); err != nil {
		// Leave the expiry for the next observer or sweep.
		if cerr := r.store.ClearExpiryAudited(context.WithoutCancel(ctx), g.ID); cerr != nil {
			obs.Error("break-glass expiry unmark failed", cerr, map[string]any{"grant_id": g.ID})
		}
		return err
	}
	obs.ObserveBreakGlass("expire")
	return nil
}

// Sweep audits expiries no decision has observed yet.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	grants, err := r.store.ExpiredUnaudited(ctx, r.clock(), sweepBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, g := range grants {
		if err := r.auditExpiry(ctx, g, "found by sweeper"); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Run sweeps every interval until ctx ends.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.Sweep(ctx); err != nil {
				obs.Error("break-glass sweep failed", err, nil)
			} else if n > 0 {
				obs.Info("break-glass expiries audited", map[string]any{"count": n})
			}
		}
	}
}
