// Package access composes context building, policy evaluation and audit into
// the single path every authorization request takes.
package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"carecoord.org/internal/audit"
	"carecoord.org/internal/authz"
	"carecoord.org/internal/breakglass"
	"carecoord.org/internal/identity"
	"carecoord.org/internal/obs"
	"carecoord.org/internal/policy"
	"carecoord.org/internal/resolve"
)

// DefaultTimeout applies when the caller's context carries no deadline.
const DefaultTimeout = 2 * time.Second

// ReasonTimeout is the audited reason for decisions that ran out of time.
const ReasonTimeout = "evaluation_timeout"

// ContextBuilder turns a resource reference into an evaluated context.
type ContextBuilder interface {
	Build(ctx context.Context, req resolve.Request) (authz.Object, authz.Context, error)
}

// BreakGlass is the registry surface the pipeline needs.
type BreakGlass interface {
	resolve.BreakGlassSource
	RecordUse(ctx context.Context, g breakglass.Grant, resourceType, resourceID, action string) error
}

// Request asks whether the authenticated principal may act on a resource.
type Request struct {
	ResourceType string        `json:"resource_type"`
	ResourceID   string        `json:"resource_id"`
	Action       string        `json:"action"`
	Hints        resolve.Hints `json:"hints"`
}

// Outcome is a decision together with the audit entry that recorded it.
type Outcome struct {
	authz.Decision
	AuditID string `json:"audit_id"`
}

// Pipeline runs Context → Policy → Audit for every request.
type Pipeline struct {
	builder ContextBuilder
	engine  *policy.Engine
	audit   *audit.Writer
	bg      BreakGlass
	timeout time.Duration
	now     func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithBreakGlass enables the break-glass overlay for caller-supplied
// contexts and audits every access made under an active grant.
func WithBreakGlass(bg BreakGlass) Option {
	return func(p *Pipeline) { p.bg = bg }
}

// WithTimeout sets the default decision deadline.
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithClock overrides the time source used for grant checks.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// New builds a pipeline.
func New(builder ContextBuilder, engine *policy.Engine, w *audit.Writer, opts ...Option) *Pipeline {
	p := &Pipeline{builder: builder, engine: engine, audit: w, timeout: DefaultTimeout, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Engine exposes the policy engine for status surfaces.
func (p *Pipeline) Engine() *policy.Engine { return p.engine }

func (p *Pipeline) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.timeout)
}

func subjectOf(pr identity.Principal) authz.Subject {
	return authz.Subject{Role: pr.Role, ScopeType: pr.ScopeType, ScopeID: pr.ScopeID}
}

// Authorize builds the context for req on behalf of pr, evaluates it and
// records the decision. A non-nil error means the caller must deny.
func (p *Pipeline) Authorize(ctx context.Context, pr identity.Principal, req Request) (Outcome, error) {
	start := time.Now()
	if err := pr.Validate(); err != nil {
		return Outcome{}, authz.Wrap(authz.KindAuthenticationRequired, err, "invalid principal")
	}
	ctx, cancel := p.withDeadline(ctx)
	defer cancel()

	subject := subjectOf(pr)
	hints := req.Hints
	if hints.Purpose == "" {
		hints.Purpose = pr.Purpose
	}
	rreq := resolve.Request{
		UserID:       pr.UserID,
		Subject:      subject,
		ResourceType: resolve.ResourceType(req.ResourceType),
		ResourceID:   req.ResourceID,
		Action:       req.Action,
		Hints:        hints,
	}
	fallback := authz.Object{Type: req.ResourceType, ID: req.ResourceID}

	obj, c, err := p.builder.Build(ctx, rreq)
	if err != nil {
		if stop, out, terr := p.interrupted(ctx, err, pr.UserID, subject, fallback, req.Action, start); stop {
			return out, terr
		}
		return p.rejectBuild(ctx, pr.UserID, subject, fallback, req.Action, err, start)
	}
	areq := authz.Request{Subject: subject, Object: obj, Action: req.Action, Context: c}
	return p.decide(ctx, pr.UserID, areq, false, start)
}

// Decide evaluates a caller-assembled request. Break-glass and two-person
// fields are always taken from the registry, never from the caller.
func (p *Pipeline) Decide(ctx context.Context, pr identity.Principal, req authz.Request) (Outcome, error) {
	start := time.Now()
	if strings.TrimSpace(pr.UserID) == "" {
		return Outcome{}, authz.Errorf(authz.KindAuthenticationRequired, "authenticated user required")
	}
	ctx, cancel := p.withDeadline(ctx)
	defer cancel()

	req.Context.BG, req.Context.BGExpiresAt, req.Context.BGReason = nil, nil, ""
	req.Context.TwoPersonRule = authz.Bool(false)
	if p.bg != nil {
		g, ok, err := p.bg.Current(ctx, pr.UserID)
		if err != nil {
			if stop, out, terr := p.interrupted(ctx, err, pr.UserID, req.Subject, req.Object, req.Action, start); stop {
				return out, terr
			}
			return Outcome{}, fmt.Errorf("break-glass lookup: %w", err)
		}
		if ok {
			exp := g.ExpiresAt
			req.Context.BG = authz.Bool(true)
			req.Context.BGExpiresAt = &exp
			req.Context.BGReason = g.Reason
			req.Context.TwoPersonRule = authz.Bool(g.SecondApproved())
		}
	}
	return p.decide(ctx, pr.UserID, req, false, start)
}

// Simulate evaluates req with a step trace. The caller may set any context
// field, break-glass included. The run is audited as simulate:<action>.
func (p *Pipeline) Simulate(ctx context.Context, pr identity.Principal, req authz.Request) (Outcome, error) {
	start := time.Now()
	if strings.TrimSpace(pr.UserID) == "" {
		return Outcome{}, authz.Errorf(authz.KindAuthenticationRequired, "authenticated user required")
	}
	ctx, cancel := p.withDeadline(ctx)
	defer cancel()
	return p.decide(ctx, pr.UserID, req, true, start)
}

func (p *Pipeline) decide(ctx context.Context, userID string, req authz.Request, simulate bool, start time.Time) (Outcome, error) {
	var (
		d       authz.Decision
		evalErr error
	)
	if simulate {
		d, evalErr = p.engine.Simulate(req)
	} else {
		d, evalErr = p.engine.Evaluate(req)
	}
	if stop, out, err := p.interrupted(ctx, ctx.Err(), userID, req.Subject, req.Object, req.Action, start); stop {
		return out, err
	}

	action := strings.ToLower(strings.TrimSpace(req.Action))
	if simulate {
		action = audit.SimulatePrefix + action
	}
	entry, err := p.audit.Append(context.WithoutCancel(ctx), audit.Record{
		ActorUserID:   userID,
		Action:        action,
		ResourceType:  req.Object.Type,
		ResourceID:    req.Object.ID,
		Decision:      d.Decision,
		Reason:        d.Reasoning,
		Context:       authz.Snapshot{Subject: req.Subject, Object: req.Object, Action: req.Action, Context: d.ContextSnapshot},
		PolicyVersion: d.PolicyVersion,
	})
	if err != nil {
		p.observe(authz.Deny, authz.KindConfiguration, start)
		return Outcome{}, fmt.Errorf("decision not recorded: %w", err)
	}
	out := Outcome{Decision: d, AuditID: entry.ID}
	if evalErr != nil {
		p.observe(d.Decision, d.Kind, start)
		return out, evalErr
	}

	if !simulate && d.Allowed() && authz.IsTrue(d.ContextSnapshot.BG) && p.bg != nil {
		if g, ok := resolve.BreakGlassGrant(ctx, p.bg, userID, p.now().UTC()); ok {
			if err := p.bg.RecordUse(context.WithoutCancel(ctx), g, req.Object.Type, req.Object.ID, action); err != nil {
				p.observe(authz.Deny, authz.KindConfiguration, start)
				return Outcome{}, fmt.Errorf("break-glass use not recorded: %w", err)
			}
		}
	}
	p.observe(d.Decision, d.Kind, start)
	obs.Info("authz decision", map[string]any{
		"user_id":        userID,
		"action":         action,
		"resource_type":  req.Object.Type,
		"resource_id":    req.Object.ID,
		"decision":       d.Decision,
		"matched_rule":   d.MatchedRule,
		"policy_version": d.PolicyVersion,
		"correlation_id": d.CorrelationID,
		"audit_id":       entry.ID,
	})
	return out, nil
}

// interrupted handles cancellation and deadline expiry. Cancelled requests
// leave no trace; timeouts are recorded as fail-closed denials.
func (p *Pipeline) interrupted(ctx context.Context, err error, userID string, subject authz.Subject, obj authz.Object, action string, start time.Time) (bool, Outcome, error) {
	switch {
	case err == nil:
		return false, Outcome{}, nil
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		p.observe(authz.Deny, "canceled", start)
		return true, Outcome{}, context.Canceled
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
	default:
		return false, Outcome{}, nil
	}

	d := authz.Decision{
		Decision:      authz.Deny,
		MatchedRule:   authz.NoRule,
		Reasoning:     ReasonTimeout,
		PolicyVersion: p.engine.Policies().Version(),
		Timestamp:     p.now().UTC(),
		Kind:          authz.KindEvaluationTimeout,
		Remediation:   "retry the request",
	}
	entry, aerr := p.audit.Append(context.WithoutCancel(ctx), audit.Record{
		ActorUserID:   userID,
		Action:        strings.ToLower(strings.TrimSpace(action)),
		ResourceType:  obj.Type,
		ResourceID:    obj.ID,
		Decision:      authz.Deny,
		Reason:        ReasonTimeout,
		Context:       authz.Snapshot{Subject: subject, Object: obj, Action: action},
		PolicyVersion: d.PolicyVersion,
	})
	p.observe(authz.Deny, authz.KindEvaluationTimeout, start)
	if aerr != nil {
		return true, Outcome{}, fmt.Errorf("decision not recorded: %w", aerr)
	}
	obs.Warn("authz decision timed out", map[string]any{"user_id": userID, "resource_id": obj.ID, "audit_id": entry.ID})
	return true, Outcome{Decision: d, AuditID: entry.ID}, authz.ErrEvaluationTimeout
}

// rejectBuild records a deny for a request whose context could not be built.
func (p *Pipeline) rejectBuild(ctx context.Context, userID string, subject authz.Subject, obj authz.Object, action string, cause error, start time.Time) (Outcome, error) {
	kind := authz.KindOf(cause)
	_, err := p.audit.Append(context.WithoutCancel(ctx), audit.Record{
		ActorUserID:   userID,
		Action:        strings.ToLower(strings.TrimSpace(action)),
		ResourceType:  obj.Type,
		ResourceID:    obj.ID,
		Decision:      authz.Deny,
		Reason:        cause.Error(),
		Context:       authz.Snapshot{Subject: subject, Object: obj, Action: action},
		PolicyVersion: p.engine.Policies().Version(),
	})
	p.observe(authz.Deny, kind, start)
	if err != nil {
		return Outcome{}, fmt.Errorf("decision not recorded: %w", err)
	}
	return Outcome{}, cause
}

func (p *Pipeline) observe(decision authz.Effect, kind authz.Kind, start time.Time) {
	obs.ObserveDecision(string(decision), string(kind), time.Since(start))
}

// ReplayResult compares a recorded decision with a re-run against the policy
// snapshot that produced it.
type ReplayResult struct {
	Entry    audit.Entry    `json:"entry"`
	Replayed authz.Decision `json:"replayed"`
	Matches  bool           `json:"matches"`
}

// Replay re-simulates the decision recorded in entryID.
func (p *Pipeline) Replay(ctx context.Context, entryID string) (ReplayResult, error) {
	rc, err := audit.Reconstruct(ctx, p.audit.Store(), entryID)
	if err != nil {
		return ReplayResult{}, err
	}
	if !rc.IsDecision {
		return ReplayResult{}, authz.Errorf(authz.KindValidation, "audit entry %s does not record a decision", entryID)
	}
	d, err := p.engine.SimulateVersion(rc.PolicyVersion, rc.Snapshot.Request())
	if err != nil && authz.KindOf(err) != authz.KindConfiguration {
		return ReplayResult{}, err
	}
	return ReplayResult{Entry: rc.Entry, Replayed: d, Matches: d.Decision == rc.Entry.Decision}, nil
}
