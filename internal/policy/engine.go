package policy

import (
	"errors"
	"fmt"
	"time"

	"carecoord.org/internal/authz"
	"carecoord.org/internal/ids"
)

// BreakGlassRule is reported as the matched rule when an active break-glass
// grant permits a read.
const BreakGlassRule = "break-glass"

var readOnlyActions = map[string]bool{
	"read":   true,
	"view":   true,
	"list":   true,
	"search": true,
}

// IsReadOnly reports whether action never mutates state.
func IsReadOnly(action string) bool {
	return readOnlyActions[normalizeToken(action)]
}

// Engine evaluates requests against an ActivePolicySet. Evaluation is pure
// apart from reading the clock and the active snapshot pointer.
type Engine struct {
	set *ActivePolicySet
	now func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock overrides the time source used for break-glass expiry.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine constructs an Engine over set.
func NewEngine(set *ActivePolicySet, opts ...EngineOption) *Engine {
	e := &Engine{set: set, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policies exposes the underlying set for status and reload surfaces.
func (e *Engine) Policies() *ActivePolicySet { return e.set }

// Evaluate decides req against the active snapshot. A non-nil error is a
// configuration error; the returned decision is then a deny.
func (e *Engine) Evaluate(req authz.Request) (authz.Decision, error) {
	return e.run(e.set.Current(), req, false)
}

// Simulate is Evaluate plus an ordered trace of evaluation steps. It never
// changes policy state.
func (e *Engine) Simulate(req authz.Request) (authz.Decision, error) {
	return e.run(e.set.Current(), req, true)
}

// SimulateVersion replays req against a retained snapshot.
func (e *Engine) SimulateVersion(version string, req authz.Request) (authz.Decision, error) {
	snap, ok := e.set.Lookup(version)
	if !ok {
		return authz.Decision{}, authz.Errorf(authz.KindResourceNotFound, "policy version %s is no longer retained", version)
	}
	return e.run(snap, req, true)
}

type trace struct {
	on    bool
	steps []string
}

func (t *trace) addf(format string, args ...any) {
	if t.on {
		t.steps = append(t.steps, fmt.Sprintf(format, args...))
	}
}

func (e *Engine) run(snap *Snapshot, req authz.Request, tracing bool) (authz.Decision, error) {
	now := e.now().UTC()
	req = req.Normalize()
	tr := &trace{on: tracing}
	c := req.Context.Clone()

	d := authz.Decision{
		Decision:      authz.Deny,
		MatchedRule:   authz.NoRule,
		PolicyVersion: snap.Version,
		Timestamp:     now,
	}
	tr.addf("policy %s (%s), %d rules", snap.Version, snap.Label, len(snap.rules))

	if c.TenantRootID == "" && req.Object.TenantRootID != "" {
		c.TenantRootID = req.Object.TenantRootID
		tr.addf("tenant_root_id taken from object: %s", c.TenantRootID)
	}
	c.PolicyVersion = snap.Version
	if c.CorrelationID == "" {
		c.CorrelationID = ids.NewCorrelationID()
	}
	d.CorrelationID = c.CorrelationID

	fail := func(err *authz.Error) (authz.Decision, error) {
		tr.addf("configuration error: %s", err.Message)
		d.Reasoning = "configuration error: " + err.Message
		d.Kind = authz.KindConfiguration
		d.Remediation = err.Remediation
		d.ContextSnapshot = c
		d.EvaluationSteps = tr.steps
		return d, err
	}
	if err := c.Validate(); err != nil {
		var ae *authz.Error
		if !errors.As(err, &ae) {
			ae = authz.Wrap(authz.KindConfiguration, err, "invalid context")
		}
		return fail(ae)
	}
	if req.Object.TenantRootID != "" && req.Object.TenantRootID != c.TenantRootID {
		return fail(authz.Errorf(authz.KindConfiguration,
			"context tenant_root_id %s does not match object tenant %s", c.TenantRootID, req.Object.TenantRootID))
	}

	bgExpired := false
	if authz.IsTrue(c.BG) {
		expires := c.BGExpiresAt.UTC()
		switch {
		case now.After(expires):
			c.BG = authz.Bool(false)
			bgExpired = true
			tr.addf("break-glass expired at %s; treated inactive", expires.Format(time.RFC3339))
		case readOnlyActions[req.Action]:
			tr.addf("break-glass active until %s permits read-only %s", expires.Format(time.RFC3339), req.Action)
			d.Decision = authz.Allow
			d.MatchedRule = BreakGlassRule
			d.Reasoning = fmt.Sprintf("break-glass active until %s (%s)", expires.Format(time.RFC3339), c.BGReason)
			d.ContextSnapshot = c
			d.EvaluationSteps = tr.steps
			return d, nil
		default:
			tr.addf("break-glass active but %s is not read-only; an explicit rule is required", req.Action)
		}
	}
	req.Context = c

	role := normalizeRole(req.Subject.Role)
	object := normalizeToken(req.Object.Type)
	for i := range snap.rules {
		r := &snap.rules[i]
		if !r.roles.match(role) {
			tr.addf("%s: role %s not in %s", r.ID, req.Subject.Role, r.roles)
			continue
		}
		if !r.objects.match(object) {
			tr.addf("%s: object %s not in %s", r.ID, req.Object.Type, r.objects)
			continue
		}
		if !r.actions.match(req.Action) {
			tr.addf("%s: action %s not in %s", r.ID, req.Action, r.actions)
			continue
		}
		failed := -1
		for j := range r.preds {
			if !r.preds[j].eval(&req) {
				failed = j
				break
			}
		}
		if failed >= 0 {
			tr.addf("%s: condition failed: %s", r.ID, r.preds[failed])
			continue
		}
		tr.addf("%s: matched, effect %s", r.ID, r.Effect)
		d.Decision = r.Effect
		d.MatchedRule = r.ID
		d.Reasoning = r.Reason
		if d.Reasoning == "" {
			d.Reasoning = "matched rule " + r.ID
		}
		if r.Effect == authz.Deny {
			d.Kind = authz.KindPolicyDenied
			d.Remediation = r.Remediation
		}
		d.ContextSnapshot = c
		d.EvaluationSteps = tr.steps
		return d, nil
	}

	d.Reasoning, d.Kind, d.Remediation = explainDefaultDeny(req, bgExpired)
	tr.addf("no rule matched: default deny")
	d.ContextSnapshot = c
	d.EvaluationSteps = tr.steps
	return d, nil
}

func explainDefaultDeny(req authz.Request, bgExpired bool) (string, authz.Kind, string) {
	c := req.Context
	var (
		reason string
		kind   = authz.KindPolicyDenied
		hint   string
	)
	switch {
	case authz.IsFalse(c.ConsentOK):
		reason = "no matching rule: consent not established"
		if c.ConsentReason != "" {
			reason += " (" + c.ConsentReason + ")"
		}
		kind = authz.KindConsentRequired
		hint = "obtain client consent covering the declared purpose"
		if c.ConsentCode == "expired" {
			kind = authz.KindConsentExpired
			hint = "renew consent"
		}
	case c.Purpose == "":
		reason = "no matching rule: purpose-of-use not supplied"
		hint = "supply purpose-of-use"
	default:
		reason = fmt.Sprintf("no rule permits %s on %s for role %s", req.Action, req.Object.Type, req.Subject.Role)
		hint = "request access from an administrator of the owning organization"
	}
	if bgExpired {
		reason += "; break-glass grant expired"
	}
	return reason, kind, hint
}
