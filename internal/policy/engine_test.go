package policy

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carecoord.org/internal/authz"
)

var fixedNow = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	set, err := NewActivePolicySet(Default(), WithSetClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return NewEngine(set, WithClock(func() time.Time { return fixedNow }))
}

func scenarioA() authz.Request {
	return authz.Request{
		Subject: authz.Subject{Role: "CaseManager", ScopeID: "org_456"},
		Object:  authz.Object{Type: "Client", ID: "client_123", TenantRootID: "org_456"},
		Action:  "read",
		Context: authz.Context{
			Purpose:     "care",
			ConsentOK:   authz.Bool(true),
			ConsentID:   "cns_1",
			ContainsPHI: authz.Bool(true),
			SameOrg:     authz.Bool(true),
		},
	}
}

func TestScenarioAAllowsSameOrgCaseManager(t *testing.T) {
	e := newTestEngine(t)
	d, err := e.Evaluate(scenarioA())
	require.NoError(t, err)

	assert.Equal(t, authz.Allow, d.Decision)
	assert.Equal(t, "client-read-same-org", d.MatchedRule)
	assert.Equal(t, e.Policies().Version(), d.PolicyVersion)
	assert.Equal(t, "org_456", d.ContextSnapshot.TenantRootID)
	assert.Equal(t, d.PolicyVersion, d.ContextSnapshot.PolicyVersion)
	assert.NotEmpty(t, d.CorrelationID)
	assert.Equal(t, fixedNow, d.Timestamp)
	assert.Empty(t, d.EvaluationSteps, "plain evaluation carries no trace")
}

func TestScenarioBDeniesWithoutConsent(t *testing.T) {
	e := newTestEngine(t)
	req := scenarioA()
	req.Context.ConsentOK = authz.Bool(false)
	req.Context.ConsentID = ""
	req.Context.ConsentReason = "no consent on file at organization:org_456 scope"

	d, err := e.Evaluate(req)
	require.NoError(t, err)
	assert.Equal(t, authz.Deny, d.Decision)
	assert.Equal(t, authz.NoRule, d.MatchedRule)
	assert.Contains(t, strings.ToLower(d.Reasoning), "consent")
	assert.Equal(t, authz.KindConsentRequired, d.Kind)
	assert.NotEmpty(t, d.Remediation)
}

func TestExpiredConsentReportsRenewal(t *testing.T) {
	e := newTestEngine(t)
	req := scenarioA()
	req.Context.ConsentOK = authz.Bool(false)
	req.Context.ConsentCode = "expired"

	d, err := e.Evaluate(req)
	require.NoError(t, err)
	assert.Equal(t, authz.KindConsentExpired, d.Kind)
	assert.Equal(t, "renew consent", d.Remediation)
	assert.True(t, errors.Is(d.Err(), authz.ErrConsentExpired))
}

func TestScenarioCExpiredBreakGlassFallsThrough(t *testing.T) {
	e := newTestEngine(t)
	past := fixedNow.Add(-time.Minute)
	req := scenarioA()
	req.Context.BG = authz.Bool(true)
	req.Context.BGExpiresAt = &past
	req.Context.ConsentOK = authz.Bool(false)

	d, err := e.Simulate(req)
	require.NoError(t, err)
	assert.Equal(t, authz.Deny, d.Decision, "expired grant must not allow")
	assert.NotEqual(t, BreakGlassRule, d.MatchedRule)
	require.NotNil(t, d.ContextSnapshot.BG)
	assert.False(t, *d.ContextSnapshot.BG, "snapshot records the grant as inactive")
	assert.Contains(t, d.Reasoning, "break-glass grant expired")
	assert.Contains(t, strings.Join(d.EvaluationSteps, "\n"), "treated inactive")

	// with consent the normal rules still apply
	req.Context.ConsentOK = authz.Bool(true)
	d, err = e.Evaluate(req)
	require.NoError(t, err)
	assert.Equal(t, "client-read-same-org", d.MatchedRule)
}

func TestActiveBreakGlassIsReadOnlyByDefault(t *testing.T) {
	e := newTestEngine(t)
	future := fixedNow.Add(time.Hour)
	req := authz.Request{
		Subject: authz.Subject{Role: "Provider", ScopeID: "org_9"},
		Object:  authz.Object{Type: "Client", ID: "client_123", TenantRootID: "org_456"},
		Action:  "read",
		Context: authz.Context{
			ContainsPHI: authz.Bool(true),
			ConsentOK:   authz.Bool(false),
			BG:          authz.Bool(true),
			BGExpiresAt: &future,
			BGReason:    "unconscious patient in ER",
		},
	}
	d, err := e.Evaluate(req)
	require.NoError(t, err)
	assert.Equal(t, authz.Allow, d.Decision)
	assert.Equal(t, BreakGlassRule, d.MatchedRule)
	assert.Contains(t, d.Reasoning, "unconscious patient")

	req.Action = "update"
	d, err = e.Evaluate(req)
	require.NoError(t, err)
	assert.Equal(t, authz.Deny, d.Decision, "writes need an explicit rule")

	req.Context.TwoPersonRule = authz.Bool(true)
	d, err = e.Evaluate(req)
	require.NoError(t, err)
	assert.Equal(t, authz.Allow, d.Decision)
	assert.Equal(t, "client-write-break-glass", d.MatchedRule)
}

func TestMissingTenantIsConfigurationError(t *testing.T) {
	e := newTestEngine(t)
	req := scenarioA()
	req.Object.TenantRootID = ""

	d, err := e.Evaluate(req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, authz.ErrConfiguration))
	assert.False(t, errors.Is(err, authz.ErrPolicyDenied))
	assert.Equal(t, authz.Deny, d.Decision, "fails closed")
	assert.Equal(t, authz.KindConfiguration, d.Kind)
	assert.Contains(t, d.Reasoning, "tenant_root_id")
}

func TestTenantMismatchIsConfigurationError(t *testing.T) {
	e := newTestEngine(t)
	req := scenarioA()
	req.Context.TenantRootID = "org_other"

	d, err := e.Evaluate(req)
	require.Error(t, err)
	assert.Equal(t, authz.KindConfiguration, authz.KindOf(err))
	assert.Equal(t, authz.Deny, d.Decision)
}

func TestPHIWithoutConsentEvaluationIsConfigurationError(t *testing.T) {
	e := newTestEngine(t)
	req := scenarioA()
	req.Context.ConsentOK = nil

	_, err := e.Evaluate(req)
	assert.Equal(t, authz.KindConfiguration, authz.KindOf(err))
}

func TestEvaluationIsDeterministic(t *testing.T) {
	e := newTestEngine(t)
	req := scenarioA()
	req.Context.CorrelationID = "corr-1"
	for _, consentOK := range []bool{true, false} {
		req.Context.ConsentOK = authz.Bool(consentOK)
		first, err := e.Evaluate(req)
		require.NoError(t, err)
		second, err := e.Evaluate(req)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	}
}

func TestExplicitDenyRule(t *testing.T) {
	e := newTestEngine(t)
	req := authz.Request{
		Subject: authz.Subject{Role: "provider", ScopeID: "org_456"},
		Object:  authz.Object{Type: "note", ID: "note_1", TenantRootID: "org_456"},
		Action:  "READ",
		Context: authz.Context{
			Purpose:         "care",
			ContainsPHI:     authz.Bool(true),
			ConsentOK:       authz.Bool(true),
			ConsentID:       "cns_1",
			IsHelperJournal: authz.Bool(true),
			SelfScope:       authz.Bool(true),
		},
	}
	d, err := e.Evaluate(req)
	require.NoError(t, err)
	assert.Equal(t, authz.Deny, d.Decision)
	assert.Equal(t, "note-helper-journal-provider-deny", d.MatchedRule, "first match wins over the later author rule")
	assert.Equal(t, authz.KindPolicyDenied, d.Kind)
	assert.NotEmpty(t, d.Remediation)
}

func TestSimulateTraceListsSteps(t *testing.T) {
	e := newTestEngine(t)
	d, err := e.Simulate(scenarioA())
	require.NoError(t, err)
	require.NotEmpty(t, d.EvaluationSteps)
	assert.Contains(t, d.EvaluationSteps[0], e.Policies().Version())
	last := d.EvaluationSteps[len(d.EvaluationSteps)-1]
	assert.Equal(t, "client-read-same-org: matched, effect allow", last)
	assert.Contains(t, strings.Join(d.EvaluationSteps, "\n"), "note-helper-journal-provider-deny: object Client not in note")
}

func TestMissingPurposeRemediation(t *testing.T) {
	e := newTestEngine(t)
	req := authz.Request{
		Subject: authz.Subject{Role: "OrgAdmin", ScopeID: "org_1"},
		Object:  authz.Object{Type: "Report", ID: "r1", TenantRootID: "org_1"},
		Action:  "generate",
		Context: authz.Context{Deidentified: authz.Bool(true)},
	}
	d, err := e.Evaluate(req)
	require.NoError(t, err)
	assert.Equal(t, authz.Deny, d.Decision)
	assert.Equal(t, "supply purpose-of-use", d.Remediation)

	req.Context.Purpose = "oversight"
	d, err = e.Evaluate(req)
	require.NoError(t, err)
	assert.Equal(t, "report-deidentified-oversight", d.MatchedRule)
}

func TestSimulateVersionUsesRetainedSnapshot(t *testing.T) {
	e := newTestEngine(t)
	first := e.Policies().Version()

	src, err := LoadBytes([]byte(`
label: lockdown
rules:
  - id: deny-all
    effect: deny
    roles: ["*"]
    objects: ["*"]
    actions: ["*"]
`), "test")
	require.NoError(t, err)
	_, err = e.Policies().Replace(src)
	require.NoError(t, err)

	d, err := e.Evaluate(scenarioA())
	require.NoError(t, err)
	assert.Equal(t, "deny-all", d.MatchedRule)

	d, err = e.SimulateVersion(first, scenarioA())
	require.NoError(t, err)
	assert.Equal(t, "client-read-same-org", d.MatchedRule)
	assert.Equal(t, first, d.PolicyVersion)

	_, err = e.SimulateVersion("v99-unknown", scenarioA())
	assert.True(t, errors.Is(err, authz.ErrResourceNotFound))
}
