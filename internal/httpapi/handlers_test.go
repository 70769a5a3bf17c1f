package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"carecoord.org/internal/access"
	"carecoord.org/internal/audit"
	"carecoord.org/internal/authz"
	"carecoord.org/internal/availability"
	"carecoord.org/internal/breakglass"
	"carecoord.org/internal/consent"
	"carecoord.org/internal/identity"
	"carecoord.org/internal/policy"
	"carecoord.org/internal/resolve"
	"carecoord.org/internal/stream"
)

const testSecret = "httpapi-test-secret-0123456789abcdef"

type apiClient struct {
	t        *testing.T
	server   *httptest.Server
	client   *http.Client
	tokens   *identity.Tokens
	policies *policy.ActivePolicySet
	chain    *audit.MemoryStore
}

var (
	caseManager = identity.Principal{UserID: "user_cm", Role: "CaseManager", ScopeType: authz.ScopeOrg, ScopeID: "org_456", Purpose: "care"}
	locManager  = identity.Principal{UserID: "user_lm", Role: "LocationManager", ScopeType: authz.ScopeOrg, ScopeID: "org_456"}
	auditor     = identity.Principal{UserID: "user_aud", Role: "OversightAuditor", ScopeType: authz.ScopeGlobal, Purpose: "oversight"}
	outsider    = identity.Principal{UserID: "user_far", Role: "CaseManager", ScopeType: authz.ScopeOrg, ScopeID: "org_far"}
	coordinator = identity.Principal{UserID: "user_cc", Role: "CareCoordinator", ScopeType: authz.ScopeOrg, ScopeID: "org_456", Purpose: "care"}
	curator     = identity.Principal{UserID: "user_cur", Role: "Curator", ScopeType: authz.ScopeOrg, ScopeID: "org_456"}
)

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()
	ctx := context.Background()

	dir := resolve.NewMemoryDirectory()
	dir.PutOrg(resolve.Org{ID: "org_456"})
	dir.PutOrg(resolve.Org{ID: "org_far"})
	dir.PutLocation(resolve.Location{ID: "loc_1", OrgID: "org_456"})
	dir.PutUser(resolve.User{ID: "user_cm", Kind: resolve.KindStaff, OrgID: "org_456", LocationID: "loc_1"})
	dir.PutUser(resolve.User{ID: "user_lm", Kind: resolve.KindStaff, OrgID: "org_456", LocationID: "loc_1"})
	dir.PutUser(resolve.User{ID: "user_far", Kind: resolve.KindStaff, OrgID: "org_far"})
	dir.PutUser(resolve.User{ID: "user_cc", Kind: resolve.KindStaff, OrgID: "org_456"})
	dir.PutUser(resolve.User{ID: "user_cur", Kind: resolve.KindStaff, OrgID: "org_456"})
	dir.PutUser(resolve.User{ID: "user_aud", Kind: resolve.KindStaff})
	dir.PutClient(resolve.Client{ID: "client_123", OrgID: "org_456", LocationID: "loc_1"})

	consents := consent.NewService(consent.NewMemoryStore())
	for _, g := range []consent.GrantRequest{
		{ClientID: "client_123", ScopeType: consent.ScopePlatform, AllowedPurposes: []string{"care"}, Method: consent.MethodVerbal},
		{ClientID: "client_123", ScopeType: consent.ScopeOrganization, ScopeID: "org_456", AllowedPurposes: []string{"care"}, Method: consent.MethodVerbal},
	} {
		if _, err := consents.Grant(ctx, "staff_1", g); err != nil {
			t.Fatalf("seed consent: %v", err)
		}
	}

	chain := audit.NewMemoryStore()
	feed := stream.New()
	writer := audit.NewWriter(chain, audit.WithPublisher(feed))
	registry := breakglass.NewRegistry(breakglass.NewMemoryStore(), writer)

	set, err := policy.NewActivePolicySet(policy.Default())
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	engine := policy.NewEngine(set)

	avail := availability.NewMemoryStore()
	if err := avail.Put(ctx, availability.Record{ID: "avail_1", LocationID: "loc_1", Type: "shelter_beds", Total: 20, Available: 5, Version: 3}); err != nil {
		t.Fatalf("seed availability: %v", err)
	}

	var ctrl *availability.Controller
	builder := resolve.NewBuilder(registry)
	resolve.RegisterDefaults(builder, resolve.Deps{
		Directory: dir,
		Consent:   consents,
		LocateAvailability: func(ctx context.Context, id string) (string, error) {
			return ctrl.Locate(ctx, id)
		},
	})
	pipeline := access.New(builder, engine, writer, access.WithBreakGlass(registry))
	ctrl = availability.NewController(avail, pipeline, writer)

	tokens, err := identity.NewTokens(testSecret, "")
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}

	api := New(Deps{
		Pipeline:     pipeline,
		Consent:      consents,
		Availability: ctrl,
		BreakGlass:   registry,
		Audit:        writer,
		Stream:       feed,
		Auth:         TokenAuthenticator{Tokens: tokens},
		Version:      "test",
		RateBurst:    1000,
		RatePerSec:   1000,
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{t: t, server: srv, client: srv.Client(), tokens: tokens, policies: set, chain: chain}
}

func (c *apiClient) token(p identity.Principal) string {
	c.t.Helper()
	tok, _, err := c.tokens.Generate(p, time.Hour)
	if err != nil {
		c.t.Fatalf("generate token: %v", err)
	}
	return tok
}

func (c *apiClient) do(method, path string, as *identity.Principal, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			c.t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.server.URL+path, &buf)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if as != nil {
		req.Header.Set("Authorization", "Bearer "+c.token(*as))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		var body bytes.Buffer
		_, _ = body.ReadFrom(resp.Body)
		t.Fatalf("expected %d, got %d: %s", want, resp.StatusCode, body.String())
	}
}

var readClient = map[string]any{"resource_type": "Client", "resource_id": "client_123", "action": "read"}

func TestHealthzReportsPolicyVersion(t *testing.T) {
	api := newTestAPI(t)
	resp := api.do(http.MethodGet, "/healthz", nil, nil, nil)
	expectStatus(t, resp, http.StatusOK)
	body := decode[map[string]any](t, resp)
	if body["policy_version"] != api.policies.Version() {
		t.Fatalf("unexpected policy version: %v", body["policy_version"])
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(http.MethodPost, "/v1/authorize", nil, readClient, nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	body := decode[map[string]any](t, resp)
	if body["error"] != string(authz.KindAuthenticationRequired) {
		t.Fatalf("unexpected error kind: %v", body["error"])
	}

	resp = api.do(http.MethodPost, "/v1/authorize", nil, readClient, map[string]string{"Authorization": "Bearer not-a-token"})
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestAuthorizeAllowsAndAudits(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(http.MethodPost, "/v1/authorize", &caseManager, readClient, nil)
	expectStatus(t, resp, http.StatusOK)
	out := decode[map[string]any](t, resp)
	if out["decision"] != string(authz.Allow) {
		t.Fatalf("expected allow, got %v (%v)", out["decision"], out["reasoning"])
	}
	auditID, _ := out["audit_id"].(string)
	if auditID == "" {
		t.Fatalf("expected audit id")
	}

	resp = api.do(http.MethodGet, "/v1/audit/entries/"+auditID, &auditor, nil, nil)
	expectStatus(t, resp, http.StatusOK)
	rc := decode[map[string]any](t, resp)
	if rc["is_decision"] != true {
		t.Fatalf("expected decision reconstruction: %v", rc)
	}

	resp = api.do(http.MethodGet, "/v1/audit/entries/"+auditID+"/replay", &auditor, nil, nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestAuthorizeDeniesOtherTenant(t *testing.T) {
	api := newTestAPI(t)
	resp := api.do(http.MethodPost, "/v1/authorize", &outsider, readClient, nil)
	expectStatus(t, resp, http.StatusOK)
	out := decode[map[string]any](t, resp)
	if out["decision"] != string(authz.Deny) {
		t.Fatalf("expected deny, got %v", out["decision"])
	}
}

func TestAvailabilityOptimisticConcurrency(t *testing.T) {
	api := newTestAPI(t)
	path := "/v1/availability/avail_1"
	delta := map[string]any{"available_delta": -1}

	resp := api.do(http.MethodGet, path, &locManager, nil, nil)
	expectStatus(t, resp, http.StatusOK)
	if got := resp.Header.Get("ETag"); got != `"3"` {
		t.Fatalf("unexpected etag: %s", got)
	}
	resp.Body.Close()

	resp = api.do(http.MethodPut, path, &locManager, delta, nil)
	expectStatus(t, resp, http.StatusPreconditionRequired)
	resp.Body.Close()

	resp = api.do(http.MethodPut, path, &locManager, delta, map[string]string{"If-Match": "nope"})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.do(http.MethodPut, path, &locManager, delta, map[string]string{"If-Match": `"3"`})
	expectStatus(t, resp, http.StatusOK)
	if got := resp.Header.Get("ETag"); got != `"4"` {
		t.Fatalf("unexpected etag after update: %s", got)
	}
	res := decode[map[string]any](t, resp)
	if res["version"].(float64) != 4 {
		t.Fatalf("unexpected version: %v", res["version"])
	}

	resp = api.do(http.MethodPut, path, &locManager, delta, map[string]string{"If-Match": "3"})
	expectStatus(t, resp, http.StatusConflict)
	body := decode[map[string]any](t, resp)
	if body["error"] != string(authz.KindVersionConflict) {
		t.Fatalf("unexpected error: %v", body["error"])
	}
	if body["current_version"].(float64) != 4 {
		t.Fatalf("unexpected current version: %v", body["current_version"])
	}
}

func TestConsentGrantAndConflict(t *testing.T) {
	api := newTestAPI(t)
	grant := map[string]any{
		"client_id":        "client_123",
		"scope_type":       "location",
		"scope_id":         "loc_1",
		"allowed_purposes": []string{"care"},
		"method":           "signature",
	}

	resp := api.do(http.MethodPost, "/v1/consent", &caseManager, grant, nil)
	expectStatus(t, resp, http.StatusCreated)
	rec := decode[map[string]any](t, resp)
	id, _ := rec["id"].(string)
	if id == "" {
		t.Fatalf("expected consent id")
	}

	resp = api.do(http.MethodPost, "/v1/consent", &caseManager, grant, nil)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = api.do(http.MethodPost, "/v1/consent", &auditor, grant, nil)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.do(http.MethodPost, "/v1/consent/"+id+"/revoke", &caseManager, nil, nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.do(http.MethodPost, "/v1/consent/"+id+"/revoke", &caseManager, nil, nil)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	entries, err := api.chain.List(context.Background(), audit.Filter{ActorUserID: "user_cm"})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	var grants, revokes int
	for _, e := range entries {
		switch e.Action {
		case "consent.grant":
			grants++
		case "consent.revoke":
			revokes++
		}
	}
	if grants != 1 || revokes != 1 {
		t.Fatalf("expected one grant and one revoke audited, got %d/%d", grants, revokes)
	}
}

func TestBreakGlassLifecycle(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(http.MethodPost, "/v1/breakglass", &caseManager, map[string]any{"reason": ""}, nil)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.do(http.MethodPost, "/v1/breakglass", &caseManager, map[string]any{"reason": "client unresponsive at intake", "ttl_seconds": 600}, nil)
	expectStatus(t, resp, http.StatusCreated)
	g := decode[map[string]any](t, resp)
	id, _ := g["id"].(string)
	if id == "" || g["user_id"] != "user_cm" {
		t.Fatalf("unexpected grant: %v", g)
	}

	resp = api.do(http.MethodPost, "/v1/breakglass", &caseManager, map[string]any{"reason": "again"}, nil)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = api.do(http.MethodDelete, "/v1/breakglass/"+id, &outsider, nil, nil)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.do(http.MethodDelete, "/v1/breakglass/"+id, &caseManager, nil, nil)
	expectStatus(t, resp, http.StatusOK)
	ended := decode[map[string]any](t, resp)
	if ended["terminated_by"] != "user_cm" {
		t.Fatalf("unexpected terminated_by: %v", ended["terminated_by"])
	}

	resp = api.do(http.MethodDelete, "/v1/breakglass/"+id, &caseManager, nil, nil)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = api.do(http.MethodDelete, "/v1/breakglass/bg_missing", &caseManager, nil, nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestBreakGlassActivationRequiresClinicalRole(t *testing.T) {
	api := newTestAPI(t)
	body := map[string]any{"reason": "need the client list", "ttl_seconds": 600}

	resp := api.do(http.MethodPost, "/v1/breakglass", &curator, body, nil)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.do(http.MethodPost, "/v1/breakglass", &auditor, body, nil)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	entries, err := api.chain.List(context.Background(), audit.Filter{ActorUserID: "user_cur"})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	for _, e := range entries {
		if e.Action == "breakglass.activate" {
			t.Fatalf("curator activation was recorded: %+v", e)
		}
	}
	if len(entries) == 0 || entries[0].Decision != authz.Deny {
		t.Fatalf("expected the denied activation to be audited, got %+v", entries)
	}

	// the curator still cannot read the client
	resp = api.do(http.MethodPost, "/v1/authorize", &curator, readClient, nil)
	expectStatus(t, resp, http.StatusOK)
	if out := decode[map[string]any](t, resp); out["decision"] != string(authz.Deny) {
		t.Fatalf("expected deny, got %v", out["decision"])
	}
}

func TestBreakGlassWriteNeedsRecordedApproval(t *testing.T) {
	api := newTestAPI(t)
	updateClient := map[string]any{"resource_type": "Client", "resource_id": "client_123", "action": "update"}

	resp := api.do(http.MethodPost, "/v1/breakglass", &caseManager, map[string]any{"reason": "seizure at intake", "ttl_seconds": 600}, nil)
	expectStatus(t, resp, http.StatusCreated)
	g := decode[map[string]any](t, resp)
	id, _ := g["id"].(string)

	forged := map[string]any{"resource_type": "Client", "resource_id": "client_123", "action": "update",
		"hints": map[string]any{"second_approver": "user_cc"}}
	resp = api.do(http.MethodPost, "/v1/authorize", &caseManager, forged, nil)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.do(http.MethodPost, "/v1/authorize", &caseManager, updateClient, nil)
	expectStatus(t, resp, http.StatusOK)
	if out := decode[map[string]any](t, resp); out["decision"] != string(authz.Deny) {
		t.Fatalf("unapproved write allowed: %v", out)
	}

	resp = api.do(http.MethodPost, "/v1/breakglass/"+id+"/approve", &caseManager, nil, nil)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.do(http.MethodPost, "/v1/breakglass/"+id+"/approve", &outsider, nil, nil)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.do(http.MethodPost, "/v1/breakglass/"+id+"/approve", &coordinator, nil, nil)
	expectStatus(t, resp, http.StatusOK)
	if approved := decode[map[string]any](t, resp); approved["approved_by"] != "user_cc" {
		t.Fatalf("unexpected approval: %v", approved)
	}

	resp = api.do(http.MethodPost, "/v1/breakglass/"+id+"/approve", &coordinator, nil, nil)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = api.do(http.MethodPost, "/v1/authorize", &caseManager, updateClient, nil)
	expectStatus(t, resp, http.StatusOK)
	out := decode[map[string]any](t, resp)
	if out["decision"] != string(authz.Allow) || out["matched_rule"] != "client-write-break-glass" {
		t.Fatalf("expected approved break-glass write, got %v", out)
	}
}

func TestConsentChangesDeniedAcrossTenants(t *testing.T) {
	api := newTestAPI(t)
	grant := map[string]any{
		"client_id":        "client_123",
		"scope_type":       "organization",
		"scope_id":         "org_far",
		"allowed_purposes": []string{"care"},
		"method":           "verbal",
	}
	resp := api.do(http.MethodPost, "/v1/consent", &outsider, grant, nil)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.do(http.MethodPost, "/v1/consent", &caseManager, map[string]any{
		"client_id":        "client_123",
		"scope_type":       "location",
		"scope_id":         "loc_1",
		"allowed_purposes": []string{"care"},
		"method":           "signature",
	}, nil)
	expectStatus(t, resp, http.StatusCreated)
	rec := decode[map[string]any](t, resp)
	id, _ := rec["id"].(string)

	resp = api.do(http.MethodPost, "/v1/consent/"+id+"/revoke", &outsider, nil, nil)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.do(http.MethodPost, "/v1/consent/cns_missing/revoke", &outsider, nil, nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	entries, err := api.chain.List(context.Background(), audit.Filter{ActorUserID: "user_far"})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	var denied int
	for _, e := range entries {
		switch e.Action {
		case "consent.grant", "consent.revoke":
			t.Fatalf("cross-tenant consent change recorded: %+v", e)
		case "grant_consent", "revoke_consent":
			if e.Decision != authz.Deny {
				t.Fatalf("expected deny, got %+v", e)
			}
			denied++
		}
	}
	if denied != 2 {
		t.Fatalf("expected two denied decisions audited, got %d", denied)
	}

	// the location consent is still in force
	resp = api.do(http.MethodPost, "/v1/consent/"+id+"/revoke", &caseManager, nil, nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestAuditEndpointsRequireAuditor(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(http.MethodPost, "/v1/authorize", &caseManager, readClient, nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.do(http.MethodGet, "/v1/audit/verify", &caseManager, nil, nil)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.do(http.MethodGet, "/v1/audit/verify", &auditor, nil, nil)
	expectStatus(t, resp, http.StatusOK)
	res := decode[map[string]any](t, resp)
	if res["valid"] != true {
		t.Fatalf("expected valid chain: %v", res)
	}

	q := url.Values{"user_id": {"user_cm"}, "limit": {"10"}}
	resp = api.do(http.MethodGet, "/v1/audit/timeline?"+q.Encode(), &auditor, nil, nil)
	expectStatus(t, resp, http.StatusOK)
	tl := decode[map[string]any](t, resp)
	items, _ := tl["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("expected one timeline entry, got %d", len(items))
	}

	resp = api.do(http.MethodGet, "/v1/audit/timeline?limit=5000&user_id=user_cm", &auditor, nil, nil)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestAuditVerifyDetectsTamper(t *testing.T) {
	api := newTestAPI(t)
	resp := api.do(http.MethodPost, "/v1/authorize", &caseManager, readClient, nil)
	expectStatus(t, resp, http.StatusOK)
	out := decode[map[string]any](t, resp)

	if !api.chain.Tamper(out["audit_id"].(string), func(e *audit.Entry) { e.Reason = "edited" }) {
		t.Fatalf("tamper target missing")
	}
	resp = api.do(http.MethodGet, "/v1/audit/verify", &auditor, nil, nil)
	expectStatus(t, resp, http.StatusConflict)
	body := decode[map[string]any](t, resp)
	if body["error"] != string(authz.KindTamperDetected) {
		t.Fatalf("unexpected error: %v", body["error"])
	}
}

func TestPolicyStatusAndReloadWithoutFile(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(http.MethodGet, "/v1/policy/status", &caseManager, nil, nil)
	expectStatus(t, resp, http.StatusOK)
	st := decode[map[string]any](t, resp)
	if st["policy_version"] != api.policies.Version() {
		t.Fatalf("unexpected status: %v", st)
	}

	resp = api.do(http.MethodPost, "/v1/policy/reload", &caseManager, nil, nil)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	admin := identity.Principal{UserID: "user_admin", Role: "PlatformAdmin", ScopeType: authz.ScopeGlobal}
	resp = api.do(http.MethodPost, "/v1/policy/reload", &admin, nil, nil)
	expectStatus(t, resp, http.StatusInternalServerError)
	body := decode[map[string]any](t, resp)
	if body["error"] != string(authz.KindConfiguration) {
		t.Fatalf("unexpected error: %v", body["error"])
	}
}
