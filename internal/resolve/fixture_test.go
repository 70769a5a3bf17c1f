package resolve

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"carecoord.org/internal/authz"
	"carecoord.org/internal/breakglass"
	"carecoord.org/internal/consent"
	"carecoord.org/internal/policy"
)

var fixedNow = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	dir     *MemoryDirectory
	consent *consent.Service
	builder *Builder
	engine  *policy.Engine
	bg      *fakeBreakGlass
	avail   map[string]string
}

type fakeBreakGlass struct {
	grant breakglass.Grant
	ok    bool
}

func (f *fakeBreakGlass) Current(context.Context, string) (breakglass.Grant, bool, error) {
	return f.grant, f.ok, nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := func() time.Time { return fixedNow }
	f := &fixture{
		dir:     NewMemoryDirectory(),
		consent: consent.NewService(consent.NewMemoryStore(), consent.WithClock(now)),
		bg:      &fakeBreakGlass{},
		avail:   map[string]string{"avail_1": "loc_1"},
	}
	f.builder = NewBuilder(f.bg)
	RegisterDefaults(f.builder, Deps{
		Directory: f.dir,
		Consent:   f.consent,
		LocateAvailability: func(_ context.Context, id string) (string, error) {
			loc, ok := f.avail[id]
			if !ok {
				return "", ErrNotFound
			}
			return loc, nil
		},
		Now: now,
	})
	set, err := policy.NewActivePolicySet(policy.Default())
	require.NoError(t, err)
	f.engine = policy.NewEngine(set, policy.WithClock(now))

	f.dir.PutOrg(Org{ID: "org_456", Networks: []string{"net_metro"}})
	f.dir.PutOrg(Org{ID: "org_456_east", RootID: "org_456"})
	f.dir.PutOrg(Org{ID: "org_9", Networks: []string{"net_metro"}})
	f.dir.PutOrg(Org{ID: "org_far"})
	f.dir.PutLocation(Location{ID: "loc_1", OrgID: "org_456"})
	f.dir.PutUser(User{ID: "user_cm", Kind: KindStaff, OrgID: "org_456", LocationID: "loc_1"})
	f.dir.PutUser(User{ID: "user_prov9", Kind: KindStaff, OrgID: "org_9"})
	f.dir.PutUser(User{ID: "user_helper", Kind: KindHelper})
	f.dir.PutUser(User{ID: "user_far", Kind: KindStaff, OrgID: "org_far"})
	f.dir.PutClient(Client{ID: "client_123", OrgID: "org_456", LocationID: "loc_1", GivenName: "Ana", FamilyName: "Diaz"})
	return f
}

func (f *fixture) grant(t *testing.T, scope consent.ScopeType, scopeID string, purposes ...string) consent.Record {
	t.Helper()
	rec, err := f.consent.Grant(context.Background(), "staff_1", consent.GrantRequest{
		ClientID:        "client_123",
		ScopeType:       scope,
		ScopeID:         scopeID,
		AllowedPurposes: purposes,
		Method:          consent.MethodSignature,
	})
	require.NoError(t, err)
	return rec
}

func subject(role, scopeID string) authz.Subject {
	return authz.Subject{Role: role, ScopeType: authz.ScopeOrg, ScopeID: scopeID}
}

func (f *fixture) decide(t *testing.T, req Request) (authz.Context, authz.Decision) {
	t.Helper()
	obj, c, err := f.builder.Build(context.Background(), req)
	require.NoError(t, err)
	d, err := f.engine.Evaluate(authz.Request{Subject: req.Subject, Object: obj, Action: req.Action, Context: c})
	require.NoError(t, err)
	return c, d
}
