package consent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestServiceGrantEvaluateRevoke(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: t0}
	svc := NewService(NewMemoryStore(), WithClock(clock.Now))

	rec, err := svc.Grant(ctx, "u_intake", GrantRequest{
		ClientID:        "client_123",
		ScopeType:       ScopeOrganization,
		ScopeID:         "org_456",
		AllowedPurposes: []string{"Care", "care", " qa "},
		Method:          MethodSignature,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"care", "qa"}, rec.AllowedPurposes)

	q := Query{ClientID: "client_123", ScopeType: ScopeOrganization, ScopeID: "org_456", Purpose: "care"}
	clock.now = t0.Add(time.Minute)
	res, err := svc.Evaluate(ctx, q)
	require.NoError(t, err)
	assert.True(t, res.ConsentOK)

	_, err = svc.Grant(ctx, "u_intake", GrantRequest{
		ClientID: "client_123", ScopeType: ScopeOrganization, ScopeID: "org_456",
		AllowedPurposes: []string{"care"}, Method: MethodVerbal,
	})
	assert.ErrorIs(t, err, ErrConflict, "one active record per scope")

	clock.now = t0.Add(time.Hour)
	revoked, err := svc.Revoke(ctx, rec.ID, "u_client")
	require.NoError(t, err)
	require.NotNil(t, revoked.RevokedAt)

	_, err = svc.Revoke(ctx, rec.ID, "u_client")
	assert.ErrorIs(t, err, ErrRevoked)

	past, err := svc.EvaluateAt(ctx, q, t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.True(t, past.ConsentOK, "revocation does not reach back")

	res, err = svc.Evaluate(ctx, q)
	require.NoError(t, err)
	assert.False(t, res.ConsentOK)
	assert.Equal(t, CodeRevoked, res.Code)

	clock.now = t0.Add(2 * time.Hour)
	_, err = svc.Grant(ctx, "u_intake", GrantRequest{
		ClientID: "client_123", ScopeType: ScopeOrganization, ScopeID: "org_456",
		AllowedPurposes: []string{"care"}, Method: MethodVerbal,
	})
	require.NoError(t, err, "a revoked record does not block a new grant")
}

func TestServiceGrantSupersedesExpired(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: t0}
	store := NewMemoryStore()
	svc := NewService(store, WithClock(clock.Now))

	expires := t0.Add(time.Hour)
	first, err := svc.Grant(ctx, "u_intake", GrantRequest{
		ClientID: "client_123", ScopeType: ScopePlatform,
		AllowedPurposes: []string{"care"}, Method: MethodSignature, ExpiresAt: &expires,
	})
	require.NoError(t, err)

	clock.now = t0.Add(3 * time.Hour)
	second, err := svc.Grant(ctx, "u_intake", GrantRequest{
		ClientID: "client_123", ScopeType: ScopePlatform,
		AllowedPurposes: []string{"care"}, Method: MethodSignature,
	})
	require.NoError(t, err)

	old, err := store.Get(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, old.RevokedAt)
	assert.Equal(t, second.GrantedAt, *old.RevokedAt)
	assert.Equal(t, "u_intake", old.RevokedBy)
}

func TestServiceValidation(t *testing.T) {
	svc := NewService(NewMemoryStore())
	_, err := svc.Grant(context.Background(), "u_intake", GrantRequest{ClientID: "c", ScopeType: "tenant"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Evaluate(context.Background(), Query{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Revoke(context.Background(), "missing", "u")
	assert.ErrorIs(t, err, ErrNotFound)
}
