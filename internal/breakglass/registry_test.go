package breakglass

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carecoord.org/internal/audit"
	"carecoord.org/internal/authz"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newRegistry(t *testing.T) (*Registry, *audit.MemoryStore, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	as := audit.NewMemoryStore()
	r := NewRegistry(NewMemoryStore(), audit.NewWriter(as), WithMaxTTL(time.Hour), WithClock(c.now))
	return r, as, c
}

func actions(t *testing.T, as *audit.MemoryStore) []string {
	t.Helper()
	entries, err := as.Scan(context.Background(), 0, 0)
	require.NoError(t, err)
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Action
	}
	return out
}

func TestActivateValidates(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()

	_, err := r.Activate(ctx, "user_1", " ", time.Minute)
	assert.Equal(t, authz.KindValidation, authz.KindOf(err))
	_, err = r.Activate(ctx, "user_1", "er", 2*time.Hour)
	assert.Equal(t, authz.KindValidation, authz.KindOf(err))

	g, err := r.Activate(ctx, "user_1", "unconscious patient", 0)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, g.TTL())

	_, err = r.Activate(ctx, "user_1", "again", time.Minute)
	assert.True(t, errors.Is(err, ErrConflict))
}

func TestLifecycleIsAudited(t *testing.T) {
	r, as, c := newRegistry(t)
	ctx := context.Background()

	g, err := r.Activate(ctx, "user_1", "unconscious patient", 30*time.Minute)
	require.NoError(t, err)
	require.NoError(t, r.RecordUse(ctx, g, "Client", "client_123", "read"))

	cur, ok, err := r.Current(ctx, "user_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StateActive, cur.StateAt(c.now()))

	c.advance(31 * time.Minute)
	cur, ok, err = r.Current(ctx, "user_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StateExpired, cur.StateAt(c.now()))
	assert.True(t, cur.ExpiryAudited)

	// observing again and sweeping do not audit twice
	_, _, err = r.Current(ctx, "user_1")
	require.NoError(t, err)
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Equal(t, []string{"breakglass.activate", "breakglass.use", "breakglass.expire"}, actions(t, as))
	res, err := audit.Verify(ctx, as)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestSweepAuditsUnobservedExpiry(t *testing.T) {
	r, as, c := newRegistry(t)
	ctx := context.Background()
	_, err := r.Activate(ctx, "user_1", "fire drill", 10*time.Minute)
	require.NoError(t, err)

	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	c.advance(11 * time.Minute)
	n, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, actions(t, as), "breakglass.expire")

	// a new activation is allowed once the old grant expired
	_, err = r.Activate(ctx, "user_1", "second emergency", time.Minute)
	assert.NoError(t, err)
}

func TestTerminate(t *testing.T) {
	r, as, c := newRegistry(t)
	ctx := context.Background()
	g, err := r.Activate(ctx, "user_1", "unconscious patient", time.Hour)
	require.NoError(t, err)

	c.advance(time.Minute)
	ended, err := r.Terminate(ctx, g.ID, "supervisor_1")
	require.NoError(t, err)
	assert.Equal(t, StateTerminated, ended.StateAt(c.now()))

	_, ok, err := r.Current(ctx, "user_1")
	require.NoError(t, err)
	assert.False(t, ok, "terminated grants no longer overlay decisions")

	_, err = r.Terminate(ctx, g.ID, "supervisor_1")
	assert.True(t, errors.Is(err, ErrNotActive))
	_, err = r.Terminate(ctx, "bg_missing", "supervisor_1")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, []string{"breakglass.activate", "breakglass.terminate"}, actions(t, as))
}

type failingSink struct{}

func (failingSink) Append(context.Context, audit.Record) (audit.Entry, error) {
	return audit.Entry{}, errors.New("disk full")
}

func TestActivateRollsBackWhenAuditFails(t *testing.T) {
	store := NewMemoryStore()
	r := NewRegistry(store, failingSink{})
	_, err := r.Activate(context.Background(), "user_1", "unconscious patient", time.Minute)
	require.Error(t, err)
	_, err = store.Latest(context.Background(), "user_1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

// flakySink fails while down is set and otherwise writes through.
type flakySink struct {
	w    *audit.Writer
	down bool
}

func (f *flakySink) Append(ctx context.Context, rec audit.Record) (audit.Entry, error) {
	if f.down {
		return audit.Entry{}, errors.New("audit unavailable")
	}
	return f.w.Append(ctx, rec)
}

func TestExpiryStaysPendingWhenAuditFails(t *testing.T) {
	c := &clock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	as := audit.NewMemoryStore()
	sink := &flakySink{w: audit.NewWriter(as)}
	store := NewMemoryStore()
	r := NewRegistry(store, sink, WithMaxTTL(time.Hour), WithClock(c.now))
	ctx := context.Background()

	g, err := r.Activate(ctx, "user_1", "fire drill", 10*time.Minute)
	require.NoError(t, err)
	c.advance(11 * time.Minute)

	sink.down = true
	_, err = r.Sweep(ctx)
	require.Error(t, err)
	_, _, err = r.Current(ctx, "user_1")
	require.Error(t, err)
	stored, err := store.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.False(t, stored.ExpiryAudited)

	sink.down = false
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"breakglass.activate", "breakglass.expire"}, actions(t, as))

	n, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestApproveRequiresSecondPerson(t *testing.T) {
	r, as, c := newRegistry(t)
	ctx := context.Background()
	g, err := r.Activate(ctx, "user_1", "unconscious patient", time.Hour)
	require.NoError(t, err)
	assert.False(t, g.SecondApproved())

	_, err = r.Approve(ctx, g.ID, "user_1")
	assert.Equal(t, authz.KindPolicyDenied, authz.KindOf(err))
	_, err = r.Approve(ctx, g.ID, " ")
	assert.Equal(t, authz.KindValidation, authz.KindOf(err))

	c.advance(time.Minute)
	approved, err := r.Approve(ctx, g.ID, "supervisor_1")
	require.NoError(t, err)
	assert.True(t, approved.SecondApproved())
	require.NotNil(t, approved.ApprovedAt)
	assert.Equal(t, c.now(), *approved.ApprovedAt)

	cur, ok, err := r.Current(ctx, "user_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "supervisor_1", cur.ApprovedBy)

	_, err = r.Approve(ctx, g.ID, "supervisor_2")
	assert.True(t, errors.Is(err, ErrApproved))

	c.advance(2 * time.Hour)
	g2, err := r.Activate(ctx, "user_1", "second emergency", time.Minute)
	require.NoError(t, err)
	c.advance(2 * time.Minute)
	_, err = r.Approve(ctx, g2.ID, "supervisor_1")
	assert.True(t, errors.Is(err, ErrNotActive))

	assert.Contains(t, actions(t, as), "breakglass.approve")
}
