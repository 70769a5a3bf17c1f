package audit

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memAnchors struct {
	mu   sync.Mutex
	puts map[int64]Anchor
}

func (m *memAnchors) Put(_ context.Context, a Anchor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.puts == nil {
		m.puts = make(map[int64]Anchor)
	}
	m.puts[a.Seq] = a
	return nil
}

func (m *memAnchors) Get(_ context.Context, seq int64) (Anchor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts[seq], nil
}

func TestAnchorJobPublishesMovedHeads(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	sink := &memAnchors{}
	job := NewAnchorJob(store, sink)

	_, moved, err := job.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, moved, "empty chain has nothing to anchor")

	w := NewWriter(store)
	e, err := w.Append(ctx, decisionRecord("user_1", "read"))
	require.NoError(t, err)

	a, moved, err := job.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, moved)
	assert.Equal(t, e.Seq, a.Seq)
	assert.Equal(t, e.RowHash, a.RowHash)

	_, moved, err = job.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, moved, "unchanged head is not re-anchored")

	ok, err := CheckAnchor(ctx, store, a)
	require.NoError(t, err)
	assert.True(t, ok)

	require.True(t, store.Tamper(e.ID, func(x *Entry) { x.RowHash = "forged" }))
	ok, err = CheckAnchor(ctx, store, a)
	require.NoError(t, err)
	assert.False(t, ok)
}
