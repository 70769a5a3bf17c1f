package audit

import (
	"context"
	"sync"
	"time"

	"carecoord.org/internal/obs"
)

// Anchor is a chain head published outside the database.
type Anchor struct {
	Seq        int64     `json:"seq"`
	EntryID    string    `json:"entry_id"`
	RowHash    string    `json:"row_hash"`
	AnchoredAt time.Time `json:"anchored_at"`
}

// Anchorer writes anchors to external storage.
type Anchorer interface {
	Put(ctx context.Context, a Anchor) error
	Get(ctx context.Context, seq int64) (Anchor, error)
}

// AnchorJob publishes the chain head whenever it has moved.
type AnchorJob struct {
	store    Store
	anchorer Anchorer
	now      func() time.Time

	mu   sync.Mutex
	last int64
}

// NewAnchorJob wires a store to an anchorer.
func NewAnchorJob(store Store, anchorer Anchorer) *AnchorJob {
	return &AnchorJob{store: store, anchorer: anchorer, now: time.Now}
}

// RunOnce anchors the current head. It reports false when the head has not
// moved since the last anchor or the chain is empty.
func (j *AnchorJob) RunOnce(ctx context.Context) (Anchor, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	head, err := j.store.Head(ctx)
	if err != nil {
		return Anchor{}, false, err
	}
	if head.Seq == 0 || head.Seq == j.last {
		return Anchor{}, false, nil
	}
	a := Anchor{Seq: head.Seq, EntryID: head.EntryID, RowHash: head.Hash, AnchoredAt: j.now().UTC()}
	if err := j.anchorer.Put(ctx, a); err != nil {
		return Anchor{}, false, err
	}
	j.last = head.Seq
	obs.Info("audit head anchored", map[string]any{"seq": a.Seq, "row_hash": a.RowHash})
	return a, true, nil
}

// Run anchors every interval until ctx ends.
func (j *AnchorJob) Run(ctx context.Context, interval time.Duration) {
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
			if _, _, err := j.RunOnce(ctx); err != nil {
				obs.Error("audit anchor failed", err, nil)
			}
		}
	}
}

// CheckAnchor compares a published anchor with the stored entry at its seq.
func CheckAnchor(ctx context.Context, store Store, a Anchor) (bool, error) {
	batch, err := store.Scan(ctx, a.Seq-1, 1)
	if err != nil {
		return false, err
	}
	if len(batch) == 0 || batch[0].Seq != a.Seq {
		return false, nil
	}
	return batch[0].RowHash == a.RowHash && batch[0].ID == a.EntryID, nil
}
