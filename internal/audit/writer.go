package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"carecoord.org/internal/ids"
	"carecoord.org/internal/obs"
)

// Publisher receives every committed entry.
type Publisher interface {
	Publish(Entry)
}

// Writer is the single append path into the chain. Appends from this process
// serialize on mu; the store guards against other processes.
type Writer struct {
	store Store
	pub   Publisher
	now   func() time.Time

	mu sync.Mutex
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithPublisher mirrors committed entries to p.
func WithPublisher(p Publisher) WriterOption {
	return func(w *Writer) { w.pub = p }
}

// WithWriterClock overrides the entry timestamp source.
func WithWriterClock(now func() time.Time) WriterOption {
	return func(w *Writer) {
		if now != nil {
			w.now = now
		}
	}
}

// NewWriter builds a writer over store.
func NewWriter(store Store, opts ...WriterOption) *Writer {
	w := &Writer{store: store, now: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Store exposes the underlying store for read paths.
func (w *Writer) Store() Store { return w.store }

// Append hashes rec onto the tail of the chain. A nil error means the entry
// is durable in the store.
func (w *Writer) Append(ctx context.Context, rec Record) (Entry, error) {
	if err := rec.validate(); err != nil {
		obs.ObserveAuditAppend("rejected")
		return Entry{}, err
	}
	ctxJSON, err := marshalContext(rec.Context)
	if err != nil {
		obs.ObserveAuditAppend("rejected")
		return Entry{}, err
	}

	w.mu.Lock()
	entry, err := w.store.AppendChained(ctx, func(prev Head) (Entry, error) {
		ts := w.now().UTC().Truncate(time.Microsecond)
		e := Entry{
			Seq:           prev.Seq + 1,
			ID:            ids.NewAt(ts),
			Timestamp:     ts,
			ActorUserID:   rec.ActorUserID,
			Action:        rec.Action,
			ResourceType:  rec.ResourceType,
			ResourceID:    rec.ResourceID,
			Decision:      rec.Decision,
			Reason:        rec.Reason,
			Context:       ctxJSON,
			PolicyVersion: rec.PolicyVersion,
			PrevHash:      prev.Hash,
		}
		h, err := ComputeHash(e)
		if err != nil {
			return Entry{}, err
		}
		e.RowHash = h
		return e, nil
	})
	w.mu.Unlock()
	if err != nil {
		obs.ObserveAuditAppend("error")
		obs.Error("audit append failed", err, map[string]any{"action": rec.Action, "resource_type": rec.ResourceType})
		return Entry{}, fmt.Errorf("audit append: %w", err)
	}

	obs.ObserveAuditAppend("ok")
	_ = LogEvent(ctx, "audit.append", map[string]any{
		"seq":            entry.Seq,
		"entry_id":       entry.ID,
		"actor_user_id":  entry.ActorUserID,
		"action":         entry.Action,
		"resource_type":  entry.ResourceType,
		"resource_id":    entry.ResourceID,
		"decision":       entry.Decision,
		"reason":         entry.Reason,
		"policy_version": entry.PolicyVersion,
		"row_hash":       entry.RowHash,
	})
	if w.pub != nil {
		w.pub.Publish(entry)
	}
	return entry, nil
}
