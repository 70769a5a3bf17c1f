package audit

import (
	"context"
	"fmt"

	"carecoord.org/internal/authz"
)

// BreakKind names how the chain was found broken.
type BreakKind string

const (
	BreakHashMismatch BreakKind = "hash_mismatch"
	BreakLinkMismatch BreakKind = "link_mismatch"
)

const verifyBatch = 500

// VerificationResult summarises a chain walk.
type VerificationResult struct {
	Valid          bool      `json:"valid"`
	EntriesChecked int       `json:"entries_checked"`
	FirstEntry     string    `json:"first_entry,omitempty"`
	LastEntry      string    `json:"last_entry,omitempty"`
	HeadHash       string    `json:"head_hash,omitempty"`
	BrokenAt       string    `json:"broken_at,omitempty"`
	BrokenSeq      int64     `json:"broken_seq,omitempty"`
	Break          BreakKind `json:"break,omitempty"`
	Detail         string    `json:"detail,omitempty"`
}

// Err returns a TamperDetected error for an invalid result.
func (r VerificationResult) Err() error {
	if r.Valid {
		return nil
	}
	return authz.Errorf(authz.KindTamperDetected, "audit chain broken at entry %s (seq %d): %s", r.BrokenAt, r.BrokenSeq, r.Break).
		WithRemediation("preserve the store and investigate from the first broken entry")
}

// verifier walks entries in sequence order carrying the expected link.
type verifier struct {
	res  VerificationResult
	prev string
}

func (v *verifier) step(e Entry) bool {
	if v.res.EntriesChecked == 0 {
		v.res.FirstEntry = e.ID
	}
	v.res.EntriesChecked++
	v.res.LastEntry = e.ID

	if e.PrevHash != v.prev {
		v.fail(e, BreakLinkMismatch, fmt.Sprintf("prev_hash %s does not match preceding row_hash %s", short(e.PrevHash), short(v.prev)))
		return false
	}
	h, err := ComputeHash(e)
	if err != nil {
		v.fail(e, BreakHashMismatch, err.Error())
		return false
	}
	if h != e.RowHash {
		v.fail(e, BreakHashMismatch, fmt.Sprintf("stored row_hash %s, recomputed %s", short(e.RowHash), short(h)))
		return false
	}
	v.prev = e.RowHash
	v.res.HeadHash = e.RowHash
	return true
}

func (v *verifier) fail(e Entry, kind BreakKind, detail string) {
	v.res.Valid = false
	v.res.BrokenAt = e.ID
	v.res.BrokenSeq = e.Seq
	v.res.Break = kind
	v.res.Detail = detail
}

func short(h string) string {
	if h == "" {
		return "(genesis)"
	}
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// VerifyEntries checks a complete chain held in memory, genesis first.
func VerifyEntries(entries []Entry) VerificationResult {
	v := &verifier{res: VerificationResult{Valid: true}}
	for _, e := range entries {
		if !v.step(e) {
			break
		}
	}
	return v.res
}

// Verify walks the whole stored chain in batches. A broken chain is reported
// in the result, not as an error; the error is reserved for store failures.
func Verify(ctx context.Context, store Store) (VerificationResult, error) {
	v := &verifier{res: VerificationResult{Valid: true}}
	var after int64
	for {
		batch, err := store.Scan(ctx, after, verifyBatch)
		if err != nil {
			return VerificationResult{}, fmt.Errorf("audit verify: %w", err)
		}
		for _, e := range batch {
			if !v.step(e) {
				return v.res, nil
			}
			after = e.Seq
		}
		if len(batch) < verifyBatch {
			return v.res, nil
		}
	}
}
