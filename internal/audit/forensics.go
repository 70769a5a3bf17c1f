package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"carecoord.org/internal/authz"
)

// SimulatePrefix marks entries written by simulations.
const SimulatePrefix = "simulate:"

// Timeline returns the entries acted by userID between from and to, in chain
// order. Zero bounds are open.
func Timeline(ctx context.Context, store Store, userID string, from, to time.Time, limit int) ([]Entry, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, authz.Errorf(authz.KindValidation, "user_id is required")
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return nil, authz.Errorf(authz.KindValidation, "timeline range ends before it starts")
	}
	return store.List(ctx, Filter{ActorUserID: userID, From: from, To: to, Limit: limit})
}

// Reconstruction is what an entry tells us about the decision it recorded.
type Reconstruction struct {
	Entry         Entry          `json:"entry"`
	PolicyVersion string         `json:"policy_version"`
	Snapshot      authz.Snapshot `json:"snapshot"`
	IsDecision    bool           `json:"is_decision"`
	Simulated     bool           `json:"simulated"`
}

// Reconstruct loads entryID and decodes its stored decision snapshot.
// Entries that were not decisions return IsDecision=false.
func Reconstruct(ctx context.Context, store Store, entryID string) (Reconstruction, error) {
	e, err := store.Get(ctx, entryID)
	if errors.Is(err, ErrNotFound) {
		return Reconstruction{}, authz.Wrap(authz.KindResourceNotFound, err, "audit entry "+entryID)
	}
	if err != nil {
		return Reconstruction{}, fmt.Errorf("reconstruct %s: %w", entryID, err)
	}
	rc := Reconstruction{
		Entry:         e,
		PolicyVersion: e.PolicyVersion,
		Simulated:     strings.HasPrefix(e.Action, SimulatePrefix),
	}
	var snap authz.Snapshot
	if err := json.Unmarshal(e.Context, &snap); err == nil && snap.Subject.Role != "" && snap.Action != "" {
		rc.Snapshot = snap
		rc.IsDecision = true
	}
	return rc, nil
}
