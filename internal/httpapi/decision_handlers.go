package httpapi

import (
	"errors"
	"net/http"
	"os"

	"carecoord.org/internal/access"
	"carecoord.org/internal/audit"
	"carecoord.org/internal/authz"
	"carecoord.org/internal/obs"
	"carecoord.org/internal/policy"
)

// decide evaluates a caller-assembled context. The subject always comes
// from the token.
func (a *API) decide(w http.ResponseWriter, r *http.Request) {
	pr, ok := principal(w, r)
	if !ok {
		return
	}
	var req authz.Request
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	req.Subject = pr.Subject()
	out, err := a.Pipeline.Decide(r.Context(), pr, req)
	if err != nil {
		writeAuthzError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// authorize builds the context server-side from a resource reference.
func (a *API) authorize(w http.ResponseWriter, r *http.Request) {
	pr, ok := principal(w, r)
	if !ok {
		return
	}
	var req access.Request
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	out, err := a.Pipeline.Authorize(r.Context(), pr, req)
	if err != nil {
		writeAuthzError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// simulate runs a what-if evaluation. An empty subject means the caller's.
func (a *API) simulate(w http.ResponseWriter, r *http.Request) {
	pr, ok := principal(w, r)
	if !ok {
		return
	}
	var req authz.Request
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	if req.Subject.Role == "" {
		req.Subject = pr.Subject()
	}
	out, err := a.Pipeline.Simulate(r.Context(), pr, req)
	if err != nil {
		writeAuthzError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type policyStatusResponse struct {
	*policy.Snapshot
	RuleCount int      `json:"rule_count"`
	History   []string `json:"history"`
}

func (a *API) currentPolicy() policyStatusResponse {
	set := a.Pipeline.Engine().Policies()
	snap := set.Current()
	return policyStatusResponse{Snapshot: snap, RuleCount: snap.RuleCount(), History: set.History()}
}

func (a *API) policyStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := principal(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.currentPolicy())
}

func (a *API) policyReload(w http.ResponseWriter, r *http.Request) {
	pr, ok := requireRole(w, r, policyAdminRoles)
	if !ok {
		return
	}
	if a.Reloader == nil {
		writeAuthzError(w, r, authz.Errorf(authz.KindConfiguration, "policy reload is not configured"))
		return
	}
	previous := a.Pipeline.Engine().Policies().Version()
	snap, changed, err := a.Reloader.Reload(r.Context())
	switch {
	case errors.Is(err, policy.ErrNoPolicyFile), errors.Is(err, os.ErrNotExist):
		writeAuthzError(w, r, authz.Wrap(authz.KindConfiguration, err, "policy file unavailable"))
		return
	case err != nil:
		writeAuthzError(w, r, authz.Wrap(authz.KindValidation, err, "policy document rejected").
			WithRemediation("fix the policy file; the previous version stays active"))
		return
	}
	if changed && a.Audit != nil {
		if _, err := a.Audit.Append(r.Context(), audit.Record{
			ActorUserID:   pr.UserID,
			Action:        "policy.reload",
			ResourceType:  "Policy",
			ResourceID:    snap.Version,
			Decision:      authz.Allow,
			Reason:        "policy replaced via admin endpoint",
			Context:       map[string]any{"previous_version": previous, "digest": snap.Digest, "label": snap.Label},
			PolicyVersion: snap.Version,
		}); err != nil {
			obs.Error("policy reload not audited", err, map[string]any{"policy_version": snap.Version})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reloaded":         changed,
		"policy_version":   snap.Version,
		"previous_version": previous,
		"label":            snap.Label,
	})
}
