package httpapi

import (
	"errors"
	"net/http"
	"slices"
	"time"

	"carecoord.org/internal/authz"
	"carecoord.org/internal/breakglass"
)

const breakGlassResource = "BreakGlass"

type activateRequest struct {
	Reason     string `json:"reason"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
}

// activateBreakGlass opens an emergency grant for the caller only, once
// policy admits the caller's role.
func (a *API) activateBreakGlass(w http.ResponseWriter, r *http.Request) {
	pr, ok := principal(w, r)
	if !ok {
		return
	}
	var req activateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	if !a.authorizeAction(w, r, pr, breakGlassResource, pr.UserID, "activate") {
		return
	}
	g, err := a.BreakGlass.Activate(r.Context(), pr.UserID, req.Reason, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeAuthzError(w, r, breakGlassError(err))
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

// approveBreakGlass records the caller as second approver of another
// user's active grant.
func (a *API) approveBreakGlass(w http.ResponseWriter, r *http.Request) {
	pr, ok := principal(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	g, err := a.BreakGlass.Get(r.Context(), id)
	if err != nil {
		writeAuthzError(w, r, breakGlassError(err))
		return
	}
	if g.UserID == pr.UserID {
		writeAuthzError(w, r, authz.Errorf(authz.KindPolicyDenied, "grant %s cannot be approved by its owner", id).
			WithRemediation("ask a second clinician to approve"))
		return
	}
	if !a.authorizeAction(w, r, pr, breakGlassResource, g.UserID, "approve") {
		return
	}
	g, err = a.BreakGlass.Approve(r.Context(), id, pr.UserID)
	if err != nil {
		writeAuthzError(w, r, breakGlassError(err))
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// terminateBreakGlass ends a grant. Owners end their own; platform admins
// may end any.
func (a *API) terminateBreakGlass(w http.ResponseWriter, r *http.Request) {
	pr, ok := principal(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	g, err := a.BreakGlass.Get(r.Context(), id)
	if err != nil {
		writeAuthzError(w, r, breakGlassError(err))
		return
	}
	if g.UserID != pr.UserID && !slices.Contains(policyAdminRoles, pr.Role) {
		writeAuthzError(w, r, authz.Errorf(authz.KindPolicyDenied, "grant %s belongs to another user", id))
		return
	}
	g, err = a.BreakGlass.Terminate(r.Context(), id, pr.UserID)
	if err != nil {
		writeAuthzError(w, r, breakGlassError(err))
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func breakGlassError(err error) error {
	switch {
	case errors.Is(err, breakglass.ErrNotFound):
		return authz.Wrap(authz.KindResourceNotFound, err, "break-glass grant")
	case errors.Is(err, breakglass.ErrConflict):
		return authz.Wrap(authz.KindVersionConflict, err, "break-glass already active").
			WithRemediation("terminate the active grant or wait for it to expire")
	case errors.Is(err, breakglass.ErrNotActive):
		return authz.Wrap(authz.KindVersionConflict, err, "break-glass grant is not active")
	case errors.Is(err, breakglass.ErrApproved):
		return authz.Wrap(authz.KindVersionConflict, err, "break-glass grant already approved")
	}
	return err
}
