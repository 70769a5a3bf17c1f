package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"carecoord.org/internal/audit"
	"carecoord.org/internal/authz"
	"carecoord.org/internal/consent"
	"carecoord.org/internal/identity"
	"carecoord.org/internal/obs"
)

const clientResource = "Client"

func (a *API) evaluateConsent(w http.ResponseWriter, r *http.Request) {
	if _, ok := principal(w, r); !ok {
		return
	}
	var q consent.Query
	if err := decodeJSON(w, r, &q); err != nil {
		badRequest(w, r, err)
		return
	}
	res, err := a.Consent.Evaluate(r.Context(), q)
	if err != nil {
		writeAuthzError(w, r, consentError(err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) grantConsent(w http.ResponseWriter, r *http.Request) {
	pr, ok := principal(w, r)
	if !ok {
		return
	}
	var req consent.GrantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	clientID := strings.TrimSpace(req.ClientID)
	if clientID == "" {
		writeAuthzError(w, r, consentError(fmt.Errorf("%w: client_id is required", consent.ErrInvalidInput)))
		return
	}
	if !a.authorizeAction(w, r, pr, clientResource, clientID, "grant_consent") {
		return
	}
	rec, err := a.Consent.Grant(r.Context(), pr.UserID, req)
	if err != nil {
		writeAuthzError(w, r, consentError(err))
		return
	}
	a.auditConsent(r.Context(), pr, "consent.grant", rec)
	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) revokeConsent(w http.ResponseWriter, r *http.Request) {
	pr, ok := principal(w, r)
	if !ok {
		return
	}
	cur, err := a.Consent.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAuthzError(w, r, consentError(err))
		return
	}
	if !a.authorizeAction(w, r, pr, clientResource, cur.ClientID, "revoke_consent") {
		return
	}
	rec, err := a.Consent.Revoke(r.Context(), cur.ID, pr.UserID)
	if err != nil {
		writeAuthzError(w, r, consentError(err))
		return
	}
	a.auditConsent(r.Context(), pr, "consent.revoke", rec)
	writeJSON(w, http.StatusOK, rec)
}

// auditConsent records the committed change. The allow that preceded it is
// already in the chain, so a failed append here is logged rather than
// undoing the change.
func (a *API) auditConsent(ctx context.Context, pr identity.Principal, action string, rec consent.Record) {
	if a.Audit == nil {
		return
	}
	_, err := a.Audit.Append(context.WithoutCancel(ctx), audit.Record{
		ActorUserID:  pr.UserID,
		Action:       action,
		ResourceType: "Consent",
		ResourceID:   rec.ID,
		Decision:     authz.Allow,
		Reason:       string(rec.ScopeType) + " consent for " + rec.ClientID,
		Context: map[string]any{
			"client_id":        rec.ClientID,
			"scope_type":       rec.ScopeType,
			"scope_id":         rec.ScopeID,
			"allowed_purposes": rec.AllowedPurposes,
			"method":           rec.Method,
		},
	})
	if err != nil {
		obs.Error("consent change not audited", err, map[string]any{"consent_id": rec.ID, "action": action})
	}
}

func consentError(err error) error {
	switch {
	case errors.Is(err, consent.ErrInvalidInput):
		return authz.Wrap(authz.KindValidation, err, "invalid consent request")
	case errors.Is(err, consent.ErrNotFound):
		return authz.Wrap(authz.KindResourceNotFound, err, "consent record")
	case errors.Is(err, consent.ErrConflict):
		return authz.Wrap(authz.KindVersionConflict, err, "consent already active for scope").
			WithRemediation("revoke the active consent before recording a new one")
	case errors.Is(err, consent.ErrRevoked):
		return authz.Wrap(authz.KindVersionConflict, err, "consent already revoked")
	}
	return err
}
