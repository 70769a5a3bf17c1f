package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"carecoord.org/internal/audit"
	"carecoord.org/internal/authz"
)

func (a *API) verifyAudit(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireRole(w, r, auditorRoles); !ok {
		return
	}
	res, err := audit.Verify(r.Context(), a.Audit.Store())
	if err != nil {
		writeAuthzError(w, r, err)
		return
	}
	if !res.Valid {
		payload := map[string]any{
			"error":   string(authz.KindTamperDetected),
			"message": res.Err().Error(),
			"result":  res,
		}
		if rid := RequestIDFromContext(r.Context()); rid != "" {
			payload["request_id"] = rid
		}
		writeJSON(w, authz.StatusFor(authz.KindTamperDetected), payload)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) timeline(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireRole(w, r, auditorRoles); !ok {
		return
	}
	q := r.URL.Query()
	from, err := queryTime(r, "from")
	if err != nil {
		writeAuthzError(w, r, err)
		return
	}
	to, err := queryTime(r, "to")
	if err != nil {
		writeAuthzError(w, r, err)
		return
	}
	limit, err := parsePositiveInt(q.Get("limit"), 100, 1, 1000)
	if err != nil {
		writeAuthzError(w, r, authz.Wrap(authz.KindValidation, err, "limit"))
		return
	}
	entries, err := audit.Timeline(r.Context(), a.Audit.Store(), q.Get("user_id"), from, to, limit)
	if err != nil {
		writeAuthzError(w, r, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (a *API) auditEntry(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireRole(w, r, auditorRoles); !ok {
		return
	}
	rc, err := audit.Reconstruct(r.Context(), a.Audit.Store(), r.PathValue("id"))
	if err != nil {
		writeAuthzError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

func (a *API) replay(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireRole(w, r, auditorRoles); !ok {
		return
	}
	res, err := a.Pipeline.Replay(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAuthzError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}
