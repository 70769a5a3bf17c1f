package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"carecoord.org/internal/availability"
)

func etag(version int64) string {
	return strconv.Quote(strconv.FormatInt(version, 10))
}

// parseIfMatch accepts "3", W/"3" and a bare 3.
func parseIfMatch(raw string) (int64, bool) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "W/")
	raw = strings.Trim(raw, `"`)
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 1 {
		return 0, false
	}
	return v, true
}

func (a *API) getAvailability(w http.ResponseWriter, r *http.Request) {
	pr, ok := principal(w, r)
	if !ok {
		return
	}
	rec, err := a.Availability.Get(r.Context(), pr, r.PathValue("id"))
	if err != nil {
		writeAuthzError(w, r, err)
		return
	}
	w.Header().Set("ETag", etag(rec.Version))
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) updateAvailability(w http.ResponseWriter, r *http.Request) {
	pr, ok := principal(w, r)
	if !ok {
		return
	}
	raw := r.Header.Get("If-Match")
	if strings.TrimSpace(raw) == "" {
		writeError(w, r, http.StatusPreconditionRequired, "If-Match with the expected version is required")
		return
	}
	expected, ok := parseIfMatch(raw)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "If-Match must carry a positive version")
		return
	}
	var m availability.Mutation
	if err := decodeJSON(w, r, &m); err != nil {
		badRequest(w, r, err)
		return
	}
	res, err := a.Availability.Update(r.Context(), pr, r.PathValue("id"), expected, m)
	if err != nil {
		writeAuthzError(w, r, err)
		return
	}
	w.Header().Set("ETag", etag(res.Version))
	writeJSON(w, http.StatusOK, res)
}
