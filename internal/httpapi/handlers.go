package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"carecoord.org/internal/access"
	"carecoord.org/internal/audit"
	"carecoord.org/internal/authz"
	"carecoord.org/internal/availability"
	"carecoord.org/internal/breakglass"
	"carecoord.org/internal/consent"
	"carecoord.org/internal/obs"
	"carecoord.org/internal/policy"
	"carecoord.org/internal/stream"
)

const serviceName = "carecoord-authz"

// ReadyProbe is a simple readiness check (for example, a database ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Deps are the collaborators the HTTP layer dispatches to. Reloader, Stream
// and Auth are optional.
type Deps struct {
	Pipeline     *access.Pipeline
	Reloader     *policy.Reloader
	Consent      *consent.Service
	Availability *availability.Controller
	BreakGlass   *breakglass.Registry
	Audit        *audit.Writer
	Stream       *stream.Stream
	Auth         Authenticator
	Readiness    readinessChecker
	Version      string
	RateBurst    int
	RatePerSec   float64
}

// API is the HTTP layer.
type API struct {
	mux *http.ServeMux
	Deps
}

func New(d Deps) *API {
	if d.Readiness == nil {
		d.Readiness = ReadyProbe{}
	}
	if d.RateBurst <= 0 {
		d.RateBurst = 100
	}
	if d.RatePerSec <= 0 {
		d.RatePerSec = 50
	}
	a := &API{mux: http.NewServeMux(), Deps: d}

	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("GET /v1/policy/status", a.policyStatus)
	a.mux.HandleFunc("POST /v1/policy/reload", a.policyReload)

	a.mux.HandleFunc("POST /v1/decisions", a.decide)
	a.mux.HandleFunc("POST /v1/authorize", a.authorize)
	a.mux.HandleFunc("POST /v1/simulate", a.simulate)

	a.mux.HandleFunc("POST /v1/consent/evaluate", a.evaluateConsent)
	a.mux.HandleFunc("POST /v1/consent", a.grantConsent)
	a.mux.HandleFunc("POST /v1/consent/{id}/revoke", a.revokeConsent)

	a.mux.HandleFunc("GET /v1/availability/{id}", a.getAvailability)
	a.mux.HandleFunc("PUT /v1/availability/{id}", a.updateAvailability)

	a.mux.HandleFunc("POST /v1/breakglass", a.activateBreakGlass)
	a.mux.HandleFunc("POST /v1/breakglass/{id}/approve", a.approveBreakGlass)
	a.mux.HandleFunc("DELETE /v1/breakglass/{id}", a.terminateBreakGlass)

	a.mux.HandleFunc("GET /v1/audit/verify", a.verifyAudit)
	a.mux.HandleFunc("GET /v1/audit/timeline", a.timeline)
	a.mux.HandleFunc("GET /v1/audit/entries/{id}", a.auditEntry)
	a.mux.HandleFunc("GET /v1/audit/entries/{id}/replay", a.replay)
	a.mux.HandleFunc("GET /v1/audit/stream", a.streamAudit)

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = RateLimit(h, a.RateBurst, a.RatePerSec)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) policyVersion() string {
	if a.Pipeline == nil {
		return ""
	}
	return a.Pipeline.Engine().Policies().Version()
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"service":        serviceName,
		"version":        a.Version,
		"policy_version": a.policyVersion(),
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.Readiness.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":           serviceName,
		"time":           time.Now().UTC().Format(time.RFC3339),
		"version":        a.Version,
		"policy_version": a.policyVersion(),
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// writeAuthzError renders a classified error. Unclassified errors are
// internal and their text is not echoed.
func writeAuthzError(w http.ResponseWriter, r *http.Request, err error) {
	kind := authz.KindOf(err)
	if kind == "" {
		obs.Error("request failed", err, map[string]any{"path": r.URL.Path, "request_id": RequestIDFromContext(r.Context())})
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	payload := map[string]any{
		"error":   string(kind),
		"message": err.Error(),
	}
	if hint := authz.RemediationOf(err); hint != "" {
		payload["remediation"] = hint
	}
	var conflict *availability.ConflictError
	if errors.As(err, &conflict) {
		payload["current_version"] = conflict.Current
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, authz.StatusFor(kind), payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func badRequest(w http.ResponseWriter, r *http.Request, err error) {
	writeAuthzError(w, r, authz.Wrap(authz.KindValidation, err, "invalid request body"))
}

func queryTime(r *http.Request, key string) (time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, authz.Errorf(authz.KindValidation, "%s must be RFC3339", key)
	}
	return t, nil
}
