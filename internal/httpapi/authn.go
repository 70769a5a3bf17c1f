package httpapi

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	"carecoord.org/internal/access"
	"carecoord.org/internal/authz"
	"carecoord.org/internal/identity"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// Authenticator turns a bearer token into a principal; *identity.Tokens
// satisfies it through TokenAuthenticator.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (identity.Principal, error)
}

// TokenAuthenticator verifies HS256 tokens locally.
type TokenAuthenticator struct {
	Tokens *identity.Tokens
}

func (t TokenAuthenticator) Authenticate(_ context.Context, token string) (identity.Principal, error) {
	return t.Tokens.Parse(token)
}

var publicPaths = []string{
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
}

// Roles allowed on administrative surfaces. Consent and break-glass
// changes are decided by policy instead.
var (
	auditorRoles     = []string{"OversightAuditor", "PlatformAdmin"}
	policyAdminRoles = []string{"PlatformAdmin"}
)

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if a.Auth == nil {
			writeAuthzError(w, r, authz.Errorf(authz.KindConfiguration, "authentication is not configured"))
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeAuthzError(w, r, authz.Wrap(authz.KindAuthenticationRequired, err, "bearer token required"))
			return
		}

		principal, err := a.Auth.Authenticate(r.Context(), token)
		if err != nil {
			if errors.Is(err, identity.ErrInvalidToken) {
				writeAuthzError(w, r, authz.Errorf(authz.KindAuthenticationRequired, "invalid token"))
				return
			}
			writeAuthzError(w, r, err)
			return
		}

		ctx := identity.ContextWithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// principal returns the authenticated caller, writing a 401 when absent.
func principal(w http.ResponseWriter, r *http.Request) (identity.Principal, bool) {
	p, ok := identity.PrincipalFromContext(r.Context())
	if !ok {
		writeAuthzError(w, r, authz.ErrAuthenticationRequired)
		return identity.Principal{}, false
	}
	return p, true
}

// requireRole admits callers holding one of roles.
func requireRole(w http.ResponseWriter, r *http.Request, roles []string) (identity.Principal, bool) {
	p, ok := principal(w, r)
	if !ok {
		return p, false
	}
	if !slices.Contains(roles, p.Role) {
		writeAuthzError(w, r, authz.Errorf(authz.KindPolicyDenied, "role %s may not %s %s", p.Role, r.Method, r.URL.Path))
		return p, false
	}
	return p, true
}

// authorizeAction sends a state-changing action through the decision path,
// so it is evaluated and audited like any other access.
func (a *API) authorizeAction(w http.ResponseWriter, r *http.Request, pr identity.Principal, resourceType, resourceID, action string) bool {
	if a.Pipeline == nil {
		writeAuthzError(w, r, authz.Errorf(authz.KindConfiguration, "decision pipeline is not configured"))
		return false
	}
	out, err := a.Pipeline.Authorize(r.Context(), pr, access.Request{ResourceType: resourceType, ResourceID: resourceID, Action: action})
	if err == nil && !out.Allowed() {
		err = out.Err()
	}
	if err != nil {
		writeAuthzError(w, r, err)
		return false
	}
	return true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	return slices.Contains(publicPaths, path)
}
