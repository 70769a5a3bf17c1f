package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"carecoord.org/internal/authz"
)

// DefaultIssuer is used when no issuer is configured.
const DefaultIssuer = "carecoord"

// ErrInvalidToken indicates the token failed validation.
var ErrInvalidToken = errors.New("invalid token")

// Claims carries the subject attributes the authorization core needs. The
// user id is the registered subject claim.
type Claims struct {
	Role      string          `json:"role"`
	ScopeType authz.ScopeType `json:"scope_type"`
	ScopeID   string          `json:"scope_id"`
	Purpose   string          `json:"purpose,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller.
type Principal struct {
	UserID    string          `json:"user_id"`
	Role      string          `json:"role"`
	ScopeType authz.ScopeType `json:"scope_type"`
	ScopeID   string          `json:"scope_id"`
	Purpose   string          `json:"purpose,omitempty"`
}

// Subject projects the principal onto the policy subject.
func (p Principal) Subject() authz.Subject {
	return authz.Subject{Role: p.Role, ScopeType: p.ScopeType, ScopeID: p.ScopeID}
}

// Validate checks the fields every principal must carry.
func (p Principal) Validate() error {
	switch {
	case strings.TrimSpace(p.UserID) == "":
		return errors.New("user id is required")
	case strings.TrimSpace(p.Role) == "":
		return errors.New("role is required")
	case strings.TrimSpace(p.ScopeID) == "" && p.ScopeType != authz.ScopeGlobal:
		return errors.New("scope id is required")
	case p.ScopeType != "" && !p.ScopeType.Valid():
		return fmt.Errorf("unknown scope type %q", p.ScopeType)
	}
	return nil
}

// Tokens issues and verifies HS256 bearer tokens.
type Tokens struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewTokens returns a token codec. An empty secret is a configuration error.
func NewTokens(secret, issuer string) (*Tokens, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth secret is not configured")
	}
	if issuer = strings.TrimSpace(issuer); issuer == "" {
		issuer = DefaultIssuer
	}
	return &Tokens{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// Generate signs a token for p valid for ttl.
func (t *Tokens) Generate(p Principal, ttl time.Duration) (string, time.Time, error) {
	if err := p.Validate(); err != nil {
		return "", time.Time{}, err
	}
	if ttl <= 0 {
		return "", time.Time{}, errors.New("ttl must be greater than zero")
	}
	now := t.now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		Role:      p.Role,
		ScopeType: p.ScopeType,
		ScopeID:   p.ScopeID,
		Purpose:   p.Purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Parse verifies the signature and claims and returns the principal.
func (t *Tokens) Parse(token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(tok *jwt.Token) (any, error) {
		if tok.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now))
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Principal{}, ErrInvalidToken
	}
	if err := t.validateClaims(claims); err != nil {
		return Principal{}, ErrInvalidToken
	}
	p := Principal{
		UserID:    claims.Subject,
		Role:      claims.Role,
		ScopeType: claims.ScopeType,
		ScopeID:   claims.ScopeID,
		Purpose:   claims.Purpose,
	}
	if err := p.Validate(); err != nil {
		return Principal{}, ErrInvalidToken
	}
	return p, nil
}

func (t *Tokens) validateClaims(claims *Claims) error {
	if claims.Issuer != t.issuer {
		return fmt.Errorf("unexpected issuer: %s", claims.Issuer)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	now := t.now().UTC()
	if now.After(claims.ExpiresAt.Time) {
		return errors.New("token expired")
	}
	// Allow a small clock skew of 5 seconds when validating issued-at.
	if claims.IssuedAt.Time.After(now.Add(5 * time.Second)) {
		return errors.New("token issued in the future")
	}
	return nil
}
