package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"carecoord.org/internal/authz"
)

func testPrincipal() Principal {
	return Principal{UserID: "user_1", Role: "CaseManager", ScopeType: authz.ScopeOrg, ScopeID: "org_456", Purpose: "care"}
}

func TestGenerateAndParse(t *testing.T) {
	tokens, err := NewTokens("secret", "")
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	tok, exp, err := tokens.Generate(testPrincipal(), time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Fatalf("expected future expiry, got %v", exp)
	}
	p, err := tokens.Parse(tok)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p != testPrincipal() {
		t.Fatalf("principal mismatch: %+v", p)
	}
	if p.Subject().ScopeID != "org_456" {
		t.Fatalf("unexpected subject %+v", p.Subject())
	}
}

func TestParseRejectsForeignTokens(t *testing.T) {
	tokens, _ := NewTokens("secret", "carecoord")
	other, _ := NewTokens("other-secret", "carecoord")
	otherIssuer, _ := NewTokens("secret", "someone-else")

	for name, src := range map[string]*Tokens{"wrong secret": other, "wrong issuer": otherIssuer} {
		tok, _, err := src.Generate(testPrincipal(), time.Hour)
		if err != nil {
			t.Fatalf("%s: Generate: %v", name, err)
		}
		if _, err := tokens.Parse(tok); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
	if _, err := tokens.Parse(""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("empty token accepted")
	}
}

func TestParseRejectsExpiredAndUnsignedTokens(t *testing.T) {
	tokens, _ := NewTokens("secret", "")
	tokens.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	tok, _, err := tokens.Generate(testPrincipal(), time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	tokens.now = time.Now
	if _, err := tokens.Parse(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token accepted: %v", err)
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "user_1", "iss": DefaultIssuer})
	raw, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := tokens.Parse(raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("unsigned token accepted")
	}
}

func TestPrincipalValidation(t *testing.T) {
	tokens, _ := NewTokens("secret", "")
	p := testPrincipal()
	p.Role = ""
	if _, _, err := tokens.Generate(p, time.Hour); err == nil {
		t.Fatal("expected role validation error")
	}
	if _, err := NewTokens(" ", ""); err == nil {
		t.Fatal("expected missing secret error")
	}
}

func TestPrincipalContext(t *testing.T) {
	ctx := ContextWithPrincipal(context.Background(), testPrincipal())
	id, ok := UserIDFromContext(ctx)
	if !ok || id != "user_1" {
		t.Fatalf("unexpected user id %q", id)
	}
	if _, ok := PrincipalFromContext(context.Background()); ok {
		t.Fatal("empty context yielded a principal")
	}
}
