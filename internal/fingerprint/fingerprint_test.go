package fingerprint

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestFingerprintNormalises(t *testing.T) {
	h, err := NewHasher("0123456789abcdef-salt")
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	dob := time.Date(1980, 2, 3, 0, 0, 0, 0, time.UTC)
	a, err := h.Fingerprint(Identity{GivenName: "Mary-Anne", FamilyName: "O'Neil", BirthDate: dob, Phone: "+1 (555) 010-2030"})
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	b, err := h.Fingerprint(Identity{GivenName: "maryanne", FamilyName: "ONEIL", BirthDate: dob, Phone: "555.010.2030"})
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if a != b {
		t.Fatalf("expected equal fingerprints, got %s and %s", a, b)
	}
	if !strings.HasPrefix(a, prefix) || strings.Contains(strings.ToLower(a), "oneil") {
		t.Fatalf("unexpected fingerprint %s", a)
	}

	c, _ := h.Fingerprint(Identity{GivenName: "Mary-Anne", FamilyName: "O'Neil", BirthDate: dob.AddDate(0, 0, 1)})
	if c == a {
		t.Fatal("different birth dates must differ")
	}
}

func TestSaltSeparatesDeployments(t *testing.T) {
	id := Identity{GivenName: "Sam", FamilyName: "Lee", BirthDate: time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC)}
	h1, _ := NewHasher("deployment-one-salt!")
	h2, _ := NewHasher("deployment-two-salt!")
	a, _ := h1.Fingerprint(id)
	b, _ := h2.Fingerprint(id)
	if a == b {
		t.Fatal("salts must separate fingerprints")
	}
}

func TestInsufficientIdentity(t *testing.T) {
	h, _ := NewHasher("0123456789abcdef")
	if _, err := h.Fingerprint(Identity{GivenName: "Sam"}); !errors.Is(err, ErrInsufficientIdentity) {
		t.Fatalf("expected ErrInsufficientIdentity, got %v", err)
	}
	if _, err := NewHasher("short"); err == nil {
		t.Fatal("expected short salt error")
	}
}
