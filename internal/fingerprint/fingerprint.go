// Package fingerprint derives salted, non-reversible client identifiers used
// to correlate duplicate client records across organizations without sharing
// the identifying fields themselves.
package fingerprint

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"
	"unicode"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters. Changing any of them changes every fingerprint.
const (
	argonTime    = 1
	argonMemory  = 32 * 1024
	argonThreads = 2
	argonKeyLen  = 24
	prefix       = "fp1_"
	minSaltBytes = 16
)

// ErrInsufficientIdentity means too few identity fields were supplied to
// produce a useful fingerprint.
var ErrInsufficientIdentity = errors.New("fingerprint: insufficient identity fields")

// Identity is the subset of client demographics used for matching.
type Identity struct {
	GivenName  string
	FamilyName string
	BirthDate  time.Time
	Phone      string
}

// Hasher computes fingerprints under a deployment-wide salt.
type Hasher struct {
	salt []byte
}

// NewHasher returns a hasher. The salt must be at least 16 bytes.
func NewHasher(salt string) (*Hasher, error) {
	if len(salt) < minSaltBytes {
		return nil, errors.New("fingerprint: salt must be at least 16 bytes")
	}
	return &Hasher{salt: []byte(salt)}, nil
}

// Fingerprint hashes the normalised identity. Equal people produce equal
// fingerprints regardless of case, punctuation or phone formatting.
func (h *Hasher) Fingerprint(id Identity) (string, error) {
	given := normalizeName(id.GivenName)
	family := normalizeName(id.FamilyName)
	if family == "" || (given == "" && id.BirthDate.IsZero()) {
		return "", ErrInsufficientIdentity
	}
	parts := []string{given, family, "", normalizePhone(id.Phone)}
	if !id.BirthDate.IsZero() {
		parts[2] = id.BirthDate.UTC().Format("2006-01-02")
	}
	key := argon2.IDKey([]byte(strings.Join(parts, "\x1f")), h.salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return prefix + base64.RawURLEncoding.EncodeToString(key), nil
}

func normalizeName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func normalizePhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) > 10 {
		digits = digits[len(digits)-10:]
	}
	return digits
}
