package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"strings"
	"time"

	"carecoord.org/internal/authz"
)

var (
	// ErrNotFound indicates the requested entry does not exist.
	ErrNotFound = errors.New("audit entry not found")
	// ErrInvalidRecord indicates an append was rejected before hashing.
	ErrInvalidRecord = errors.New("invalid audit record")
)

// Entry is one row of the append-only chain. Seq is the global total order.
type Entry struct {
	Seq           int64           `json:"seq"`
	ID            string          `json:"id"`
	Timestamp     time.Time       `json:"ts"`
	ActorUserID   string          `json:"actor_user_id"`
	Action        string          `json:"action"`
	ResourceType  string          `json:"resource_type"`
	ResourceID    string          `json:"resource_id"`
	Decision      authz.Effect    `json:"decision"`
	Reason        string          `json:"reason"`
	Context       json.RawMessage `json:"ctx"`
	PolicyVersion string          `json:"policy_version"`
	RowHash       string          `json:"row_hash"`
	PrevHash      string          `json:"prev_hash"`
}

// Record is the caller-supplied part of an entry. Context is marshalled to
// JSON and canonicalised before hashing.
type Record struct {
	ActorUserID   string
	Action        string
	ResourceType  string
	ResourceID    string
	Decision      authz.Effect
	Reason        string
	Context       any
	PolicyVersion string
}

func (r Record) validate() error {
	switch {
	case strings.TrimSpace(r.Action) == "":
		return fmt.Errorf("%w: action is required", ErrInvalidRecord)
	case strings.TrimSpace(r.ResourceType) == "":
		return fmt.Errorf("%w: resource_type is required", ErrInvalidRecord)
	case r.Decision != authz.Allow && r.Decision != authz.Deny:
		return fmt.Errorf("%w: decision must be allow or deny", ErrInvalidRecord)
	}
	return nil
}

// HashTimestamp is the exact timestamp text that enters the hash.
func HashTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano)
}

// CanonicalJSON re-encodes raw with sorted object keys and no insignificant
// whitespace. Numbers keep their literal text. Empty input becomes {}.
func CanonicalJSON(raw []byte) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("{}"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonical ctx: %w", err)
	}
	if dec.More() {
		return nil, errors.New("canonical ctx: trailing data")
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonical ctx: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func marshalContext(v any) (json.RawMessage, error) {
	var raw []byte
	switch t := v.(type) {
	case nil:
		raw = nil
	case json.RawMessage:
		raw = t
	case []byte:
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: ctx: %v", ErrInvalidRecord, err)
		}
		raw = b
	}
	return CanonicalJSON(raw)
}

func writeField(h hash.Hash, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}

// ComputeHash returns the hex SHA-256 over the length-prefixed entry fields,
// ending with the previous row's hash.
func ComputeHash(e Entry) (string, error) {
	ctx, err := CanonicalJSON(e.Context)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	for _, f := range []string{
		e.ID,
		HashTimestamp(e.Timestamp),
		e.ActorUserID,
		e.Action,
		e.ResourceType,
		e.ResourceID,
		string(e.Decision),
		e.Reason,
		string(ctx),
		e.PolicyVersion,
		e.PrevHash,
	} {
		writeField(h, f)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
