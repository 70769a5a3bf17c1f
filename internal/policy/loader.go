package policy

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed default_policy.yaml
var defaultPolicy []byte

// Source is a parsed document together with the digest of its raw bytes.
type Source struct {
	Document Document
	Digest   string
	Origin   string
}

// Parse decodes a YAML (or JSON) rule document. Unknown keys are rejected.
func Parse(data []byte) (Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return Document{}, fmt.Errorf("%w: empty document", ErrInvalidPolicy)
		}
		return Document{}, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	return doc, nil
}

// Digest returns the hex SHA-256 of raw document bytes.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// LoadBytes parses and digests data. The document is compiled once to catch
// errors before anything is swapped in.
func LoadBytes(data []byte, origin string) (Source, error) {
	doc, err := Parse(data)
	if err != nil {
		return Source{}, err
	}
	if _, err := compile(doc); err != nil {
		return Source{}, err
	}
	return Source{Document: doc, Digest: Digest(data), Origin: origin}, nil
}

// LoadFile reads a rule document from disk.
func LoadFile(path string) (Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Source{}, fmt.Errorf("read policy %s: %w", path, err)
	}
	return LoadBytes(data, path)
}

// Default returns the embedded rule document.
func Default() Source {
	src, err := LoadBytes(defaultPolicy, "embedded:default_policy.yaml")
	if err != nil {
		panic(fmt.Sprintf("embedded policy is invalid: %v", err))
	}
	return src
}
