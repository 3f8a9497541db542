// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for deterministic hashing. Every hash in the system — author
// attribution, event payload hashes, consumer state commits, audit ids — goes
// through this package so that independently computed digests agree.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshaled with encoding/json so struct tags are respected, then
// transformed into canonical form (sorted keys, no HTML escaping, ES6 number
// formatting).
func JCS(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return canonical, nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical form of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// ShortHash returns the first n hex characters of the canonical hash of v.
// Used for commit ids (12 hex) and audit ids (16 hex).
func ShortHash(v any, n int) (string, error) {
	h, err := CanonicalHash(v)
	if err != nil {
		return "", err
	}
	if n > len(h) {
		n = len(h)
	}
	return h[:n], nil
}

// HashBytes computes the SHA-256 hash of raw bytes as a hex string.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
