package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Domain prefixes for state digests.
// Version suffix enables future algorithm migration.
const (
	DomainState    = "ofrenda/state/v1"
	DomainSnapshot = "ofrenda/snapshot/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// MarshalCanonical renders v as RFC 8785 canonical JSON.
func MarshalCanonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return CanonicalizeJSON(raw)
}

// CanonicalizeJSON rewrites an arbitrary JSON document in RFC 8785 form.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// StateDigest identifies a module state by content. Two states with the same
// JSON rendering have the same digest regardless of map iteration order.
func StateDigest(v any) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("StateDigest: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainState, canonical), nil
}

// JSONDigest is StateDigest for an already-encoded document.
func JSONDigest(raw []byte) (string, error) {
	canonical, err := CanonicalizeJSON(raw)
	if err != nil {
		return "", fmt.Errorf("JSONDigest: %w", err)
	}
	return hashWithDomain(DomainState, canonical), nil
}

// SnapshotDigest identifies a compressed snapshot payload.
func SnapshotDigest(data []byte) string {
	return hashWithDomain(DomainSnapshot, data)
}

// MustStateDigest is like StateDigest but panics on error.
// Use only in tests.
func MustStateDigest(v any) string {
	d, err := StateDigest(v)
	if err != nil {
		panic(err)
	}
	return d
}
