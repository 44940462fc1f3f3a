// Package sampling implements the deterministic human-review sampling
// policy. Review assignment must be reproducible and auditable: the same
// seed and key always yield the same decision, across processes and
// restarts, so an auditor can re-derive exactly which actions were
// selected for oversight.
package sampling

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/text/unicode/norm"
)

// Risk classifies an action for review-rate selection.
type Risk string

const (
	RiskLow    Risk = "LOW"
	RiskMedium Risk = "MEDIUM"
	RiskHigh   Risk = "HIGH"
)

// Buckets spans [0, 9999]; rates are expressed in basis points against it.
const buckets = 10000

// Policy holds the per-risk sampling rates in basis points.
type Policy struct {
	Seed    string
	RateBps map[Risk]int
}

// DefaultPolicy reviews nothing at low risk, a thin slice at medium, and
// everything at high.
func DefaultPolicy(seed string) Policy {
	return Policy{
		Seed: seed,
		RateBps: map[Risk]int{
			RiskLow:    0,
			RiskMedium: 500,
			RiskHigh:   10000,
		},
	}
}

// ShouldSample decides whether the action identified by key is selected
// for human review at the policy's rate for risk.
func (p Policy) ShouldSample(key string, risk Risk) bool {
	return ShouldSample(p.Seed, key, p.RateBps[risk])
}

// ShouldSample hashes seed || ":" || key, takes the first 16 bits
// big-endian, reduces modulo 10000 and samples iff the bucket falls
// below rateBps.
//
// Hard bounds are checked before any hashing: a rate at or below 0 never
// samples and a rate at or above 10000 always samples. Between the
// bounds, an empty or whitespace-only key fails closed. Keys are NFC
// normalized first so visually identical keys land in the same bucket.
func ShouldSample(seed, key string, rateBps int) bool {
	if rateBps <= 0 {
		return false
	}
	if rateBps >= buckets {
		return true
	}
	if strings.TrimSpace(key) == "" {
		return false
	}
	key = norm.NFC.String(key)

	sum := sha256.Sum256([]byte(seed + ":" + key))
	bucket := binary.BigEndian.Uint16(sum[:2]) % buckets
	return int(bucket) < rateBps
}

// DeriveSeed expands a master seed into a labeled subseed via
// HKDF-SHA256, so independent concerns (per-lane review, per-epoch
// rotation) sample independently without sharing raw seed material.
func DeriveSeed(master, label string) (string, error) {
	reader := hkdf.New(sha256.New, []byte(master), nil, []byte(label))
	out := make([]byte, 32)
	if _, err := io.ReadFull(reader, out); err != nil {
		return "", fmt.Errorf("sampling: seed derivation failed: %w", err)
	}
	return hex.EncodeToString(out), nil
}
