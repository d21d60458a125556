// Package engine implements the redaction rule engine: ruleset loading,
// match finding, overlap resolution, action application, the token ledger,
// and the forward/reverse passes (Sanitize / Reconcile) that compose them.
package engine

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math/rand"
	"strings"

	"golang.org/x/text/cases"
)

// caser performs full-Unicode case folding, used everywhere the spec calls
// for case-insensitive equality (dedup keys, never-reconcile category
// comparison, value_hash input). strings.ToLower is ASCII-only and would
// mis-fold non-ASCII terms.
var caser = cases.Fold()

// foldCase returns the full-Unicode case-folded form of s.
func foldCase(s string) string {
	return caser.String(s)
}

// hashText returns the hex-encoded SHA-256 digest of s's UTF-8 bytes.
// This is the fixed 256-bit content hash referenced throughout the data
// model (value_hash, original_hash).
func hashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", sum)
}

// keystream derives a 32-byte XOR keystream seed from secret.
func keystream(secret string) [32]byte {
	return sha256.Sum256([]byte(secret))
}

// xorBytes XORs data against key, cycling key as needed.
func xorBytes(data []byte, key []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ key[i%len(key)]
	}
	return out
}

// obfuscate reversibly encodes plain against secret's keystream and returns
// an ASCII-safe, URL-safe base64 string. This is deliberately a weak,
// reversible obfuscation (XOR keystream), not authenticated encryption.
// It is adequate for at-rest storage in a local ledger, not for
// confidentiality against a motivated adversary.
func obfuscate(plain, secret string) string {
	key := keystream(secret)
	enc := xorBytes([]byte(plain), key[:])
	return base64.URLEncoding.EncodeToString(enc)
}

// deobfuscate inverts obfuscate. Returns an error if cipherText is not
// valid URL-safe base64.
func deobfuscate(cipherText, secret string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(cipherText)
	if err != nil {
		return "", fmt.Errorf("decode cipher text: %w", err)
	}
	key := keystream(secret)
	dec := xorBytes(raw, key[:])
	return string(dec), nil
}

// anagram returns a deterministic permutation of value's runes, seeded by
// hash(value + secret). Same (value, secret) always yields the same output.
func anagram(value, secret string) string {
	seed := hashText(value + secret)
	// Fold the hex digest into an int64 seed for math/rand.
	var seedBytes [8]byte
	copy(seedBytes[:], seed)
	n := int64(binary.BigEndian.Uint64(seedBytes[:]))
	rnd := rand.New(rand.NewSource(n)) //nolint:gosec // deterministic token, not crypto

	runes := []rune(value)
	rnd.Shuffle(len(runes), func(i, j int) {
		runes[i], runes[j] = runes[j], runes[i]
	})
	return string(runes)
}

// normalizeCategory uppercases category and collapses runs of non-alphanumeric
// characters to a single underscore, trimming leading/trailing underscores.
// An empty result normalizes to GENERIC.
func normalizeCategory(category string) string {
	upper := strings.ToUpper(category)
	var b strings.Builder
	lastWasSep := false
	for _, r := range upper {
		isAlnum := (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if isAlnum {
			b.WriteRune(r)
			lastWasSep = false
			continue
		}
		if !lastWasSep && b.Len() > 0 {
			b.WriteByte('_')
			lastWasSep = true
		}
	}
	cleaned := strings.Trim(b.String(), "_")
	if cleaned == "" {
		return "GENERIC"
	}
	return cleaned
}
