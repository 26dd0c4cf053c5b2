// Package sanitize normalizes identifiers and validates untrusted input at
// the service boundary.
package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// MaxIdentifierLength is the longest collection name accepted by both
	// chromem and Qdrant deployments.
	MaxIdentifierLength = 64

	// hashSuffixLength is len("_") + 8 hex characters.
	hashSuffixLength = 9

	// DefaultIdentifier replaces inputs that sanitize to nothing.
	DefaultIdentifier = "default"
)

// Identifier lowercases s, replaces everything outside [a-z0-9_] with
// underscores, collapses runs, and trims. Results longer than
// MaxIdentifierLength are truncated with a hash suffix so distinct inputs
// stay distinct.
//
//	"RAGD Chunks!" -> "ragd_chunks"
//	"" or "!!!"    -> "default"
func Identifier(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	out := b.String()
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	out = strings.Trim(out, "_")
	if out == "" {
		return DefaultIdentifier
	}
	if len(out) > MaxIdentifierLength {
		out = truncateWithHash(out, MaxIdentifierLength)
	}
	return out
}

// CollectionName joins a sanitized base with a suffix, keeping the whole
// name within MaxIdentifierLength. The suffix is never truncated.
//
//	CollectionName("ragd_chunks", "g1700000000") -> "ragd_chunks_g1700000000"
func CollectionName(base, suffix string) string {
	base = Identifier(base)
	if suffix == "" {
		return base
	}
	suffix = Identifier(suffix)
	room := MaxIdentifierLength - len(suffix) - 1
	if len(base) > room {
		base = truncateWithHash(base, room)
	}
	return base + "_" + suffix
}

// truncateWithHash shortens s to max bytes ending in _<8 hex chars>.
func truncateWithHash(s string, max int) string {
	sum := sha256.Sum256([]byte(s))
	suffix := "_" + hex.EncodeToString(sum[:])[:8]
	keep := max - hashSuffixLength
	if keep < 1 {
		return suffix[1:]
	}
	return strings.TrimRight(s[:keep], "_") + suffix
}
