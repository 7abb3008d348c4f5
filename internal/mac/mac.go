// Package mac provides MAC address canonicalization shared by the
// aggregator, the command router, and the vendor-lookup cache.
package mac

import (
	"fmt"
	"strings"
)

// Canonical form is six uppercase hex octets joined by colons,
// e.g. "AA:BB:CC:DD:EE:FF".

func isHex(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}

// Normalize converts a MAC address in any accepted form (colon, dash or
// dot separated, or bare hex, any case) to the canonical form. Returns
// an error for anything that does not contain exactly 12 hex digits.
func Normalize(raw string) (string, error) {
	var hex []byte
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case isHex(c):
			hex = append(hex, c)
		case c == ':' || c == '-' || c == '.' || c == ' ':
			// separator, skip
		default:
			return "", fmt.Errorf("invalid MAC address %q", raw)
		}
	}
	if len(hex) != 12 {
		return "", fmt.Errorf("invalid MAC address %q", raw)
	}

	up := strings.ToUpper(string(hex))
	var b strings.Builder
	b.Grow(17)
	for i := 0; i < 12; i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(up[i : i+2])
	}
	return b.String(), nil
}

// CacheKey returns the vendor-cache key for a MAC: uppercase hex with no
// separators. Any accepted input form maps to the same key.
func CacheKey(raw string) (string, error) {
	canonical, err := Normalize(raw)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(canonical, ":", ""), nil
}

// Equal reports whether two MAC addresses are the same after
// canonicalization. Invalid inputs are never equal to anything.
func Equal(a, b string) bool {
	ca, err := Normalize(a)
	if err != nil {
		return false
	}
	cb, err := Normalize(b)
	if err != nil {
		return false
	}
	return ca == cb
}

// NormalizeSet canonicalizes a list of MACs, dropping invalid entries,
// duplicates, and any entry equal to exclude (the primary MAC).
func NormalizeSet(raws []string, exclude string) []string {
	excluded, _ := Normalize(exclude)
	seen := make(map[string]bool, len(raws))
	out := make([]string, 0, len(raws))
	for _, raw := range raws {
		c, err := Normalize(raw)
		if err != nil || c == excluded || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}
