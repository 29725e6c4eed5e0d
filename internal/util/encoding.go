package util

import (
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeIdentity returns the NFC form of s with surrounding whitespace
// removed. Identities are used both as certificate subjects and as cache
// keys, so visually identical names must map to the same bytes.
func NormalizeIdentity(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}
