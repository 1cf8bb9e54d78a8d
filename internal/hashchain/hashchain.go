// Package hashchain computes the digests that link ledger entries and mirror
// rows into tamper-evident chains.
//
// A digest is SHA-256 over prevHash and every field joined with "|", encoded
// as lowercase hex. Verifiers outside this codebase only need that rule and
// the field order documented by each caller.
package hashchain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
)

// Delimiter separates prevHash and fields in the digest input.
const Delimiter = "|"

// Digest returns the chain digest of fields linked to prevHash.
func Digest(prevHash string, fields ...string) string {
	parts := make([]string, 0, len(fields)+1)
	parts = append(parts, prevHash)
	parts = append(parts, fields...)
	sum := sha256.Sum256([]byte(strings.Join(parts, Delimiter)))
	return hex.EncodeToString(sum[:])
}

// SHA256Hex is the plain file digest used by manifests.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// OptionalInt renders a nullable id as a digest field; nil becomes "".
func OptionalInt(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

// CanonicalJSON encodes a payload with sorted keys, no insignificant
// whitespace and no HTML escaping. A nil payload encodes to "".
func CanonicalJSON(payload map[string]any) (string, error) {
	if payload == nil {
		return "", nil
	}
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return "", err
	}
	return string(bytes.TrimSpace(buf.Bytes())), nil
}
