// Package fingerprint derives stable identifiers for cloud connection
// schemas and keeps a small on-disk cache of them for drift checks.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// digestLen is the number of hex characters kept from the sha256 digest,
// matching the model-hash width used in preset documents.
const digestLen = 16

// Connection returns a stable fingerprint for a cloud connection block.
// String values are trimmed and lowercased so cosmetic edits do not read
// as schema drift; map keys are ordered by the JSON encoder. Returns ""
// for an empty block.
func Connection(block map[string]any) string {
	if len(block) == 0 {
		return ""
	}

	canonical, err := json.Marshal(normalize(block))
	if err != nil {
		return ""
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:digestLen]
}

func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[strings.ToLower(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case string:
		return strings.ToLower(strings.TrimSpace(t))
	default:
		return v
	}
}
