package discover

import (
	"strings"

	"github.com/analytic-endeavors/hotswap-engine/pkg/models"
)

// matchThreshold is the minimum token-overlap score for a fuzzy name match.
// Below this the match is too weak to suggest; the user picks manually.
const matchThreshold = 0.5

// tokenize lowercases a model name, drops any trailing "(port)" marker and
// report-file extension, and splits on separator runs so "Sales_Report-2024"
// and "sales report 2024" compare equal.
func tokenize(name string) []string {
	cleaned := models.StripPortSuffix(name)
	cleaned = strings.ToLower(cleaned)
	for _, ext := range []string{".pbix", ".pbip"} {
		cleaned = strings.TrimSuffix(cleaned, ext)
	}
	return strings.FieldsFunc(cleaned, func(r rune) bool {
		switch r {
		case ' ', '\t', '_', '-', '.', ',', '(', ')', '[', ']':
			return true
		}
		return false
	})
}

// normalizeModelName collapses a name to its canonical token form.
func normalizeModelName(name string) string {
	return strings.Join(tokenize(name), " ")
}

// tokenOverlap scores two token sets by Jaccard similarity, 0 to 1.
func tokenOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	seen := make(map[string]bool, len(a))
	for _, tok := range a {
		seen[tok] = true
	}
	union := len(seen)
	shared := 0
	for _, tok := range b {
		if seen[tok] {
			shared++
			seen[tok] = false
			continue
		}
		if _, dup := seen[tok]; !dup {
			seen[tok] = false
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}
