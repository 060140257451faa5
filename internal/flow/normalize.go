// Package flow implements the FlowDesk conversation engine: a resumable
// interpreter over flow definitions, plus the input validation, operating
// hours gating, and flow selection around it.
package flow

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// diacriticStripper decomposes characters and removes combining marks, so
// "sím" and "sim" compare equal after folding.
var diacriticStripper = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize folds text for matching: trims whitespace, strips diacritics and
// lowercases. Used for option resolution and keyword flow selection.
func Normalize(s string) string {
	out, _, err := transform.String(diacriticStripper, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(strings.TrimSpace(out))
}
