// Package fingerprint provides the similarity primitives used by dedup and
// consolidation: exact and normalized content hashes, MinHash signatures,
// cosine similarity, and an arena union-find.
package fingerprint

import (
	"encoding/hex"
	"strings"
	"unicode"

	"github.com/zeebo/blake3"
)

// ContentHash returns the blake3 hex digest of the raw content. Used as the
// O(1) exact-duplicate short-circuit before any embedding or LLM work.
func ContentHash(content string) string {
	sum := blake3.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// NormContentHash hashes the normalized form of the content, catching
// cosmetic duplicates that differ only in case, whitespace or punctuation.
func NormContentHash(content string) string {
	return ContentHash(Normalize(content))
}

// Normalize lowercases the text, strips punctuation, and collapses runs of
// whitespace to single spaces.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsSpace(r):
			space = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			// dropped
		default:
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeSubject is Normalize applied to subjects; kept separate so subject
// matching rules can diverge from content normalization later.
func NormalizeSubject(s string) string {
	return Normalize(s)
}

// SubjectKey builds the normalized "entity/attribute" identifier used to
// locate same-topic entries for contradiction checks. Empty if either part
// normalizes away.
func SubjectKey(entity, attribute string) string {
	e := Normalize(entity)
	a := Normalize(attribute)
	if e == "" || a == "" {
		return ""
	}
	return e + "/" + a
}
