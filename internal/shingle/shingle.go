// Package shingle normalizes text and produces word-shingle sets used for
// near-duplicate detection and as a lexical fallback fingerprint.
package shingle

import (
	"hash/fnv"
	"sort"
	"strings"
	"unicode"
)

// Size is the shingle width (word trigrams).
const Size = 3

// Normalize lowercases text, strips punctuation down to ASCII word
// boundaries, and collapses whitespace.
func Normalize(text string) string {
	var b strings.Builder
	lastWasSpace := true
	for _, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
			lastWasSpace = false
		default:
			if !lastWasSpace {
				b.WriteRune(' ')
				lastWasSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// Tokens splits normalized text into words.
func Tokens(normalized string) []string {
	if normalized == "" {
		return nil
	}
	return strings.Fields(normalized)
}

// Set returns the set of word 3-shingles for text. Texts that normalize to
// fewer than Size tokens fall back to a set of unigrams.
func Set(text string) map[string]struct{} {
	tokens := Tokens(Normalize(text))
	set := make(map[string]struct{})

	if len(tokens) < Size {
		for _, tok := range tokens {
			set[tok] = struct{}{}
		}
		return set
	}

	for i := 0; i+Size <= len(tokens); i++ {
		set[strings.Join(tokens[i:i+Size], " ")] = struct{}{}
	}
	return set
}

// Hash computes a stable 64-bit fingerprint of a shingle set, independent of
// iteration order, by hashing the sorted shingles.
func Hash(set map[string]struct{}) uint64 {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := fnv.New64a()
	for _, k := range keys {
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

// Jaccard computes the Jaccard similarity |A ∩ B| / |A ∪ B| between two
// shingle sets. Two empty sets are considered identical (similarity 1.0);
// one empty and one non-empty set have similarity 0.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	small, large := a, b
	if len(large) < len(small) {
		small, large = large, small
	}

	intersection := 0
	for k := range small {
		if _, ok := large[k]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
