package engine

import "strings"

// JaccardSimilarity compares two names by the sets of lowercase characters
// they contain: |A ∩ B| / |A ∪ B|. Character order and repetition are
// ignored and whitespace counts as a character. Two empty names are identical.
func JaccardSimilarity(a, b string) float64 {
	setA := charSet(a)
	setB := charSet(b)

	union := len(setA)
	intersection := 0
	for r := range setB {
		if _, ok := setA[r]; ok {
			intersection++
		} else {
			union++
		}
	}

	if union == 0 {
		return 1
	}
	return float64(intersection) / float64(union)
}

func charSet(s string) map[rune]struct{} {
	set := make(map[rune]struct{}, len(s))
	for _, r := range strings.ToLower(s) {
		set[r] = struct{}{}
	}
	return set
}
