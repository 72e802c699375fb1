package memory

import "strings"

// tokenize lowercases and splits on non-alphanumeric runes, returning
// the token set
func tokenize(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, token := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		return !isAlnum
	}) {
		out[token] = struct{}{}
	}
	return out
}

// jaccard computes set overlap over union; empty sets score zero
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	intersect := 0
	for token := range small {
		if _, ok := large[token]; ok {
			intersect++
		}
	}
	union := len(a) + len(b) - intersect
	return float64(intersect) / float64(union)
}
