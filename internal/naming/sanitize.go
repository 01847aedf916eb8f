// Package naming produces deterministic, collision-free identifiers for
// staged files and feature-class names from free-form source names that may
// contain non-ASCII characters.
package naming

import (
	"strconv"
	"strings"
	"unicode"
)

const maxLength = 64

var swedishFold = strings.NewReplacer(
	"å", "a", "Å", "a",
	"ä", "a", "Ä", "a",
	"ö", "o", "Ö", "o",
)

// File folds the recognized Swedish Latin characters to ASCII, lowercases,
// collapses runs of non-word characters to a single underscore, trims
// leading/trailing underscores and truncates to maxLength codepoints. An
// empty result becomes "unnamed".
func File(name string) string {
	folded := swedishFold.Replace(name)
	folded = strings.ToLower(folded)

	var b strings.Builder
	prevUnderscore := false
	for _, r := range folded {
		if isWordRune(r) {
			b.WriteRune(r)
			prevUnderscore = false
			continue
		}
		if !prevUnderscore {
			b.WriteByte('_')
			prevUnderscore = true
		}
	}

	out := strings.Trim(b.String(), "_")
	out = truncate(out, maxLength)
	if out == "" {
		return "unnamed"
	}
	return out
}

// Identifier applies File, then restricts the result to [A-Za-z0-9_],
// collapses repeated underscores, and prefixes an underscore if the first
// character is a digit.
func Identifier(name string) string {
	base := File(name)

	var b strings.Builder
	prevUnderscore := false
	for _, r := range base {
		if isIdentRune(r) {
			b.WriteRune(r)
			prevUnderscore = false
			continue
		}
		if !prevUnderscore {
			b.WriteByte('_')
			prevUnderscore = true
		}
	}

	out := strings.Trim(b.String(), "_")
	if out == "" {
		out = "unnamed"
	}
	if unicode.IsDigit(rune(out[0])) {
		out = "_" + out
	}
	return truncate(out, maxLength)
}

// ResolveCollision returns candidate if it is not already present in used,
// otherwise the smallest integer-suffixed variant "candidate_1",
// "candidate_2", ... not present in used. The base is truncated before
// suffixing so the result never exceeds maxLength.
func ResolveCollision(candidate string, used map[string]bool) string {
	if used == nil || !used[candidate] {
		return candidate
	}
	for n := 1; ; n++ {
		suffix := suffixFor(n)
		base := truncate(candidate, maxLength-len(suffix))
		variant := base + suffix
		if !used[variant] {
			return variant
		}
	}
}

func suffixFor(n int) string {
	return "_" + strconv.Itoa(n)
}

// isWordRune reports whether r should pass through File unchanged. Only the
// ASCII alnum/underscore class counts as a word character; the Swedish
// letters are folded to ASCII before this check runs, so any other non-ASCII
// rune (accented Latin, Cyrillic, emoji, ...) is treated as a separator.
func isWordRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_'
}

func isIdentRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}

func truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return strings.TrimRight(string(runes[:max]), "_")
}
