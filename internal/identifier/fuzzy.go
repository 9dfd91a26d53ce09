package identifier

import (
	"strings"
	"unicode"
)

// Match reports whether every rune of query appears in text, in order,
// ignoring case.
func Match(text, query string) bool {
	if query == "" {
		return true
	}

	textRunes := []rune(strings.ToLower(text))
	queryRunes := []rune(strings.ToLower(query))

	ti := 0
	for qi := 0; qi < len(queryRunes); qi++ {
		for ti < len(textRunes) && textRunes[ti] != queryRunes[qi] {
			ti++
		}
		if ti >= len(textRunes) {
			return false
		}
		ti++
	}
	return true
}

// Score rates how well text matches query. Higher is better.
func Score(text, query string) int {
	if query == "" {
		return 0
	}

	textLower := strings.ToLower(text)
	queryLower := strings.ToLower(query)

	if textLower == queryLower {
		return 1000
	}

	score := 0
	if strings.HasPrefix(textLower, queryLower) {
		score += 500
	}
	if strings.Contains(textLower, queryLower) {
		score += 200
	}
	if matchesBoundaries(text, query) {
		score += 300
	}
	if strings.HasPrefix(text, query) {
		// Case-sensitive prefix
		score += 50
	}

	textRunes := []rune(textLower)
	queryRunes := []rune(queryLower)
	bonus := 0
	ti := 0
	for qi := 0; qi < len(queryRunes) && ti < len(textRunes); qi++ {
		for ti < len(textRunes) && textRunes[ti] != queryRunes[qi] {
			ti++
			bonus = 0
		}
		if ti < len(textRunes) {
			score += 10 + bonus
			bonus += 5
			ti++
		}
	}

	if diff := len(textRunes) - len(queryRunes); diff > 0 {
		score -= diff * 2
	}
	return score
}

// matchesBoundaries checks whether query matches the word-start runes of
// text, e.g. "gBI" against "getBufferId".
func matchesBoundaries(text, query string) bool {
	boundaries := wordStarts(text)
	if len(boundaries) == 0 {
		return false
	}

	queryRunes := []rune(strings.ToLower(query))
	qi := 0
	for _, b := range boundaries {
		if qi < len(queryRunes) && unicode.ToLower(b) == queryRunes[qi] {
			qi++
		}
	}
	return qi == len(queryRunes)
}

// wordStarts returns the first rune of every camelCase or snake_case word.
func wordStarts(text string) []rune {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	starts := []rune{runes[0]}
	for i := 1; i < len(runes); i++ {
		c, prev := runes[i], runes[i-1]
		switch {
		case c == '_' || c == '$':
		case prev == '_' || prev == '$':
			starts = append(starts, c)
		case unicode.IsUpper(c) && unicode.IsLower(prev):
			starts = append(starts, c)
		}
	}
	return starts
}
