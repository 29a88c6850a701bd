package generate

import (
	"math"
	"strings"
	"unicode"
	"unicode/utf8"
)

// estimateTokens approximates a BPE token count when the backend cannot
// tokenize: the larger of the word count and one token per four runes.
func estimateTokens(text string) int {
	words := len(strings.Fields(text))
	runes := int(math.Ceil(float64(utf8.RuneCountInString(text)) / 4))
	return max(words, runes, 1)
}

// estimatePieces splits text the way byte-level BPE vocabularies usually do:
// a word keeps its leading space, punctuation stands alone.
func estimatePieces(text string) []string {
	var out []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			out = append(out, string(cur))
			cur = cur[:0]
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush()
			cur = append(cur, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if n := len(cur); n > 0 && !unicode.IsSpace(cur[n-1]) && !unicode.IsLetter(cur[n-1]) && !unicode.IsDigit(cur[n-1]) {
				flush()
			}
			cur = append(cur, r)
		default:
			if n := len(cur); n > 0 && (unicode.IsLetter(cur[n-1]) || unicode.IsDigit(cur[n-1])) {
				flush()
			}
			cur = append(cur, r)
		}
	}
	flush()
	return out
}
