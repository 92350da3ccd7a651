package abuse

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	urlPattern         = regexp.MustCompile(`(?i)\b(?:https?://|www\.)[^\s<>"']+`)
	punctuationPattern = regexp.MustCompile(`!{3,}|\${3,}|\?{3,}`)
)

const (
	maxPunctuationRuns = 3
	minShoutingWords   = 2
	minShoutingLetters = 20
)

// contentMarkers counts spam markers in submitted text
type contentMarkers struct {
	urls        int
	shouting    bool
	punctuation int
}

func scanContent(text string) contentMarkers {
	m := contentMarkers{
		urls:        len(urlPattern.FindAllStringIndex(text, -1)),
		shouting:    isShouting(text),
		punctuation: len(punctuationPattern.FindAllStringIndex(text, -1)),
	}
	if m.punctuation > maxPunctuationRuns {
		m.punctuation = maxPunctuationRuns
	}
	return m
}

// isShouting reports two or more all-caps words of four or more letters,
// or a mostly uppercase text with enough letters to judge
func isShouting(text string) bool {
	capsWords := 0
	for _, word := range strings.FieldsFunc(text, func(r rune) bool { return !unicode.IsLetter(r) }) {
		if len([]rune(word)) >= 4 && strings.ToUpper(word) == word && strings.ToLower(word) != word {
			capsWords++
		}
	}
	if capsWords >= minShoutingWords {
		return true
	}

	letters, upper := 0, 0
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.IsUpper(r) {
			upper++
		}
	}
	return letters >= minShoutingLetters && upper*2 > letters
}
