// Package query repairs and classifies raw user queries before retrieval.
package query

import (
	"errors"
	"sort"
	"strings"
	"unicode"
)

// ErrTooShort is returned when a query has fewer than two characters left
// after cleaning.
var ErrTooShort = errors.New("query too short")

const (
	maxKeyTerms     = 10
	shortTokenLimit = 5
)

// Query carries the cleaned text and classification flags for one request.
type Query struct {
	Raw        string
	Cleaned    string
	SearchText string
	IsGreeting bool
	HasName    bool
	IsShort    bool
}

// Terms returns the text to embed: the key-term condensation when one was
// extracted, otherwise the cleaned text verbatim.
func (q Query) Terms() string {
	if q.SearchText != "" {
		return q.SearchText
	}
	return q.Cleaned
}

// Normalize cleans and classifies raw query text. Short or name-bearing
// queries keep their verbatim cleaned text; longer generic queries get a
// condensed search string so the embedding focuses on content words.
func Normalize(raw string) (Query, error) {
	q := Query{Raw: raw, Cleaned: CleanTranscription(raw)}
	if len([]rune(q.Cleaned)) < 2 {
		return q, ErrTooShort
	}

	q.IsGreeting = IsGreeting(q.Cleaned)
	q.HasName = HasProperName(q.Cleaned)
	q.IsShort = IsShort(q.Cleaned)
	if !q.IsShort && !q.HasName {
		q.SearchText = ExtractKeyTerms(q.Cleaned)
	}

	return q, nil
}

// cleanSteps run in order; each one is a narrow, single-purpose repair.
var cleanSteps = []func(string) string{
	collapseWhitespace,
	collapseSpelledLetters,
}

// CleanTranscription repairs known speech-to-text artifacts in raw text.
func CleanTranscription(text string) string {
	cleaned := strings.TrimSpace(text)
	for _, step := range cleanSteps {
		cleaned = step(cleaned)
	}
	return cleaned
}

func collapseWhitespace(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// collapseSpelledLetters joins runs of three or more single-letter tokens
// ("a x c e n d", "J, o, h, n") into one lowercase word. Shorter runs stay
// untouched so genuine short words like "a x" survive.
func collapseSpelledLetters(text string) string {
	tokens := strings.Fields(text)
	out := make([]string, 0, len(tokens))

	i := 0
	for i < len(tokens) {
		letters := make([]string, 0, 8)
		j := i
		for j < len(tokens) {
			letter, ok := spelledLetter(tokens[j])
			if !ok {
				break
			}
			letters = append(letters, letter)
			j++
		}
		if len(letters) >= 3 {
			out = append(out, strings.ToLower(strings.Join(letters, "")))
			i = j
			continue
		}
		out = append(out, tokens[i])
		i++
	}

	return strings.Join(out, " ")
}

func spelledLetter(token string) (string, bool) {
	runes := []rune(strings.TrimRight(token, ","))
	if len(runes) != 1 || !unicode.IsLetter(runes[0]) {
		return "", false
	}
	return string(runes), true
}

// IsGreeting reports whether the text is a standalone greeting.
func IsGreeting(text string) bool {
	normalized := strings.ToLower(strings.TrimSpace(text))
	normalized = strings.TrimRight(normalized, "!?.,")
	normalized = strings.Join(strings.Fields(normalized), " ")
	_, ok := greetings[normalized]
	return ok
}

// HasProperName reports whether two or more consecutive capitalized tokens
// appear, a cheap heuristic for a proper name.
func HasProperName(text string) bool {
	streak := 0
	for _, token := range strings.Fields(text) {
		if isCapitalized(token) {
			streak++
			if streak >= 2 {
				return true
			}
			continue
		}
		streak = 0
	}
	return false
}

// IsShort reports whether the text has five or fewer tokens.
func IsShort(text string) bool {
	return len(strings.Fields(text)) <= shortTokenLimit
}

// ExtractKeyTerms condenses a long query into up to ten distinct content
// words: capitalized tokens first (lower-cased), then the longest remaining
// tokens.
func ExtractKeyTerms(text string) string {
	seen := make(map[string]struct{})
	capitalized := make([]string, 0, maxKeyTerms)
	rest := make([]string, 0, maxKeyTerms)

	for _, token := range strings.Fields(text) {
		trimmed := strings.Trim(token, ",.!?;:\"'()")
		if trimmed == "" {
			continue
		}
		lower := strings.ToLower(trimmed)
		if _, ok := stopwords[lower]; ok {
			continue
		}
		if _, ok := seen[lower]; ok {
			continue
		}
		seen[lower] = struct{}{}

		if isCapitalized(trimmed) {
			capitalized = append(capitalized, lower)
		} else {
			rest = append(rest, lower)
		}
	}

	sort.SliceStable(rest, func(i, j int) bool {
		return len(rest[i]) > len(rest[j])
	})

	terms := append(capitalized, rest...)
	if len(terms) > maxKeyTerms {
		terms = terms[:maxKeyTerms]
	}
	return strings.Join(terms, " ")
}

func isCapitalized(token string) bool {
	runes := []rune(strings.Trim(token, ",.!?;:\"'()"))
	if len(runes) < 2 {
		return false
	}
	return unicode.IsUpper(runes[0]) && unicode.IsLower(runes[1])
}

var greetings = map[string]struct{}{
	"hi":              {},
	"hello":           {},
	"hey":             {},
	"hey there":       {},
	"hi there":        {},
	"hello there":     {},
	"howdy":           {},
	"yo":              {},
	"sup":             {},
	"what's up":       {},
	"whats up":        {},
	"good morning":    {},
	"good afternoon":  {},
	"good evening":    {},
	"greetings":       {},
	"how are you":     {},
	"how's it going":  {},
	"hows it going":   {},
	"how is it going": {},
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "but": {},
	"if": {}, "then": {}, "else": {}, "for": {}, "to": {}, "of": {},
	"in": {}, "on": {}, "at": {}, "by": {}, "with": {}, "as": {},
	"is": {}, "are": {}, "was": {}, "were": {}, "be": {}, "been": {},
	"being": {}, "it": {}, "this": {}, "that": {}, "these": {},
	"those": {}, "from": {}, "up": {}, "down": {}, "over": {},
	"under": {}, "again": {}, "further": {}, "than": {}, "so": {},
	"such": {}, "into": {}, "about": {}, "between": {}, "through": {},
	"during": {}, "before": {}, "after": {}, "above": {}, "below": {},
	"out": {}, "off": {}, "own": {}, "same": {}, "too": {}, "very": {},
	"can": {}, "will": {}, "just": {}, "don": {}, "should": {},
	"now": {}, "what": {}, "whats": {}, "who": {}, "where": {},
	"when": {}, "why": {}, "how": {}, "tell": {}, "me": {}, "my": {},
	"i": {}, "we": {}, "you": {}, "your": {}, "they": {}, "them": {},
	"he": {}, "she": {}, "his": {}, "her": {}, "do": {}, "does": {},
	"did": {}, "have": {}, "has": {}, "had": {}, "please": {},
	"could": {}, "would": {}, "know": {}, "more": {},
}
