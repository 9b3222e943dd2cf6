package index

import (
	"regexp"
	"strings"
)

var nonWord = regexp.MustCompile(`[^\w]+`)
var multiSpace = regexp.MustCompile(`\s+`)

// Tokenize implements spec.md §4.6's tokenizer: lowercase, replace
// non-word characters with spaces, collapse whitespace, split, drop
// tokens of length <= 2, remove the language's stop words. lang defaults
// to "en" when empty or unsupported.
func Tokenize(content, lang string) []string {
	normalized := Normalize(content)
	if normalized == "" {
		return nil
	}
	stop := stopwordSet(lang)

	fields := strings.Fields(normalized)
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) <= 2 {
			continue
		}
		if stop[f] {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

// Normalize applies the tokenizer's character-level steps without
// splitting or stop-word filtering: lowercase, non-word -> space, collapse
// whitespace. Tokenize(content) == Tokenize(Normalize(content)) for all
// content because Normalize is idempotent under re-application.
func Normalize(content string) string {
	lower := strings.ToLower(content)
	spaced := nonWord.ReplaceAllString(lower, " ")
	collapsed := multiSpace.ReplaceAllString(spaced, " ")
	return strings.TrimSpace(collapsed)
}

// TermFrequencies counts term occurrences in tokens.
func TermFrequencies(tokens []string) map[string]int {
	tf := make(map[string]int, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}
	return tf
}
