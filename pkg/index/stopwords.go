package index

// Stop-word sets, normative and closed per spec.md §6: English, Spanish,
// French, German short lists; English is the fallback for an unspecified
// language.
var stopwords = map[string]map[string]bool{
	"en": set("the", "and", "for", "are", "but", "not", "you", "all", "can",
		"had", "her", "was", "one", "our", "out", "day", "get", "has",
		"him", "his", "how", "man", "new", "now", "old", "see", "two",
		"way", "who", "boy", "did", "its", "let", "put", "say", "she",
		"too", "use", "with", "that", "this", "from", "they", "have",
		"will", "your", "what", "when", "were", "been", "their", "would"),
	"es": set("que", "con", "para", "los", "las", "una", "del", "este",
		"esta", "por", "pero", "sus", "más", "como", "tiene", "entre",
		"sobre", "cuando", "también", "donde", "porque"),
	"fr": set("les", "des", "une", "est", "pour", "dans", "que", "qui",
		"mais", "avec", "sont", "cette", "comme", "plus", "tout", "nous",
		"vous", "sans", "entre", "donc"),
	"de": set("der", "die", "das", "und", "ist", "mit", "den", "für",
		"auf", "nicht", "sich", "auch", "eine", "einer", "wird", "sind",
		"aber", "oder", "wenn", "dann"),
}

func set(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// SupportedLanguage reports whether lang is one of the closed set of
// supported stop-word languages.
func SupportedLanguage(lang string) bool {
	_, ok := stopwords[lang]
	return ok
}

func stopwordSet(lang string) map[string]bool {
	if words, ok := stopwords[lang]; ok {
		return words
	}
	return stopwords["en"]
}
