// Package similarity contains the pure lexical heuristics used by the
// duplicate-detection layers: title normalization, keyword extraction,
// Jaccard word similarity and known-event pattern matching. Everything here
// is deterministic and side-effect free.
package similarity

import (
	"regexp"
	"strings"
)

var (
	whitespaceRe  = regexp.MustCompile(`\s+`)
	punctuationRe = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
	wordRe        = regexp.MustCompile(`[\p{L}\p{N}]+`)
)

// replacement canonicalizes a known phrase to a single token. The table is
// ordered; the first phrase found in the title wins and replaces the whole
// normalized title.
type replacement struct {
	phrase string
	canon  string
}

var replacements = []replacement{
	{"dia de la familia", "familia"},
	{"celebracion de", "celebracion"},
	{"actividad de", "actividad"},
	{"reunion de", "reunion"},
	{"feriado nacional", "feriado"},
	{"virgen del carmen", "feriado"},
	{"semana de las ciencias", "ciencias"},
	{"laboratorio creativo", "laboratorio"},
}

// keywordVocabulary is the fixed set of domain-significant terms considered
// by ExtractKeywords. School calendar vocabulary, Spanish-dominant.
var keywordVocabulary = map[string]struct{}{
	"feriado": {}, "vacaciones": {}, "suspension": {}, "familia": {},
	"reunion": {}, "evaluacion": {}, "presentacion": {}, "entrevista": {},
	"celebracion": {}, "actividad": {}, "laboratorio": {}, "ciencias": {},
	"after": {}, "school": {}, "academias": {}, "inscripcion": {},
	"inicio": {}, "termino": {},
}

// knownEventPatterns are bilingual synonym pairs for events that recur under
// paraphrased names. If both titles contain a term from the same pair they
// describe the same kind of event.
var knownEventPatterns = [][2]string{
	{"feriado", "holiday"},
	{"dia de la familia", "family day"},
	{"reunion", "meeting"},
	{"evaluacion", "evaluation"},
	{"after school", "afterschool"},
	{"semana de", "week of"},
}

// NormalizeTitle lowercases, collapses whitespace, strips punctuation and
// canonicalizes known phrases. When a phrase from the replacement table is
// present, the entire title collapses to its canonical token: paraphrased
// variants of the same event then compare equal.
func NormalizeTitle(title string) string {
	normalized := strings.TrimSpace(strings.ToLower(title))
	normalized = whitespaceRe.ReplaceAllString(normalized, " ")
	normalized = punctuationRe.ReplaceAllString(normalized, "")

	for _, r := range replacements {
		if strings.Contains(normalized, r.phrase) {
			return r.canon
		}
	}
	return normalized
}

// ExtractKeywords intersects the title's word set against the fixed
// vocabulary of domain-significant terms.
func ExtractKeywords(title string) map[string]struct{} {
	keywords := make(map[string]struct{})
	for _, w := range wordRe.FindAllString(strings.ToLower(title), -1) {
		if _, ok := keywordVocabulary[w]; ok {
			keywords[w] = struct{}{}
		}
	}
	return keywords
}

// KeywordOverlap counts the terms shared by two keyword sets.
func KeywordOverlap(a, b map[string]struct{}) int {
	n := 0
	for w := range a {
		if _, ok := b[w]; ok {
			n++
		}
	}
	return n
}

// WordSimilarity computes the Jaccard index of the whitespace-tokenized word
// sets of a and b. Two empty inputs are identical (1.0); exactly one empty
// input shares nothing (0.0).
func WordSimilarity(a, b string) float64 {
	wordsA := wordSet(a)
	wordsB := wordSet(b)

	if len(wordsA) == 0 && len(wordsB) == 0 {
		return 1.0
	}
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return 0.0
	}

	intersection := 0
	for w := range wordsA {
		if _, ok := wordsB[w]; ok {
			intersection++
		}
	}
	union := len(wordsA) + len(wordsB) - intersection
	return float64(intersection) / float64(union)
}

// MatchesKnownEventPattern reports whether both titles contain a term from
// the same bilingual synonym pair. Matching is case-insensitive and
// substring-based, so "Feriado Nacional" pairs with "National Holiday".
func MatchesKnownEventPattern(titleA, titleB string) bool {
	a := strings.ToLower(titleA)
	b := strings.ToLower(titleB)

	for _, pair := range knownEventPatterns {
		aHas := strings.Contains(a, pair[0]) || strings.Contains(a, pair[1])
		bHas := strings.Contains(b, pair[0]) || strings.Contains(b, pair[1])
		if aHas && bHas {
			return true
		}
	}
	return false
}

func wordSet(s string) map[string]struct{} {
	words := make(map[string]struct{})
	for _, w := range strings.Fields(s) {
		words[w] = struct{}{}
	}
	return words
}
