// Package permute generates candidate email localparts for a person
// and infers a company's addressing pattern from published examples.
package permute

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/net/idna"
)

// Pattern names a localpart template. Stable strings, persisted on
// company attrs once inferred.
type Pattern string

const (
	PatternFirstDotLast  Pattern = "first.last"
	PatternFirst         Pattern = "first"
	PatternFLast         Pattern = "flast"
	PatternFDotLast      Pattern = "f.last"
	PatternFirstL        Pattern = "firstl"
	PatternFirstLast     Pattern = "firstlast"
	PatternFirstUndLast  Pattern = "first_last"
	PatternFirstDashLast Pattern = "first-last"
	PatternLast          Pattern = "last"
	PatternLastDotFirst  Pattern = "last.first"
)

// defaultRanking orders patterns by observed prevalence in B2B mail
// systems. Inference reorders it when examples agree on a pattern.
var defaultRanking = []Pattern{
	PatternFirstDotLast,
	PatternFLast,
	PatternFirst,
	PatternFirstLast,
	PatternFDotLast,
	PatternFirstL,
	PatternFirstUndLast,
	PatternFirstDashLast,
	PatternLast,
	PatternLastDotFirst,
}

// roleAliases are localparts that address a function, not a person.
// Candidates colliding with one are dropped.
var roleAliases = map[string]struct{}{
	"info": {}, "contact": {}, "sales": {}, "support": {}, "admin": {},
	"office": {}, "hello": {}, "team": {}, "hr": {}, "jobs": {},
	"careers": {}, "billing": {}, "help": {}, "marketing": {}, "press": {},
	"abuse": {}, "postmaster": {}, "webmaster": {}, "noreply": {}, "no-reply": {},
}

// IsRoleAlias reports whether the localpart addresses a function
// rather than a person.
func IsRoleAlias(localpart string) bool {
	_, ok := roleAliases[strings.ToLower(localpart)]
	return ok
}

// normalizeName lowercases and strips everything but ASCII letters.
// Accented letters fold to their base form where the obvious mapping
// exists; anything else is dropped.
func normalizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case unicode.IsLetter(r):
			if folded, ok := asciiFold[r]; ok {
				b.WriteString(folded)
			}
		}
	}
	return b.String()
}

var asciiFold = map[rune]string{
	'à': "a", 'á': "a", 'â': "a", 'ä': "a", 'ã': "a", 'å': "a",
	'è': "e", 'é': "e", 'ê': "e", 'ë': "e",
	'ì': "i", 'í': "i", 'î': "i", 'ï': "i",
	'ò': "o", 'ó': "o", 'ô': "o", 'ö': "o", 'õ': "o", 'ø': "o",
	'ù': "u", 'ú': "u", 'û': "u", 'ü': "u",
	'ç': "c", 'ñ': "n", 'ß': "ss", 'æ': "ae", 'œ': "oe",
	'ý': "y", 'ÿ': "y",
}

// Apply renders a pattern for the given names. Empty when the pattern
// needs a name part that is missing.
func Apply(p Pattern, first, last string) string {
	f, l := normalizeName(first), normalizeName(last)
	switch p {
	case PatternFirstDotLast:
		if f == "" || l == "" {
			return ""
		}
		return f + "." + l
	case PatternFirst:
		return f
	case PatternFLast:
		if f == "" || l == "" {
			return ""
		}
		return f[:1] + l
	case PatternFDotLast:
		if f == "" || l == "" {
			return ""
		}
		return f[:1] + "." + l
	case PatternFirstL:
		if f == "" || l == "" {
			return ""
		}
		return f + l[:1]
	case PatternFirstLast:
		if f == "" || l == "" {
			return ""
		}
		return f + l
	case PatternFirstUndLast:
		if f == "" || l == "" {
			return ""
		}
		return f + "_" + l
	case PatternFirstDashLast:
		if f == "" || l == "" {
			return ""
		}
		return f + "-" + l
	case PatternLast:
		return l
	case PatternLastDotFirst:
		if f == "" || l == "" {
			return ""
		}
		return l + "." + f
	}
	return ""
}

// Match reports which pattern produced the localpart for the given
// names, if any.
func Match(localpart, first, last string) (Pattern, bool) {
	lp := strings.ToLower(localpart)
	for _, p := range defaultRanking {
		if rendered := Apply(p, first, last); rendered != "" && rendered == lp {
			return p, true
		}
	}
	return "", false
}

// Example is one published address with the person it belongs to.
type Example struct {
	Localpart string
	First     string
	Last      string
}

// InferPattern examines published examples and returns the dominant
// pattern when at least two examples match one and at least 80% of the
// matchable examples agree on it.
func InferPattern(examples []Example) (Pattern, bool) {
	counts := map[Pattern]int{}
	matchable := 0
	for _, ex := range examples {
		if p, ok := Match(ex.Localpart, ex.First, ex.Last); ok {
			counts[p]++
			matchable++
		}
	}
	if matchable < 2 {
		return "", false
	}

	var best Pattern
	bestN := 0
	for p, n := range counts {
		if n > bestN {
			best, bestN = p, n
		}
	}
	if bestN < 2 || float64(bestN)/float64(matchable) < 0.8 {
		return "", false
	}
	return best, true
}

// Candidate is one ranked generated address.
type Candidate struct {
	Email   string
	Pattern Pattern
	Rank    int
}

// maxCandidates bounds fan-out per person.
const maxCandidates = 8

// Generate produces ranked candidate addresses for a person at a
// domain. An inferred pattern, when present, goes first; role-alias
// collisions and duplicates are dropped.
func Generate(first, last, dom string, inferred Pattern) []Candidate {
	asciiDom, err := idna.Lookup.ToASCII(strings.ToLower(strings.TrimSpace(dom)))
	if err != nil || asciiDom == "" {
		return nil
	}

	ranking := defaultRanking
	if inferred != "" {
		ranking = append([]Pattern{inferred}, defaultRanking...)
	}

	seen := map[string]struct{}{}
	var out []Candidate
	for _, p := range ranking {
		lp := Apply(p, first, last)
		if lp == "" || IsRoleAlias(lp) {
			continue
		}
		if _, dup := seen[lp]; dup {
			continue
		}
		seen[lp] = struct{}{}
		out = append(out, Candidate{
			Email:   fmt.Sprintf("%s@%s", lp, asciiDom),
			Pattern: p,
			Rank:    len(out) + 1,
		})
		if len(out) == maxCandidates {
			break
		}
	}
	return out
}

// RankedPatterns returns the ranking used for generation, for display.
func RankedPatterns(inferred Pattern) []Pattern {
	if inferred == "" {
		out := make([]Pattern, len(defaultRanking))
		copy(out, defaultRanking)
		return out
	}
	out := []Pattern{inferred}
	for _, p := range defaultRanking {
		if p != inferred {
			out = append(out, p)
		}
	}
	return out
}
