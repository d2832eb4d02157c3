package catalog

import (
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	phoneticThreshold = 0.70
	fuzzyThreshold    = 0.85
)

// Match is a scored lookup hit.
type Match struct {
	Descriptor Descriptor
	Score      float64

	// Phonetic is true when the query and the wake word share a Double
	// Metaphone code.
	Phonetic bool
}

// Lookup finds the model whose wake word (or id) sounds most like query.
//
// Candidates sharing a Double Metaphone code with the query are ranked by
// Jaro-Winkler similarity and accepted at 0.70; without a phonetic candidate
// a pure Jaro-Winkler match needs 0.85. An exact id match always wins.
func (r *Result) Lookup(query string) (Descriptor, bool) {
	if d, ok := r.Get(strings.TrimSpace(query)); ok {
		return d, true
	}
	matches := r.rank(query)
	if len(matches) == 0 {
		return Descriptor{}, false
	}
	best := matches[0]
	if best.Phonetic && best.Score >= phoneticThreshold {
		return best.Descriptor, true
	}
	if best.Score >= fuzzyThreshold {
		return best.Descriptor, true
	}
	return Descriptor{}, false
}

// Suggest returns up to n models ranked by similarity to query, best first.
// Only candidates scoring at least the phonetic threshold are returned.
func (r *Result) Suggest(query string, n int) []Match {
	var out []Match
	for _, m := range r.rank(query) {
		if len(out) == n {
			break
		}
		if m.Score < phoneticThreshold {
			continue
		}
		out = append(out, m)
	}
	return out
}

// rank scores every model against query, phonetic hits first.
func (r *Result) rank(query string) []Match {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	qTokens := tokens(q)
	qCodes := codesForTokens(qTokens)

	matches := make([]Match, 0, len(r.Models))
	for _, d := range r.Models {
		var best Match
		for _, name := range []string{d.WakeWord, strings.ReplaceAll(d.ID, "_", " ")} {
			name = strings.ToLower(strings.TrimSpace(name))
			if name == "" {
				continue
			}
			nTokens := tokens(name)
			m := Match{
				Descriptor: d,
				Score:      bestJWScore(qTokens, nTokens, q, name),
				Phonetic:   codesOverlap(qCodes, codesForTokens(nTokens)),
			}
			if better(m, best) {
				best = m
			}
		}
		matches = append(matches, best)
	}
	sort.SliceStable(matches, func(i, j int) bool { return better(matches[i], matches[j]) })
	return matches
}

func better(a, b Match) bool {
	if a.Phonetic != b.Phonetic {
		return a.Phonetic
	}
	return a.Score > b.Score
}

func tokens(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '_' || r == '-'
	})
}

// codesForTokens returns the union of the Double Metaphone codes of tokens.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore is the highest Jaro-Winkler similarity over the full strings,
// the space-stripped strings and every token pair.
func bestJWScore(qTokens, nTokens []string, q, name string) float64 {
	score := matchr.JaroWinkler(q, name, false)
	if len(qTokens) > 1 || len(nTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(qTokens, ""), strings.Join(nTokens, ""), false); s > score {
			score = s
		}
	}
	for _, a := range qTokens {
		for _, b := range nTokens {
			if s := matchr.JaroWinkler(a, b, false); s > score {
				score = s
			}
		}
	}
	return score
}
