package crm

import (
	"context"
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	// phoneticThreshold is the minimum Jaro-Winkler score for a lead whose
	// name shares a Double Metaphone code with the query.
	phoneticThreshold = 0.70

	// fuzzyThreshold is the higher bar applied when no phonetic overlap
	// exists and only string similarity argues for the match.
	fuzzyThreshold = 0.85
)

// ResolveName finds the lead whose name best matches the spoken or typed
// query ("call john", "text dr patel"). Matching is two-stage: Double
// Metaphone codes filter phonetic candidates, Jaro-Winkler similarity ranks
// them. Exact substring matches win outright so "John Smith" always resolves
// from "john".
//
// Returns false when no lead clears the thresholds; the caller should ask the
// owner to clarify rather than guess.
func ResolveName(ctx context.Context, store Store, query string) (Lead, bool) {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" || store == nil {
		return Lead{}, false
	}

	leads, err := store.SearchLeads(ctx, "")
	if err != nil {
		return Lead{}, false
	}

	// Exact or substring hit first.
	for _, l := range leads {
		name := strings.ToLower(l.Name)
		if name == "" {
			continue
		}
		if name == query || strings.Contains(name, query) {
			return l, true
		}
	}

	queryCodes := metaphoneCodes(strings.Fields(query))

	var (
		best         Lead
		bestScore    float64
		bestPhonetic bool
		found        bool
	)
	for _, l := range leads {
		name := strings.ToLower(strings.TrimSpace(l.Name))
		if name == "" {
			continue
		}
		nameTokens := strings.Fields(name)
		phonetic := codesOverlap(queryCodes, metaphoneCodes(nameTokens))
		score := bestSimilarity(query, name, nameTokens)

		switch {
		case phonetic && score >= phoneticThreshold:
			if !bestPhonetic || score > bestScore {
				best, bestScore, bestPhonetic, found = l, score, true, true
			}
		case !bestPhonetic && score >= fuzzyThreshold && score > bestScore:
			best, bestScore, found = l, score, true
		}
	}
	return best, found
}

// metaphoneCodes returns the union of Double Metaphone codes for the tokens.
func metaphoneCodes(tokens []string) map[string]struct{} {
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

// codesOverlap reports whether the two code sets share at least one code.
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

// bestSimilarity is the highest Jaro-Winkler score between the query and the
// full name or any single name token, so "john" scores against both
// "john smith" and "john".
func bestSimilarity(query, name string, nameTokens []string) float64 {
	score := matchr.JaroWinkler(query, name, false)
	for _, t := range nameTokens {
		if s := matchr.JaroWinkler(query, t, false); s > score {
			score = s
		}
	}
	return score
}
