// Package intent turns free text into an order-independent token set and a
// stable fingerprint, and scores how close two texts are in intent.
package intent

import (
	"encoding/hex"
	"regexp"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// DefaultSameIntentThreshold is the similarity at which two texts are
// considered the same intent.
const DefaultSameIntentThreshold = 0.7

// verbBonus is added to the Jaccard similarity when lead verbs agree.
const verbBonus = 0.25

// ShortLength is the number of hex characters in a short fingerprint.
const ShortLength = 8

// URLToken replaces any URL found in the text.
const URLToken = "url"

// Result is the normalized form of one text.
type Result struct {
	Text        string   `json:"text"`
	Fingerprint string   `json:"fingerprint"`
	Short       string   `json:"short"`
	Tokens      []string `json:"tokens"`
	LeadVerb    string   `json:"lead_verb,omitempty"`
	Entities    []string `json:"entities,omitempty"`
	HadURL      bool     `json:"had_url"`
	// Fallback is set when no tokens survived and the fingerprint was
	// derived from the raw text.
	Fallback bool `json:"fallback"`
}

var (
	urlPattern   = regexp.MustCompile(`(?i)\b(?:https?://|www\.)\S+`)
	nonWord      = regexp.MustCompile(`[^a-z0-9\s]+`)
	spacePattern = regexp.MustCompile(`\s+`)
)

// Normalize never fails. Empty or stop-word-only input yields a fallback
// fingerprint over the raw text.
func Normalize(text string) Result {
	lower := strings.ToLower(text)
	res := Result{Text: text}

	if urlPattern.MatchString(lower) {
		res.HadURL = true
		lower = urlPattern.ReplaceAllString(lower, " ")
	}

	lower = nonWord.ReplaceAllString(lower, " ")
	lower = spacePattern.ReplaceAllString(strings.TrimSpace(lower), " ")

	entities := make(map[string]struct{})
	for _, ep := range entityPatterns {
		if ep.pattern.MatchString(lower) {
			entities[ep.canonical] = struct{}{}
			lower = ep.pattern.ReplaceAllString(lower, ep.canonical)
		}
	}

	tokens := make(map[string]struct{})
	for _, word := range strings.Fields(lower) {
		if _, stop := stopWords[word]; stop {
			continue
		}
		if canonical, ok := verbSynonyms[word]; ok {
			if res.LeadVerb == "" {
				res.LeadVerb = canonical
			}
			word = canonical
		}
		tokens[word] = struct{}{}
	}
	if res.HadURL {
		tokens[URLToken] = struct{}{}
	}

	res.Tokens = sorted(tokens)
	res.Entities = sorted(entities)

	if len(res.Tokens) == 0 {
		res.Fallback = true
		res.Fingerprint = Hash("raw:" + strings.ToLower(strings.TrimSpace(text)))
	} else {
		res.Fingerprint = Hash(strings.Join(res.Tokens, " "))
	}
	res.Short = res.Fingerprint[:ShortLength]
	return res
}

// Hash returns the hex blake3 digest of s.
func Hash(s string) string {
	sum := blake3.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Similarity is the Jaccard similarity of the two token sets plus a flat
// bonus when both lead verbs are present and equal, clamped to 1.
func Similarity(a, b Result) float64 {
	if len(a.Tokens) == 0 && len(b.Tokens) == 0 {
		if a.Fingerprint == b.Fingerprint {
			return 1
		}
		return 0
	}

	set := make(map[string]struct{}, len(a.Tokens))
	for _, t := range a.Tokens {
		set[t] = struct{}{}
	}
	intersection := 0
	union := len(set)
	for _, t := range b.Tokens {
		if _, ok := set[t]; ok {
			intersection++
		} else {
			union++
		}
	}

	score := float64(intersection) / float64(union)
	if a.LeadVerb != "" && a.LeadVerb == b.LeadVerb {
		score += verbBonus
	}
	if score > 1 {
		score = 1
	}
	return score
}

// SameIntent reports whether the two results are at least threshold similar.
// A non-positive threshold uses DefaultSameIntentThreshold.
func SameIntent(a, b Result, threshold float64) bool {
	if threshold <= 0 {
		threshold = DefaultSameIntentThreshold
	}
	if a.Fingerprint == b.Fingerprint {
		return true
	}
	return Similarity(a, b) >= threshold
}

// Keywords returns the tokens that are not canonical verbs, in order.
func (r Result) Keywords() []string {
	out := make([]string, 0, len(r.Tokens))
	for _, t := range r.Tokens {
		if _, verb := canonicalVerbs[t]; verb || t == URLToken {
			continue
		}
		out = append(out, t)
	}
	return out
}

// HasToken reports whether tok is among the normalized tokens.
func (r Result) HasToken(tok string) bool {
	i := sort.SearchStrings(r.Tokens, tok)
	return i < len(r.Tokens) && r.Tokens[i] == tok
}

func sorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
