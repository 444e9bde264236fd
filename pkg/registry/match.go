package registry

import (
	"sort"
	"strings"

	"github.com/jingkaihe/autoskill/pkg/intent"
	"github.com/jingkaihe/autoskill/pkg/skills"
)

const (
	// DefaultMinScore is the threshold FindBestMatch applies when given zero.
	DefaultMinScore = 0.5

	// DefaultPillarConfidence is used when the routing confidence is unknown.
	DefaultPillarConfidence = 0.6

	phraseExactScore    = 1.0
	phraseContainsScore = 0.9
	regexScore          = 0.95
	intentExactScore    = 1.0
	intentMinSimilarity = 0.5
	contentScore        = 0.9
)

// MatchContext carries the routing signals that accompany an event.
type MatchContext struct {
	// Pillar is the routing category assigned upstream.
	Pillar string
	// Confidence is the router's confidence in Pillar, in [0,1].
	Confidence float64
	// ContentCategory is set for captured content events.
	ContentCategory string
}

// Match is one scored trigger.
type Match struct {
	Skill        *skills.Definition `json:"skill"`
	Trigger      skills.Trigger     `json:"trigger"`
	TriggerIndex int                `json:"trigger_index"`
	Score        float64            `json:"score"`
}

// FindMatches scores every trigger of every enabled skill against text and
// returns the non-zero results, best first. Ties are broken by skill
// priority, then name.
func (r *Registry) FindMatches(text string, mc MatchContext) []Match {
	ix := r.index.Load()
	ev := newEvent(text)

	var matches []Match
	for _, e := range ix.ordered {
		if !e.def.Enabled {
			continue
		}
		for i, trigger := range e.def.Triggers {
			score := e.score(i, trigger, ev, mc)
			if score <= 0 {
				continue
			}
			matches = append(matches, Match{
				Skill:        e.def,
				Trigger:      trigger,
				TriggerIndex: i,
				Score:        score,
			})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Skill.Priority != b.Skill.Priority {
			return a.Skill.Priority > b.Skill.Priority
		}
		if a.Skill.Name != b.Skill.Name {
			return a.Skill.Name < b.Skill.Name
		}
		return a.TriggerIndex < b.TriggerIndex
	})

	for i := range matches {
		matches[i].Skill = matches[i].Skill.Clone()
	}
	return matches
}

// FindBestMatch returns the top match if it clears minScore. No match is a
// normal outcome and is reported with ok=false.
func (r *Registry) FindBestMatch(text string, mc MatchContext, minScore float64) (Match, bool) {
	if minScore <= 0 {
		minScore = DefaultMinScore
	}
	matches := r.FindMatches(text, mc)
	if len(matches) == 0 || matches[0].Score < minScore {
		return Match{}, false
	}
	return matches[0], true
}

// event is the text in the forms the triggers need.
type event struct {
	raw    string
	phrase string
	words  map[string]struct{}
	intent intent.Result
}

func newEvent(text string) event {
	ev := event{
		raw:    text,
		phrase: normalizePhrase(text),
		words:  make(map[string]struct{}),
		intent: intent.Normalize(text),
	}
	for _, w := range strings.Fields(ev.phrase) {
		ev.words[w] = struct{}{}
	}
	for _, t := range ev.intent.Tokens {
		ev.words[t] = struct{}{}
	}
	return ev
}

// normalizePhrase lowercases, drops punctuation and collapses whitespace.
func normalizePhrase(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r > 127:
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func (e *entry) score(i int, t skills.Trigger, ev event, mc MatchContext) float64 {
	switch t.Type {
	case skills.TriggerPhrase:
		phrase := normalizePhrase(t.Phrase)
		switch {
		case phrase == "":
			return 0
		case ev.phrase == phrase:
			return phraseExactScore
		case strings.Contains(" "+ev.phrase+" ", " "+phrase+" "):
			return phraseContainsScore
		}
	case skills.TriggerRegex:
		if re := e.regexes[i]; re != nil && re.MatchString(ev.raw) {
			return regexScore
		}
	case skills.TriggerKeywords:
		return keywordScore(t, ev)
	case skills.TriggerPillar:
		if mc.Pillar != "" && strings.EqualFold(mc.Pillar, t.Pillar) {
			if mc.Confidence > 0 {
				return clamp(mc.Confidence)
			}
			return DefaultPillarConfidence
		}
	case skills.TriggerIntent:
		if t.Fingerprint != "" &&
			(t.Fingerprint == ev.intent.Fingerprint || t.Fingerprint == ev.intent.Short) {
			return intentExactScore
		}
		if example := e.examples[i]; example != nil {
			if example.Fingerprint == ev.intent.Fingerprint {
				return intentExactScore
			}
			if sim := intent.Similarity(*example, ev.intent); sim >= intentMinSimilarity {
				return sim
			}
		}
	case skills.TriggerContent:
		if mc.ContentCategory == "" {
			return 0
		}
		for _, c := range t.Categories {
			if strings.EqualFold(c, mc.ContentCategory) {
				return contentScore
			}
		}
	}
	return 0
}

func keywordScore(t skills.Trigger, ev event) float64 {
	if len(t.Keywords) == 0 {
		return 0
	}
	matched := 0
	for _, kw := range t.Keywords {
		kw = normalizePhrase(kw)
		if kw == "" {
			continue
		}
		if _, ok := ev.words[kw]; ok {
			matched++
			continue
		}
		// Multi-word keywords match as phrases.
		if strings.Contains(kw, " ") && strings.Contains(" "+ev.phrase+" ", " "+kw+" ") {
			matched++
		}
	}
	minimum := t.MinKeywords
	if minimum < 1 {
		minimum = 1
	}
	if matched < minimum {
		return 0
	}
	return float64(matched) / float64(len(t.Keywords))
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
