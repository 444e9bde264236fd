package registry

import (
	"testing"

	"github.com/jingkaihe/autoskill/pkg/intent"
	"github.com/jingkaihe/autoskill/pkg/skills"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerScoring(t *testing.T) {
	tests := []struct {
		name     string
		trigger  skills.Trigger
		text     string
		mc       MatchContext
		expected float64
	}{
		{"phrase exact", skills.Trigger{Type: skills.TriggerPhrase, Phrase: "Add a bug"}, "add a bug!", MatchContext{}, 1.0},
		{"phrase contained", skills.Trigger{Type: skills.TriggerPhrase, Phrase: "add a bug"}, "please add a bug now", MatchContext{}, 0.9},
		{"phrase partial word", skills.Trigger{Type: skills.TriggerPhrase, Phrase: "bug"}, "debugging", MatchContext{}, 0},
		{"regex", skills.Trigger{Type: skills.TriggerRegex, Pattern: `^remind me .+ at \d+`}, "Remind me to stretch at 5", MatchContext{}, 0.95},
		{"regex miss", skills.Trigger{Type: skills.TriggerRegex, Pattern: `^remind`}, "please remind", MatchContext{}, 0},
		{"keywords fraction", skills.Trigger{Type: skills.TriggerKeywords, Keywords: []string{"invoice", "pay", "vendor", "due"}}, "pay the vendor invoice", MatchContext{}, 0.75},
		{"keywords below minimum", skills.Trigger{Type: skills.TriggerKeywords, Keywords: []string{"invoice", "pay"}, MinKeywords: 2}, "pay me", MatchContext{}, 0},
		{"keywords canonical token", skills.Trigger{Type: skills.TriggerKeywords, Keywords: []string{"workqueue"}}, "put it in the work queue", MatchContext{}, 1.0},
		{"keywords multi-word", skills.Trigger{Type: skills.TriggerKeywords, Keywords: []string{"stand up", "notes"}}, "stand up notes", MatchContext{}, 1.0},
		{"pillar with confidence", skills.Trigger{Type: skills.TriggerPillar, Pillar: "work"}, "anything", MatchContext{Pillar: "Work", Confidence: 0.8}, 0.8},
		{"pillar default confidence", skills.Trigger{Type: skills.TriggerPillar, Pillar: "work"}, "anything", MatchContext{Pillar: "work"}, DefaultPillarConfidence},
		{"pillar mismatch", skills.Trigger{Type: skills.TriggerPillar, Pillar: "work"}, "anything", MatchContext{Pillar: "home", Confidence: 1}, 0},
		{"intent fingerprint", skills.Trigger{Type: skills.TriggerIntent, Fingerprint: intent.Normalize("add bug to work queue").Short}, "Add a bug to the work queue", MatchContext{}, 1.0},
		{"intent example exact", skills.Trigger{Type: skills.TriggerIntent, Example: "log a bug in wq"}, "add a bug to the work queue", MatchContext{}, 1.0},
		{"intent example unrelated", skills.Trigger{Type: skills.TriggerIntent, Example: "summarize my inbox"}, "add a bug to the work queue", MatchContext{}, 0},
		{"content category", skills.Trigger{Type: skills.TriggerContent, Categories: []string{"article", "video"}}, "", MatchContext{ContentCategory: "Article"}, 0.9},
		{"content missing category", skills.Trigger{Type: skills.TriggerContent, Categories: []string{"article"}}, "", MatchContext{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			require.NoError(t, r.Register(skill("target", tt.trigger)))

			matches := r.FindMatches(tt.text, tt.mc)
			if tt.expected == 0 {
				assert.Empty(t, matches)
				return
			}
			require.Len(t, matches, 1)
			assert.InDelta(t, tt.expected, matches[0].Score, 1e-9)
			assert.Equal(t, "target", matches[0].Skill.Name)
			assert.Equal(t, tt.trigger.Type, matches[0].Trigger.Type)
		})
	}
}

func TestFindMatches_Ordering(t *testing.T) {
	r := New()

	low := skill("low-priority", skills.Trigger{Type: skills.TriggerPhrase, Phrase: "plan my day"})
	low.Priority = 10
	high := skill("high-priority", skills.Trigger{Type: skills.TriggerPhrase, Phrase: "plan my day"})
	high.Priority = 90
	bTie := skill("b-tie", skills.Trigger{Type: skills.TriggerPhrase, Phrase: "plan my day"})
	aTie := skill("a-tie", skills.Trigger{Type: skills.TriggerPhrase, Phrase: "plan my day"})
	contains := skill("contains", skills.Trigger{Type: skills.TriggerPhrase, Phrase: "plan"})
	contains.Priority = 100

	for _, d := range []*skills.Definition{low, high, bTie, aTie, contains} {
		require.NoError(t, r.Register(d))
	}

	matches := r.FindMatches("plan my day", MatchContext{})
	var names []string
	for _, m := range matches {
		names = append(names, m.Skill.Name)
	}
	assert.Equal(t, []string{"high-priority", "a-tie", "b-tie", "low-priority", "contains"}, names)
}

func TestFindMatches_SkipsDisabled(t *testing.T) {
	r := New()
	def := skill("draft", skills.Trigger{Type: skills.TriggerPhrase, Phrase: "do it"})
	def.Enabled = false
	require.NoError(t, r.Register(def))

	assert.Empty(t, r.FindMatches("do it", MatchContext{}))
}

func TestFindMatches_MultipleTriggersPerSkill(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(skill("multi",
		skills.Trigger{Type: skills.TriggerPhrase, Phrase: "save article"},
		skills.Trigger{Type: skills.TriggerKeywords, Keywords: []string{"article", "later"}},
		skills.Trigger{Type: skills.TriggerPillar, Pillar: "reading"},
	)))

	matches := r.FindMatches("save article for later", MatchContext{Pillar: "reading", Confidence: 0.7})
	require.Len(t, matches, 3)
	assert.Equal(t, 1.0, matches[0].Score)
	assert.Equal(t, 1, matches[0].TriggerIndex)
	assert.Equal(t, 0.9, matches[1].Score)
	assert.Equal(t, 0.7, matches[2].Score)
}

func TestFindBestMatch(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(skill("weak", skills.Trigger{Type: skills.TriggerPillar, Pillar: "work"})))

	_, ok := r.FindBestMatch("anything", MatchContext{Pillar: "work", Confidence: 0.4}, 0)
	assert.False(t, ok, "below the default threshold is no match")

	m, ok := r.FindBestMatch("anything", MatchContext{Pillar: "work", Confidence: 0.4}, 0.3)
	require.True(t, ok)
	assert.Equal(t, "weak", m.Skill.Name)

	_, ok = r.FindBestMatch("anything", MatchContext{}, 0)
	assert.False(t, ok)
}
