package patterns

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jingkaihe/autoskill/pkg/actionlog"
	"github.com/jingkaihe/autoskill/pkg/skills"
)

// Status is a proposal's lifecycle state.
type Status string

// Status constants
const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Resolved reports whether the proposal has left the pending state.
func (s Status) Resolved() bool {
	return s != StatusPending
}

const (
	maxExamples = 3
	maxKeywords = 3
)

// Pattern is a cluster of logged actions that share an intent.
type Pattern struct {
	Fingerprint      string    `json:"fingerprint"`
	ShortFingerprint string    `json:"short_fingerprint"`
	Pillar           string    `json:"pillar,omitempty"`
	Frequency        int       `json:"frequency"`
	LeadVerb         string    `json:"lead_verb,omitempty"`
	Keywords         []string  `json:"keywords,omitempty"`
	Tools            []string  `json:"tools"`
	Examples         []string  `json:"examples"`
	FirstSeen        time.Time `json:"first_seen"`
	LastSeen         time.Time `json:"last_seen"`
}

// Proposal wraps a pattern with a synthesised draft skill.
type Proposal struct {
	ID         string             `json:"id"`
	Status     Status             `json:"status"`
	Pattern    Pattern            `json:"pattern"`
	Skill      *skills.Definition `json:"skill"`
	Tier       skills.Tier        `json:"tier"`
	CreatedAt  time.Time          `json:"created_at"`
	ResolvedAt time.Time          `json:"resolved_at,omitempty"`
	Reason     string             `json:"reason,omitempty"`
}

// synthesize builds a draft proposal for a group. The skill is disabled and
// its tool steps carry no input bindings: it is a shell for a human to finish.
func synthesize(g *group, effects skills.EffectLookup, now time.Time) Proposal {
	pattern := describe(g)

	def := skills.NewDefinition()
	def.Name = proposalName(pattern)
	def.Version = "0.1.0"
	def.Description = fmt.Sprintf("Draft from %d similar actions, e.g. %q", pattern.Frequency, pattern.Examples[0])
	def.Enabled = false
	def.Draft = true
	def.Provenance = skills.ProvenanceGenerated
	def.Triggers = proposalTriggers(pattern, g.rep.Text)
	def.Process.Steps = toolSteps(pattern.Tools)
	def.Metadata = map[string]string{
		"fingerprint": pattern.Fingerprint,
		"frequency":   strconv.Itoa(pattern.Frequency),
	}
	if pattern.Pillar != "" {
		def.Metadata["pillar"] = pattern.Pillar
	}

	return Proposal{
		ID:        uuid.NewString(),
		Status:    StatusPending,
		Pattern:   pattern,
		Skill:     def,
		Tier:      skills.ClassifyTier(def.Process, effects),
		CreatedAt: now,
	}
}

func describe(g *group) Pattern {
	p := Pattern{
		Fingerprint:      g.rep.Fingerprint,
		ShortFingerprint: g.rep.ShortFingerprint,
		Pillar:           g.rep.Pillar,
		Frequency:        len(g.members),
		LeadVerb:         g.repIntent.LeadVerb,
		FirstSeen:        g.members[0].CreatedAt,
		LastSeen:         g.lastSeen,
	}
	if p.ShortFingerprint == "" && len(p.Fingerprint) >= 8 {
		p.ShortFingerprint = p.Fingerprint[:8]
	}

	counts := make(map[string]int)
	seenExample := make(map[string]struct{})
	for _, a := range g.members {
		for _, kw := range normalizeAction(a).Keywords() {
			counts[kw]++
		}
		if _, ok := seenExample[a.Text]; !ok && a.Text != "" && len(p.Examples) < maxExamples {
			seenExample[a.Text] = struct{}{}
			p.Examples = append(p.Examples, a.Text)
		}
		if a.CreatedAt.Before(p.FirstSeen) {
			p.FirstSeen = a.CreatedAt
		}
	}
	p.Tools = ToolUnion(g.members)
	if len(p.Examples) == 0 {
		p.Examples = []string{p.ShortFingerprint}
	}
	p.Keywords = topKeywords(counts, maxKeywords)
	return p
}

func topKeywords(counts map[string]int, n int) []string {
	out := make([]string, 0, len(counts))
	for kw := range counts {
		out = append(out, kw)
	}
	sort.Slice(out, func(i, j int) bool {
		if counts[out[i]] != counts[out[j]] {
			return counts[out[i]] > counts[out[j]]
		}
		return out[i] < out[j]
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// proposalName joins pillar, verb, keyword and fingerprint suffix, for
// example "work-create-bug-1a2b3c4d".
func proposalName(p Pattern) string {
	parts := []string{"general", "handle", "task", p.ShortFingerprint}
	if p.Pillar != "" {
		parts[0] = p.Pillar
	}
	if p.LeadVerb != "" {
		parts[1] = p.LeadVerb
	}
	if len(p.Keywords) > 0 {
		parts[2] = p.Keywords[0]
	}

	kebab := make([]string, 0, len(parts))
	for _, part := range parts {
		if k := skills.Kebab(part); k != "" {
			kebab = append(kebab, k)
		}
	}
	return strings.Join(kebab, "-")
}

func proposalTriggers(p Pattern, example string) []skills.Trigger {
	triggers := []skills.Trigger{{
		Type:        skills.TriggerIntent,
		Fingerprint: p.Fingerprint,
		Example:     example,
	}}
	if p.Pillar != "" {
		triggers = append(triggers, skills.Trigger{Type: skills.TriggerPillar, Pillar: p.Pillar})
	}
	if len(p.Keywords) > 0 {
		triggers = append(triggers, skills.Trigger{
			Type:        skills.TriggerKeywords,
			Keywords:    p.Keywords,
			MinKeywords: min(2, len(p.Keywords)),
		})
	}
	return triggers
}

func toolSteps(tools []string) []skills.Step {
	steps := make([]skills.Step, 0, len(tools))
	used := make(map[string]struct{})
	for i, tool := range tools {
		id := skills.Kebab(tool)
		if id == "" {
			id = "step"
		}
		if _, dup := used[id]; dup {
			id = fmt.Sprintf("%s-%d", id, i+1)
		}
		used[id] = struct{}{}
		steps = append(steps, skills.Step{ID: id, Tool: tool})
	}
	return steps
}

// ToolUnion returns the distinct tools across actions in first-appearance order.
func ToolUnion(actions []actionlog.Action) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, a := range actions {
		for _, t := range a.Tools {
			if _, ok := seen[t]; !ok {
				seen[t] = struct{}{}
				out = append(out, t)
			}
		}
	}
	return out
}
