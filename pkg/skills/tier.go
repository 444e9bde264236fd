package skills

import (
	"strings"

	"github.com/pkg/errors"
)

// Effect is the side-effect class of a tool.
type Effect int

// Effect constants. Unknown tools are EffectNone.
const (
	EffectNone Effect = iota
	EffectInternal
	EffectExternal
)

func (e Effect) String() string {
	switch e {
	case EffectInternal:
		return "internal"
	case EffectExternal:
		return "external"
	default:
		return "none"
	}
}

// ParseEffect parses "none", "internal" or "external".
func ParseEffect(s string) (Effect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "read", "read-only":
		return EffectNone, nil
	case "internal", "write":
		return EffectInternal, nil
	case "external":
		return EffectExternal, nil
	default:
		return EffectNone, errors.Errorf("unknown tool effect %q", s)
	}
}

// EffectLookup reports the effect class of a tool by name.
type EffectLookup interface {
	Effect(tool string) Effect
}

// ToolEffects is a static EffectLookup.
type ToolEffects map[string]Effect

// Effect implements EffectLookup. Unknown tools have no effect.
func (m ToolEffects) Effect(tool string) Effect {
	return m[tool]
}

// Merge returns a copy of m overlaid with other.
func (m ToolEffects) Merge(other ToolEffects) ToolEffects {
	out := make(ToolEffects, len(m)+len(other))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// DefaultToolEffects is the built-in catalog for the assistant's stock tools.
func DefaultToolEffects() ToolEffects {
	return ToolEffects{
		"notion_search":       EffectNone,
		"notion_get_page":     EffectNone,
		"web_fetch":           EffectNone,
		"calendar_list":       EffectNone,
		"memory_search":       EffectNone,
		"summarize_text":      EffectNone,
		"notion_create_page":  EffectInternal,
		"notion_update_page":  EffectInternal,
		"workqueue_add":       EffectInternal,
		"memory_store":        EffectInternal,
		"reminder_create":     EffectInternal,
		"task_create":         EffectInternal,
		"email_send":          EffectExternal,
		"slack_post":          EffectExternal,
		"github_create_issue": EffectExternal,
		"calendar_invite":     EffectExternal,
		"webhook_call":        EffectExternal,
		"http_post":           EffectExternal,
		"browser_navigate":    EffectExternal,
		"browser_click":       EffectExternal,
		"browser_type":        EffectExternal,
	}
}

// ClassifyTier derives a tier from the tools and nested skills a process
// uses, walking both branches of conditional steps. It never fails: tools
// the lookup does not know contribute nothing, so an unclassifiable tool
// under-classifies rather than escalates. The zone classifier is the gate
// for unattended execution.
func ClassifyTier(p Process, effects EffectLookup) Tier {
	tools := make(map[string]struct{})
	composed := make(map[string]struct{})
	collectUsage(p.Steps, tools, composed)

	external, internal := false, false
	if effects != nil {
		for tool := range tools {
			switch effects.Effect(tool) {
			case EffectExternal:
				external = true
			case EffectInternal:
				internal = true
			}
		}
	}

	switch {
	case external || len(composed) >= 3:
		return TierExternal
	case internal || len(composed) > 0:
		return TierInternal
	default:
		return TierReadOnly
	}
}

// ToolsUsed returns the distinct tool names referenced anywhere in the process.
func ToolsUsed(p Process) []string {
	tools := make(map[string]struct{})
	collectUsage(p.Steps, tools, make(map[string]struct{}))
	return sortedKeys(tools)
}

// SkillsComposed returns the distinct nested skill names referenced anywhere
// in the process.
func SkillsComposed(p Process) []string {
	composed := make(map[string]struct{})
	collectUsage(p.Steps, make(map[string]struct{}), composed)
	return sortedKeys(composed)
}

func collectUsage(steps []Step, tools, composed map[string]struct{}) {
	for _, step := range steps {
		if step.Tool != "" {
			tools[step.Tool] = struct{}{}
		}
		if step.Skill != "" {
			composed[step.Skill] = struct{}{}
		}
		collectUsage(step.Then, tools, composed)
		collectUsage(step.Else, tools, composed)
	}
}
