// Package skills defines the declarative skill model used by the engine:
// named, versioned workflow definitions carrying triggers, a typed input
// schema and an ordered process of steps. Skills are authored as structured
// documents (YAML or JSONC) or as legacy SKILL.md files with YAML
// frontmatter, and are discovered from directory trees.
package skills

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// DefaultPriority is the mid-scale priority used to break score ties.
const DefaultPriority = 50

// Tier is the safety classification of a skill's effect scope.
type Tier int

// Tier constants
const (
	TierReadOnly Tier = 0 // reads only
	TierInternal Tier = 1 // creates or mutates internal records
	TierExternal Tier = 2 // touches external systems or composes three or more skills
)

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	return t >= TierReadOnly && t <= TierExternal
}

func (t Tier) String() string {
	switch t {
	case TierReadOnly:
		return "tier-0 (read-only)"
	case TierInternal:
		return "tier-1 (internal-write)"
	case TierExternal:
		return "tier-2 (external)"
	default:
		return fmt.Sprintf("tier-%d (unknown)", int(t))
	}
}

// Provenance records how a definition came to exist.
type Provenance string

// Provenance constants
const (
	ProvenanceAuthored  Provenance = "authored"
	ProvenanceGenerated Provenance = "generated"
	ProvenanceLegacy    Provenance = "legacy-document"
)

// TriggerType selects how a trigger scores an incoming event.
type TriggerType string

// TriggerType constants
const (
	TriggerPhrase   TriggerType = "phrase"
	TriggerRegex    TriggerType = "regex"
	TriggerKeywords TriggerType = "keywords"
	TriggerPillar   TriggerType = "pillar"
	TriggerIntent   TriggerType = "intent"
	TriggerContent  TriggerType = "content"
)

// Trigger is a typed matcher attached to a skill. Only the fields relevant
// to Type are consulted.
type Trigger struct {
	Type        TriggerType `yaml:"type" json:"type" jsonschema:"enum=phrase,enum=regex,enum=keywords,enum=pillar,enum=intent,enum=content"`
	Phrase      string      `yaml:"phrase,omitempty" json:"phrase,omitempty"`
	Pattern     string      `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Keywords    []string    `yaml:"keywords,omitempty" json:"keywords,omitempty"`
	MinKeywords int         `yaml:"min_keywords,omitempty" json:"min_keywords,omitempty"`
	Pillar      string      `yaml:"pillar,omitempty" json:"pillar,omitempty"`
	Fingerprint string      `yaml:"fingerprint,omitempty" json:"fingerprint,omitempty"`
	Example     string      `yaml:"example,omitempty" json:"example,omitempty"`
	Categories  []string    `yaml:"categories,omitempty" json:"categories,omitempty"`
}

// ErrorPolicy decides what a step failure does to the run.
type ErrorPolicy string

// ErrorPolicy constants
const (
	OnErrorFail     ErrorPolicy = "fail"
	OnErrorContinue ErrorPolicy = "continue"
	OnErrorRetry    ErrorPolicy = "retry"
)

// StepKind is the tag of the step union.
type StepKind string

// StepKind constants. StepKindInvalid is returned when a step sets zero or
// more than one kind field.
const (
	StepKindInvalid     StepKind = ""
	StepKindTool        StepKind = "tool"
	StepKindSkill       StepKind = "skill"
	StepKindAgent       StepKind = "agent"
	StepKindConditional StepKind = "conditional"
)

// Step is one entry in a process. Exactly one of Tool, Skill, Agent or If
// must be set; Kind derives the tag from whichever it is.
type Step struct {
	ID         string         `yaml:"id" json:"id"`
	Tool       string         `yaml:"tool,omitempty" json:"tool,omitempty"`
	Skill      string         `yaml:"skill,omitempty" json:"skill,omitempty"`
	Agent      string         `yaml:"agent,omitempty" json:"agent,omitempty"`
	If         string         `yaml:"if,omitempty" json:"if,omitempty"`
	Then       []Step         `yaml:"then,omitempty" json:"then,omitempty"`
	Else       []Step         `yaml:"else,omitempty" json:"else,omitempty"`
	Inputs     map[string]any `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	OnError    ErrorPolicy    `yaml:"on_error,omitempty" json:"on_error,omitempty" jsonschema:"enum=fail,enum=continue,enum=retry"`
	RetryCount int            `yaml:"retry_count,omitempty" json:"retry_count,omitempty"`
	AlwaysRun  bool           `yaml:"always_run,omitempty" json:"always_run,omitempty"`
}

// Kind returns the step's tag.
func (s Step) Kind() StepKind {
	kind := StepKindInvalid
	set := 0
	if s.Tool != "" {
		kind = StepKindTool
		set++
	}
	if s.Skill != "" {
		kind = StepKindSkill
		set++
	}
	if s.Agent != "" {
		kind = StepKindAgent
		set++
	}
	if s.If != "" {
		kind = StepKindConditional
		set++
	}
	if set != 1 {
		return StepKindInvalid
	}
	return kind
}

// Policy returns the step's error policy, defaulting to fail.
func (s Step) Policy() ErrorPolicy {
	if s.OnError == "" {
		return OnErrorFail
	}
	return s.OnError
}

// Process is the ordered step list with an optional timeout and return template.
type Process struct {
	Steps   []Step `yaml:"steps" json:"steps"`
	Timeout string `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Return  string `yaml:"return,omitempty" json:"return,omitempty"`
}

// TimeoutDuration parses Timeout. An empty timeout yields zero.
func (p Process) TimeoutDuration() (time.Duration, error) {
	if p.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(p.Timeout)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid timeout %q", p.Timeout)
	}
	if d < 0 {
		return 0, errors.Errorf("timeout must not be negative: %s", p.Timeout)
	}
	return d, nil
}

// InputField declares one field of a skill's input schema.
type InputField struct {
	Type        string `yaml:"type" json:"type" jsonschema:"enum=string,enum=number,enum=integer,enum=boolean,enum=object,enum=array"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Required    bool   `yaml:"required,omitempty" json:"required,omitempty"`
	Default     any    `yaml:"default,omitempty" json:"default,omitempty"`
	Enum        []any  `yaml:"enum,omitempty" json:"enum,omitempty"`
}

// Metrics is the mutable execution record of a skill.
type Metrics struct {
	Executions          int64     `json:"executions"`
	Successes           int64     `json:"successes"`
	Failures            int64     `json:"failures"`
	AvgLatencyMs        float64   `json:"avg_latency_ms"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastRun             time.Time `json:"last_run,omitempty"`
}

// Record folds one execution into the metrics.
func (m *Metrics) Record(success bool, latency time.Duration, at time.Time) {
	m.Executions++
	if success {
		m.Successes++
		m.ConsecutiveFailures = 0
	} else {
		m.Failures++
		m.ConsecutiveFailures++
	}
	ms := float64(latency) / float64(time.Millisecond)
	m.AvgLatencyMs += (ms - m.AvgLatencyMs) / float64(m.Executions)
	m.LastRun = at
}

// Definition is the unit of automation.
type Definition struct {
	Name        string                `yaml:"name" json:"name"`
	Version     string                `yaml:"version" json:"version"`
	Description string                `yaml:"description" json:"description"`
	Triggers    []Trigger             `yaml:"triggers,omitempty" json:"triggers,omitempty"`
	Inputs      map[string]InputField `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Output      string                `yaml:"output,omitempty" json:"output,omitempty"`
	Process     Process               `yaml:"process" json:"process"`
	Tier        *Tier                 `yaml:"tier,omitempty" json:"tier,omitempty" jsonschema:"minimum=0,maximum=2"`
	Priority    int                   `yaml:"priority,omitempty" json:"priority,omitempty" jsonschema:"minimum=0,maximum=100"`
	Enabled     bool                  `yaml:"enabled" json:"enabled"`
	Draft       bool                  `yaml:"draft,omitempty" json:"draft,omitempty"`
	Provenance  Provenance            `yaml:"provenance,omitempty" json:"provenance,omitempty"`
	Metadata    map[string]string     `yaml:"metadata,omitempty" json:"metadata,omitempty"`

	// Source is the document the definition was loaded from, if any.
	Source string `yaml:"-" json:"-"`
}

// NewDefinition returns a definition with document defaults applied.
func NewDefinition() *Definition {
	return &Definition{
		Version:    "1.0.0",
		Priority:   DefaultPriority,
		Enabled:    true,
		Provenance: ProvenanceAuthored,
	}
}

// DeclaredTier returns the declared tier override, if any.
func (d *Definition) DeclaredTier() (Tier, bool) {
	if d.Tier == nil {
		return TierReadOnly, false
	}
	return *d.Tier, true
}

// EffectiveTier is the higher of the declared tier and the tier derived
// from the steps. A declaration can raise the tier but never lower it.
func (d *Definition) EffectiveTier(effects EffectLookup) Tier {
	derived := ClassifyTier(d.Process, effects)
	if declared, ok := d.DeclaredTier(); ok && declared > derived {
		return declared
	}
	return derived
}

// Clone returns a copy safe to hand out of the registry.
func (d *Definition) Clone() *Definition {
	if d == nil {
		return nil
	}
	c := *d
	c.Triggers = append([]Trigger(nil), d.Triggers...)
	if d.Inputs != nil {
		c.Inputs = make(map[string]InputField, len(d.Inputs))
		for k, v := range d.Inputs {
			c.Inputs[k] = v
		}
	}
	if d.Metadata != nil {
		c.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			c.Metadata[k] = v
		}
	}
	if d.Tier != nil {
		t := *d.Tier
		c.Tier = &t
	}
	c.Process.Steps = cloneSteps(d.Process.Steps)
	return &c
}

func cloneSteps(steps []Step) []Step {
	if steps == nil {
		return nil
	}
	out := make([]Step, len(steps))
	for i, s := range steps {
		out[i] = s
		out[i].Then = cloneSteps(s.Then)
		out[i].Else = cloneSteps(s.Else)
		if s.Inputs != nil {
			out[i].Inputs = make(map[string]any, len(s.Inputs))
			for k, v := range s.Inputs {
				out[i].Inputs[k] = v
			}
		}
	}
	return out
}

// TierPtr is a convenience for declaring a tier override.
func TierPtr(t Tier) *Tier {
	return &t
}
