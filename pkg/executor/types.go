package executor

import (
	"context"
	"time"

	"github.com/jingkaihe/autoskill/pkg/skills"
)

// ToolResult is what a tool dispatcher reports for one call.
type ToolResult struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ToolDispatcher executes named tools with resolved inputs.
type ToolDispatcher interface {
	ExecuteTool(ctx context.Context, name string, inputs map[string]any) ToolResult
}

// AgentTask is a long-running task handed to the agent collaborator.
type AgentTask struct {
	Description string         `json:"description"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	Skill       string         `json:"skill"`
	StepID      string         `json:"step_id"`
	ExecutionID string         `json:"execution_id"`
	UserID      string         `json:"user_id,omitempty"`
}

// AgentDispatcher accepts agent tasks and returns a task id without waiting
// for completion.
type AgentDispatcher interface {
	Submit(ctx context.Context, task AgentTask) (string, error)
}

// SkillSource resolves nested skill references.
type SkillSource interface {
	Get(name string) (*skills.Definition, bool)
}

// ExecContext is the per-invocation context. It is never persisted.
type ExecContext struct {
	UserID string
	Text   string
	Pillar string
	Inputs map[string]any
	// Extra holds caller-supplied context fields addressable as context.<key>.
	Extra map[string]any
	// ExecutionID tracks the top-level run for stop requests. Assigned when empty.
	ExecutionID string
	// Deadline overrides the skill and default timeouts when set.
	Deadline time.Time
	// Approved authorises tier-2 skills.
	Approved bool

	depth       int
	chain       []string
	invokerTier *skills.Tier
}

// Depth returns the composition depth; zero for a top-level invocation.
func (c *ExecContext) Depth() int {
	return c.depth
}

// Chain returns the skill names on the current invocation path.
func (c *ExecContext) Chain() []string {
	return append([]string(nil), c.chain...)
}

// Status is the terminal outcome of an execution.
type Status string

// Status constants
const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
	StatusBlocked   Status = "blocked"
)

// StepStatus is the outcome of one step.
type StepStatus string

// StepStatus constants
const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	// StepContinued is a failure absorbed by on_error: continue.
	StepContinued StepStatus = "continued"
)

// StepResult records one executed step.
type StepResult struct {
	ID       string          `json:"id"`
	Kind     skills.StepKind `json:"kind"`
	Status   StepStatus      `json:"status"`
	Success  bool            `json:"success"`
	Output   any             `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
	Attempts int             `json:"attempts"`
	Duration time.Duration   `json:"duration"`
	// Cleanup is set for always_run steps executed after the run ended.
	Cleanup bool `json:"cleanup,omitempty"`
}

// fields exposes the step result under step.<id>.<field>.
func (r *StepResult) fields() map[string]any {
	m := map[string]any{
		"success":  r.Success,
		"output":   r.Output,
		"error":    r.Error,
		"attempts": r.Attempts,
		"status":   string(r.Status),
	}
	if out, ok := r.Output.(map[string]any); ok {
		for k, v := range out {
			m[k] = v
		}
	}
	return m
}

// Result is the outcome of Execute. Reason is always set and is suitable
// for direct display.
type Result struct {
	Skill       string        `json:"skill"`
	ExecutionID string        `json:"execution_id"`
	Status      Status        `json:"status"`
	Success     bool          `json:"success"`
	Output      any           `json:"output,omitempty"`
	Error       string        `json:"error,omitempty"`
	Reason      string        `json:"reason"`
	Steps       []*StepResult `json:"steps"`
	ToolsUsed   []string      `json:"tools_used"`
	Duration    time.Duration `json:"duration"`
	// Err is the typed terminal error, for errors.Is / errors.As.
	Err error `json:"-"`
}

// Step returns the result of the step with the given id.
func (r *Result) Step(id string) (*StepResult, bool) {
	for _, s := range r.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// InvokerTier returns the tier of the skill that composed this one.
func (c *ExecContext) InvokerTier() (skills.Tier, bool) {
	if c.invokerTier == nil {
		return skills.TierReadOnly, false
	}
	return *c.invokerTier, true
}
