package executor

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Sentinel errors. Callers branch on these with errors.Is.
var (
	// ErrStopRequested marks a run ended by a stop request. It is a
	// non-error termination and is never retried.
	ErrStopRequested = errors.New("stop requested")
	// ErrTimeout marks a run that reached its deadline.
	ErrTimeout = errors.New("deadline exceeded")
	// ErrApprovalRequired blocks tier-2 skills that were not approved.
	ErrApprovalRequired = errors.New("tier-2 skill requires approval")
	// ErrSkillDisabled blocks disabled skills.
	ErrSkillDisabled = errors.New("skill is disabled")
	// ErrNoSteps is the defect of a skill that has nothing to run.
	ErrNoSteps = errors.New("skill has no steps")
	// ErrInvalidInputs blocks runs whose input bag fails the skill's schema.
	ErrInvalidInputs = errors.New("invalid inputs")
)

// CompositionKind identifies which composition rule was violated.
type CompositionKind string

// CompositionKind constants
const (
	CompositionCycle CompositionKind = "cycle"
	CompositionDepth CompositionKind = "depth"
	CompositionTier  CompositionKind = "tier"
)

// CompositionError is a violated composition safety rule. It is fatal to
// the whole invocation regardless of step error policy.
type CompositionError struct {
	Kind   CompositionKind
	Chain  []string
	Target string
	Detail string
}

func (e *CompositionError) Error() string {
	switch e.Kind {
	case CompositionCycle:
		return fmt.Sprintf("composition cycle: %s -> %s", strings.Join(e.Chain, " -> "), e.Target)
	case CompositionDepth:
		return fmt.Sprintf("composition depth exceeded calling %s: %s", e.Target, e.Detail)
	default:
		return fmt.Sprintf("composition tier violation calling %s: %s", e.Target, e.Detail)
	}
}

// IsCompositionError reports whether err is or wraps a CompositionError.
func IsCompositionError(err error) bool {
	var ce *CompositionError
	return errors.As(err, &ce)
}

// terminalError ends the run regardless of the enclosing step's policy.
// Conditional steps use it to carry a failure out of a branch.
type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }

func (e *terminalError) Unwrap() error { return e.err }

// fatal reports whether err must bypass per-step error policy.
func fatal(err error) bool {
	var te *terminalError
	return errors.Is(err, ErrStopRequested) ||
		errors.Is(err, ErrTimeout) ||
		IsCompositionError(err) ||
		errors.As(err, &te)
}
