package expr

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"
)

// Sentinel errors for condition handling.
var (
	// ErrExpressionCheck is returned when a condition fails syntax or type checking.
	ErrExpressionCheck = errors.New("condition check failed")

	// ErrEvaluation is returned when a condition fails at runtime.
	ErrEvaluation = errors.New("condition evaluation failed")

	// ErrInvalidResult is returned when a condition does not produce a bool.
	ErrInvalidResult = errors.New("condition returned a non-boolean result")
)

// Issue is one located problem in an expression.
type Issue struct {
	Line int    `json:"line,omitempty"`
	Col  int    `json:"col,omitempty"`
	Msg  string `json:"msg,omitempty"`
}

func issuesFrom(issues *cel.Issues) []Issue {
	out := make([]Issue, 0, len(issues.Errors()))
	for _, err := range issues.Errors() {
		out = append(out, Issue{
			Line: err.Location.Line(),
			Col:  err.Location.Column(),
			Msg:  err.Message,
		})
	}
	return out
}

// ParseError is a syntax error in a condition.
type ParseError struct {
	Source string
	Issues []Issue
	cause  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("syntax error in condition %q: %s", e.Source, e.cause)
}

// Unwrap returns ErrExpressionCheck-wrapped CEL issues.
func (e *ParseError) Unwrap() error {
	return e.cause
}

// CheckError is a type error in a condition.
type CheckError struct {
	Source string
	Issues []Issue
	cause  error
}

func (e *CheckError) Error() string {
	return fmt.Sprintf("type error in condition %q: %s", e.Source, e.cause)
}

// Unwrap returns ErrExpressionCheck-wrapped CEL issues.
func (e *CheckError) Unwrap() error {
	return e.cause
}

func newParseError(source string, issues *cel.Issues) error {
	return &ParseError{
		Source: source,
		Issues: issuesFrom(issues),
		cause:  errors.Wrap(ErrExpressionCheck, issues.Err().Error()),
	}
}

func newCheckError(source string, issues *cel.Issues) error {
	return &CheckError{
		Source: source,
		Issues: issuesFrom(issues),
		cause:  errors.Wrap(ErrExpressionCheck, issues.Err().Error()),
	}
}
