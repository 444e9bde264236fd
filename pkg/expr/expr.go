// Package expr compiles and evaluates the boolean conditions of conditional
// skill steps. Conditions are CEL expressions over three map variables:
// input, step and context.
package expr

import (
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"
)

const (
	// DefaultMaxExpressionLength bounds the size of a condition.
	DefaultMaxExpressionLength = 4096

	// DefaultCostLimit bounds the runtime cost of evaluating a condition.
	DefaultCostLimit = 100000
)

// Engine compiles conditions lazily and caches the compiled programs by
// source. It is safe for concurrent use.
type Engine struct {
	envOnce sync.Once
	env     *cel.Env
	envErr  error

	programs sync.Map // source -> *Compiled

	maxExpressionLength int
	costLimit           uint64
}

// Compiled is a condition ready for evaluation.
type Compiled struct {
	source  string
	program cel.Program
}

// Source returns the original expression.
func (c *Compiled) Source() string {
	return c.source
}

// NewEngine creates an engine with the default limits.
func NewEngine() *Engine {
	return &Engine{
		maxExpressionLength: DefaultMaxExpressionLength,
		costLimit:           DefaultCostLimit,
	}
}

// WithCostLimit sets the runtime cost limit.
func (e *Engine) WithCostLimit(limit uint64) *Engine {
	e.costLimit = limit
	return e
}

func (e *Engine) getEnv() (*cel.Env, error) {
	e.envOnce.Do(func() {
		e.env, e.envErr = cel.NewEnv(
			cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable("step", cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
		)
	})
	return e.env, e.envErr
}

// Compile parses and type-checks a condition. Results are cached.
func (e *Engine) Compile(source string) (*Compiled, error) {
	if cached, ok := e.programs.Load(source); ok {
		return cached.(*Compiled), nil
	}

	if len(source) > e.maxExpressionLength {
		return nil, errors.Wrapf(ErrExpressionCheck, "expression length %d exceeds maximum of %d",
			len(source), e.maxExpressionLength)
	}

	env, err := e.getEnv()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create CEL environment")
	}

	parsed, issues := env.Parse(source)
	if issues.Err() != nil {
		return nil, newParseError(source, issues)
	}

	checked, issues := env.Check(parsed)
	if issues.Err() != nil {
		return nil, newCheckError(source, issues)
	}

	program, err := env.Program(checked, cel.CostLimit(e.costLimit))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create CEL program for %q", source)
	}

	compiled := &Compiled{source: source, program: program}
	actual, _ := e.programs.LoadOrStore(source, compiled)
	return actual.(*Compiled), nil
}

// EvaluateBool compiles (or reuses) source and evaluates it against vars,
// which should carry the input, step and context maps.
func (e *Engine) EvaluateBool(source string, vars map[string]any) (bool, error) {
	compiled, err := e.Compile(source)
	if err != nil {
		return false, err
	}
	return compiled.EvaluateBool(vars)
}

// EvaluateBool runs the program and requires a boolean result.
func (c *Compiled) EvaluateBool(vars map[string]any) (bool, error) {
	activation := map[string]any{
		"input":   map[string]any{},
		"step":    map[string]any{},
		"context": map[string]any{},
	}
	for k, v := range vars {
		activation[k] = v
	}

	out, _, err := c.program.Eval(activation)
	if err != nil {
		return false, errors.Wrapf(ErrEvaluation, "%q: %s", c.source, err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, errors.Wrapf(ErrInvalidResult, "%q: expected bool, got %T", c.source, out.Value())
	}
	return result, nil
}
