package executor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jingkaihe/autoskill/pkg/skills"
	"github.com/jingkaihe/autoskill/pkg/telemetry"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// run is the state of one skill invocation.
type run struct {
	e        *Executor
	def      *skills.Definition
	tier     skills.Tier
	ec       *ExecContext
	chain    []string
	inputs   map[string]any
	steps    map[string]*StepResult
	res      *Result
	tools    map[string]struct{}
	deadline time.Time
	stop     *atomic.Bool
	log      *logrus.Entry

	lastOutput any
}

// runSequence executes steps in order. The first terminal error ends the
// sequence; always_run steps from that point on still execute as cleanup
// and the terminal error is returned.
func (r *run) runSequence(ctx context.Context, steps []skills.Step) error {
	for i, step := range steps {
		if err := r.checkBoundary(ctx, step); err != nil {
			r.cleanup(ctx, steps[i:])
			return err
		}
		if err := r.runStep(ctx, step, false); err != nil {
			r.cleanup(ctx, steps[i+1:])
			return err
		}
	}
	return nil
}

// checkBoundary enforces stop requests, cancellation and the deadline
// before a step starts.
func (r *run) checkBoundary(ctx context.Context, step skills.Step) error {
	if r.stop != nil && r.stop.Load() {
		return errors.Wrapf(ErrStopRequested, "before step %s", step.ID)
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrapf(err, "cancelled before step %s", step.ID)
	}
	if !r.deadline.IsZero() && !r.e.clock.Now().Before(r.deadline) {
		err := errors.Wrapf(ErrTimeout, "step %s", step.ID)
		if step.AlwaysRun {
			// recorded once by cleanup
			return err
		}
		r.record(&StepResult{
			ID:     step.ID,
			Kind:   step.Kind(),
			Status: StepFailed,
			Error:  err.Error(),
		})
		return err
	}
	return nil
}

// cleanup runs the always_run steps among steps. Their failures are logged
// and recorded but never change the run's outcome.
func (r *run) cleanup(ctx context.Context, steps []skills.Step) {
	for _, step := range steps {
		if !step.AlwaysRun {
			continue
		}
		if err := r.runStep(context.WithoutCancel(ctx), step, true); err != nil {
			r.log.WithError(err).WithField("step", step.ID).Warn("cleanup step failed")
		}
	}
}

func (r *run) record(sr *StepResult) {
	r.steps[sr.ID] = sr
	r.res.Steps = append(r.res.Steps, sr)
}

// runStep executes one step under its error policy. A nil return means the
// run continues; any error is terminal for the enclosing sequence.
func (r *run) runStep(ctx context.Context, step skills.Step, cleanup bool) error {
	sr := &StepResult{ID: step.ID, Kind: step.Kind(), Cleanup: cleanup}
	r.record(sr)
	start := r.e.clock.Now()

	var output any
	err := telemetry.WithSpan(ctx, "skill.step", func(ctx context.Context) error {
		var err error
		output, err = r.attempt(ctx, step, sr)
		return err
	},
		attribute.String("skill.name", r.def.Name),
		attribute.String("step.id", step.ID),
		attribute.String("step.kind", string(sr.Kind)),
	)
	sr.Duration = r.e.clock.Now().Sub(start)

	if err == nil {
		sr.Status = StepSucceeded
		sr.Success = true
		sr.Output = output
		r.lastOutput = output
		return nil
	}

	sr.Error = err.Error()
	entry := r.log.WithError(err).WithField("step", step.ID).WithField("attempts", sr.Attempts)

	if fatal(err) {
		sr.Status = StepFailed
		if errors.Is(err, ErrStopRequested) {
			entry.Info("step ended by stop request")
		} else {
			entry.Warn("step failed fatally")
		}
		return err
	}

	if step.Policy() == skills.OnErrorContinue {
		sr.Status = StepContinued
		entry.Info("step failed, continuing")
		return nil
	}

	sr.Status = StepFailed
	entry.Warn("step failed")
	return errors.Wrapf(err, "step %s", step.ID)
}

// attempt dispatches the step once, or up to retry_count times under the
// retry policy. Fatal errors are never retried.
func (r *run) attempt(ctx context.Context, step skills.Step, sr *StepResult) (any, error) {
	if step.Policy() != skills.OnErrorRetry || step.RetryCount <= 1 {
		sr.Attempts = 1
		return r.dispatch(ctx, step)
	}

	var output any
	err := retry.Do(
		func() error {
			sr.Attempts++
			var err error
			output, err = r.dispatch(ctx, step)
			return err
		},
		retry.Attempts(uint(step.RetryCount)),
		retry.Delay(r.e.retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return !fatal(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			r.log.WithError(err).WithField("step", step.ID).
				WithField("attempt", n+1).
				Debug("retrying step")
		}),
	)
	return output, err
}

// dispatch is the single exhaustive switch over step kinds.
func (r *run) dispatch(ctx context.Context, step skills.Step) (any, error) {
	switch step.Kind() {
	case skills.StepKindTool:
		return r.runTool(ctx, step)
	case skills.StepKindSkill:
		return r.runNested(ctx, step)
	case skills.StepKindAgent:
		return r.runAgent(ctx, step)
	case skills.StepKindConditional:
		return r.runConditional(ctx, step)
	case skills.StepKindInvalid:
		return nil, &terminalError{err: errors.Errorf("step %s must set exactly one of tool, skill, agent or if", step.ID)}
	}
	return nil, &terminalError{err: errors.Errorf("step %s has unknown kind %q", step.ID, step.Kind())}
}

func (r *run) runTool(ctx context.Context, step skills.Step) (any, error) {
	if r.e.tools == nil {
		return nil, errors.Errorf("no tool dispatcher configured for %s", step.Tool)
	}
	inputs, err := ResolveInputs(step.Inputs, r)
	if err != nil {
		return nil, err
	}

	r.useTool(step.Tool)
	result := r.e.tools.ExecuteTool(ctx, step.Tool, inputs)
	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = "tool reported failure"
		}
		return nil, errors.Errorf("tool %s: %s", step.Tool, msg)
	}
	return result.Result, nil
}

func (r *run) useTool(name string) {
	if _, ok := r.tools[name]; ok {
		return
	}
	r.tools[name] = struct{}{}
	r.res.ToolsUsed = append(r.res.ToolsUsed, name)
}

func (r *run) runNested(ctx context.Context, step skills.Step) (any, error) {
	if r.e.skills == nil {
		return nil, errors.Errorf("no skill source configured for %s", step.Skill)
	}
	target, ok := r.e.skills.Get(step.Skill)
	if !ok {
		return nil, errors.Errorf("skill %s not found", step.Skill)
	}

	depth := r.ec.depth + 1
	if depth > MaxDepth {
		return nil, &CompositionError{
			Kind:   CompositionDepth,
			Chain:  append([]string(nil), r.chain...),
			Target: target.Name,
			Detail: fmt.Sprintf("depth %d exceeds the maximum of %d", depth, MaxDepth),
		}
	}
	for _, name := range r.chain {
		if name == target.Name {
			return nil, &CompositionError{
				Kind:   CompositionCycle,
				Chain:  append([]string(nil), r.chain...),
				Target: target.Name,
			}
		}
	}
	targetTier := target.EffectiveTier(r.e.effects)
	if targetTier > r.tier {
		return nil, &CompositionError{
			Kind:   CompositionTier,
			Chain:  append([]string(nil), r.chain...),
			Target: target.Name,
			Detail: fmt.Sprintf("%s may not call %s", r.tier, targetTier),
		}
	}

	inputs, err := ResolveInputs(step.Inputs, r)
	if err != nil {
		return nil, err
	}

	invoker := r.tier
	child := &ExecContext{
		UserID:      r.ec.UserID,
		Text:        r.ec.Text,
		Pillar:      r.ec.Pillar,
		Inputs:      inputs,
		Extra:       r.ec.Extra,
		ExecutionID: r.ec.ExecutionID,
		Deadline:    r.deadline,
		Approved:    r.ec.Approved,
		depth:       depth,
		chain:       append(append([]string(nil), r.chain...), target.Name),
		invokerTier: &invoker,
	}

	nested := r.e.execute(ctx, target, child, r.stop)
	for _, tool := range nested.ToolsUsed {
		r.useTool(tool)
	}

	switch nested.Status {
	case StatusSucceeded:
		return nested.Output, nil
	case StatusStopped:
		return nil, nested.Err
	default:
		if fatal(nested.Err) {
			return nil, nested.Err
		}
		return nil, errors.Errorf("nested skill %s: %s", target.Name, nested.Reason)
	}
}

func (r *run) runAgent(ctx context.Context, step skills.Step) (any, error) {
	if r.e.agents == nil {
		return nil, errors.New("no agent dispatcher configured")
	}
	description, err := ResolveString(step.Agent, r)
	if err != nil {
		return nil, err
	}
	inputs, err := ResolveInputs(step.Inputs, r)
	if err != nil {
		return nil, err
	}

	taskID, err := r.e.agents.Submit(ctx, AgentTask{
		Description: description,
		Inputs:      inputs,
		Skill:       r.def.Name,
		StepID:      step.ID,
		ExecutionID: r.ec.ExecutionID,
		UserID:      r.ec.UserID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to submit agent task")
	}
	return map[string]any{"status": "pending", "task_id": taskID}, nil
}

func (r *run) runConditional(ctx context.Context, step skills.Step) (any, error) {
	vars := map[string]any{
		ScopeInput:   r.inputs,
		ScopeStep:    r.stepVars(),
		ScopeContext: r.contextVars(),
	}
	matched, err := r.e.conditions.EvaluateBool(step.If, vars)
	if err != nil {
		return nil, err
	}

	branch, name := step.Else, "else"
	if matched {
		branch, name = step.Then, "then"
	}
	if err := r.runSequence(ctx, branch); err != nil {
		if fatal(err) {
			return nil, err
		}
		return nil, &terminalError{err: err}
	}
	return map[string]any{"condition": matched, "branch": name}, nil
}

// output is the process return template when declared, otherwise the last
// successful step's output.
func (r *run) output() (any, error) {
	if r.def.Process.Return == "" {
		return r.lastOutput, nil
	}
	return ResolveValue(r.def.Process.Return, r)
}

// Lookup implements Lookup over the run's inputs, step results and context.
func (r *run) Lookup(ref Ref) (any, bool) {
	switch ref.Scope {
	case ScopeInput:
		return walk(r.inputs, ref.Path)
	case ScopeStep:
		sr, ok := r.steps[ref.Path[0]]
		if !ok {
			return nil, false
		}
		return walk(sr.fields(), ref.Path[1:])
	case ScopeContext:
		return walk(r.contextVars(), ref.Path)
	}
	return nil, false
}

func (r *run) stepVars() map[string]any {
	out := make(map[string]any, len(r.steps))
	for id, sr := range r.steps {
		out[id] = sr.fields()
	}
	return out
}

func (r *run) contextVars() map[string]any {
	out := make(map[string]any, len(r.ec.Extra)+7)
	for k, v := range r.ec.Extra {
		out[k] = v
	}
	out["user_id"] = r.ec.UserID
	out["text"] = r.ec.Text
	out["pillar"] = r.ec.Pillar
	out["execution_id"] = r.ec.ExecutionID
	out["depth"] = r.ec.depth
	out["skill"] = r.def.Name
	out["inputs"] = r.inputs
	return out
}
