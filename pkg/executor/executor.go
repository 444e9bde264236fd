// Package executor runs skill processes. Steps run strictly in order; each
// step is a closed union of tool, nested skill, agent and conditional kinds
// dispatched by a single exhaustive switch. Composition safety (depth,
// cycles, tier escalation) and the tier-2 approval gate are enforced before
// any affected step runs.
package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jingkaihe/autoskill/pkg/clock"
	"github.com/jingkaihe/autoskill/pkg/expr"
	"github.com/jingkaihe/autoskill/pkg/logger"
	"github.com/jingkaihe/autoskill/pkg/skills"
	"github.com/jingkaihe/autoskill/pkg/telemetry"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// MaxDepth is the deepest allowed composition. A top-level run is depth 0.
	MaxDepth = 3

	// DefaultTimeout applies when neither the caller nor the skill sets one.
	DefaultTimeout = 5 * time.Minute

	// DefaultRetryDelay is the pause between retry attempts.
	DefaultRetryDelay = 200 * time.Millisecond
)

// Executor runs skills. One instance serves any number of concurrent
// top-level invocations.
type Executor struct {
	skills     SkillSource
	tools      ToolDispatcher
	agents     AgentDispatcher
	effects    skills.EffectLookup
	conditions *expr.Engine
	clock      clock.Clock

	defaultTimeout time.Duration
	retryDelay     time.Duration

	mu      sync.Mutex
	running map[string]*atomic.Bool
}

// Option configures an Executor.
type Option func(*Executor)

// WithTools sets the tool dispatcher.
func WithTools(d ToolDispatcher) Option {
	return func(e *Executor) { e.tools = d }
}

// WithAgents sets the agent dispatcher.
func WithAgents(d AgentDispatcher) Option {
	return func(e *Executor) { e.agents = d }
}

// WithEffects sets the tool effect catalog used for tier derivation.
func WithEffects(l skills.EffectLookup) Option {
	return func(e *Executor) { e.effects = l }
}

// WithClock sets the clock used for deadlines and durations.
func WithClock(c clock.Clock) Option {
	return func(e *Executor) { e.clock = c }
}

// WithDefaultTimeout sets the timeout used when a skill declares none.
// Zero disables the default.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Executor) { e.defaultTimeout = d }
}

// WithRetryDelay sets the pause between retry attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(e *Executor) { e.retryDelay = d }
}

// New creates an executor that resolves nested skills from source.
func New(source SkillSource, opts ...Option) *Executor {
	e := &Executor{
		skills:         source,
		effects:        skills.DefaultToolEffects(),
		conditions:     expr.NewEngine(),
		clock:          clock.Real(),
		defaultTimeout: DefaultTimeout,
		retryDelay:     DefaultRetryDelay,
		running:        make(map[string]*atomic.Bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Stop flags the execution for a cooperative stop at its next step
// boundary. It reports whether the execution was in flight.
func (e *Executor) Stop(executionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	flag, ok := e.running[executionID]
	if ok {
		flag.Store(true)
	}
	return ok
}

// Running returns the ids of in-flight top-level executions.
func (e *Executor) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Executor) track(id string) (*atomic.Bool, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	flag, ok := e.running[id]
	if !ok {
		flag = &atomic.Bool{}
		e.running[id] = flag
	}
	return flag, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.running, id)
	}
}

// Execute runs def as a top-level invocation. It never returns nil; every
// outcome, including blocked and stopped runs, is described by the Result.
func (e *Executor) Execute(ctx context.Context, def *skills.Definition, ec *ExecContext) *Result {
	if ec == nil {
		ec = &ExecContext{}
	}
	top := *ec
	top.depth = 0
	top.chain = nil
	top.invokerTier = nil
	if top.ExecutionID == "" {
		top.ExecutionID = uuid.New().String()
	}

	stop, untrack := e.track(top.ExecutionID)
	defer untrack()

	return e.execute(ctx, def, &top, stop)
}

func (e *Executor) execute(ctx context.Context, def *skills.Definition, ec *ExecContext, stop *atomic.Bool) *Result {
	var res *Result
	telemetry.WithSpanFunc(ctx, "skill.execute", func(ctx context.Context) {
		res = e.executeInSpan(ctx, def, ec, stop)
		telemetry.SetAttributes(ctx,
			attribute.String("skill.status", string(res.Status)),
			attribute.Int("skill.steps", len(res.Steps)),
		)
	},
		attribute.String("skill.name", def.Name),
		attribute.String("skill.execution_id", ec.ExecutionID),
		attribute.Int("skill.depth", ec.depth),
	)
	return res
}

func (e *Executor) executeInSpan(ctx context.Context, def *skills.Definition, ec *ExecContext, stop *atomic.Bool) *Result {
	start := e.clock.Now()
	res := &Result{
		Skill:       def.Name,
		ExecutionID: ec.ExecutionID,
		Steps:       []*StepResult{},
		ToolsUsed:   []string{},
	}
	ctx = logger.WithFields(ctx, logrus.Fields{
		"skill":        def.Name,
		"execution_id": ec.ExecutionID,
		"depth":        ec.depth,
	})
	log := logger.G(ctx)

	finish := func(status Status, err error, reason string) *Result {
		res.Status = status
		res.Success = status == StatusSucceeded
		res.Err = err
		if err != nil {
			res.Error = err.Error()
		}
		res.Reason = reason
		res.Duration = e.clock.Now().Sub(start)

		entry := log.WithField("status", status).WithField("reason", reason)
		switch {
		case ec.depth > 0:
			entry.Debug("nested skill finished")
		case status == StatusFailed:
			entry.Warn("skill execution finished")
		default:
			entry.Info("skill execution finished")
		}
		return res
	}

	if !def.Enabled {
		return finish(StatusBlocked, ErrSkillDisabled, fmt.Sprintf("skill %s is disabled", def.Name))
	}

	tier := def.EffectiveTier(e.effects)
	if tier == skills.TierExternal && !ec.Approved {
		return finish(StatusBlocked, ErrApprovalRequired,
			fmt.Sprintf("skill %s is %s and needs explicit approval before it runs", def.Name, tier))
	}

	inputs, err := def.PrepareInputs(ec.Inputs)
	if err != nil {
		return finish(StatusBlocked, errors.Wrap(ErrInvalidInputs, err.Error()),
			fmt.Sprintf("skill %s rejected its inputs: %s", def.Name, err))
	}

	if len(def.Process.Steps) == 0 {
		log.WithError(ErrNoSteps).Error("skill has nothing to execute")
		return finish(StatusFailed, ErrNoSteps, fmt.Sprintf("skill %s has no steps", def.Name))
	}

	chain := ec.chain
	if len(chain) == 0 {
		chain = []string{def.Name}
	}

	r := &run{
		e:        e,
		def:      def,
		tier:     tier,
		ec:       ec,
		chain:    chain,
		inputs:   inputs,
		steps:    make(map[string]*StepResult),
		res:      res,
		tools:    make(map[string]struct{}),
		deadline: e.deadline(def, ec, start),
		stop:     stop,
		log:      log,
	}

	runErr := r.runSequence(ctx, def.Process.Steps)

	switch {
	case runErr == nil:
		output, err := r.output()
		if err != nil {
			return finish(StatusFailed, err, fmt.Sprintf("skill %s could not build its output: %s", def.Name, err))
		}
		res.Output = output
		return finish(StatusSucceeded, nil, fmt.Sprintf("skill %s completed %d steps", def.Name, len(res.Steps)))
	case errors.Is(runErr, ErrStopRequested):
		return finish(StatusStopped, runErr, fmt.Sprintf("skill %s stopped on request: %s", def.Name, runErr))
	default:
		return finish(StatusFailed, runErr, fmt.Sprintf("skill %s failed: %s", def.Name, runErr))
	}
}

// deadline picks the earliest of the caller's deadline and the skill's own
// timeout, falling back to the default timeout.
func (e *Executor) deadline(def *skills.Definition, ec *ExecContext, now time.Time) time.Time {
	deadline := ec.Deadline
	if timeout, err := def.Process.TimeoutDuration(); err == nil && timeout > 0 {
		if own := now.Add(timeout); deadline.IsZero() || own.Before(deadline) {
			deadline = own
		}
	}
	if deadline.IsZero() && e.defaultTimeout > 0 {
		deadline = now.Add(e.defaultTimeout)
	}
	return deadline
}
