// Package assistant is the composition root. It owns one instance of every
// engine component and routes events through them: normalize, match,
// execute, record, then fold the outcome into skill metrics.
package assistant

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jingkaihe/autoskill/pkg/actionlog"
	"github.com/jingkaihe/autoskill/pkg/approval"
	"github.com/jingkaihe/autoskill/pkg/clock"
	"github.com/jingkaihe/autoskill/pkg/config"
	"github.com/jingkaihe/autoskill/pkg/executor"
	"github.com/jingkaihe/autoskill/pkg/intent"
	"github.com/jingkaihe/autoskill/pkg/logger"
	"github.com/jingkaihe/autoskill/pkg/notify"
	"github.com/jingkaihe/autoskill/pkg/patterns"
	"github.com/jingkaihe/autoskill/pkg/registry"
	"github.com/jingkaihe/autoskill/pkg/skills"
	"github.com/jingkaihe/autoskill/pkg/tasks"
	"github.com/jingkaihe/autoskill/pkg/tools"
	"github.com/jingkaihe/autoskill/pkg/zones"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// StatusUnmatched marks logged events that no skill handled.
const StatusUnmatched = "unmatched"

// Event is one incoming piece of user activity.
type Event struct {
	Text            string         `json:"text"`
	UserID          string         `json:"user_id,omitempty"`
	Pillar          string         `json:"pillar,omitempty"`
	Confidence      float64        `json:"confidence,omitempty"`
	ContentCategory string         `json:"content_category,omitempty"`
	Inputs          map[string]any `json:"inputs,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"`
	ExecutionID     string         `json:"execution_id,omitempty"`
	// Approved authorises tier-2 skills for this event.
	Approved bool `json:"approved,omitempty"`
}

func (ev Event) matchContext() registry.MatchContext {
	return registry.MatchContext{
		Pillar:          ev.Pillar,
		Confidence:      ev.Confidence,
		ContentCategory: ev.ContentCategory,
	}
}

// Outcome describes what handling an event did. A nil Result means no skill
// ran; Reason always explains the outcome.
type Outcome struct {
	Intent       intent.Result    `json:"intent"`
	Match        *registry.Match  `json:"match,omitempty"`
	Result       *executor.Result `json:"result,omitempty"`
	ActionID     int64            `json:"action_id,omitempty"`
	Metrics      *skills.Metrics  `json:"metrics,omitempty"`
	AutoDisabled bool             `json:"auto_disabled,omitempty"`
	Reason       string           `json:"reason"`
}

// CleanupReport summarises queue and action log housekeeping.
type CleanupReport struct {
	Queue         approval.CleanupReport `json:"queue"`
	ActionsPruned int64                  `json:"actions_pruned"`
}

// Assistant wires the registry, executor, detector and gate together.
type Assistant struct {
	cfg   *config.Config
	clock clock.Clock

	registry  *registry.Registry
	discovery *skills.Discovery
	executor  *executor.Executor
	tools     *tools.Manager
	tasks     *tasks.Store
	actions   *actionlog.Store
	detector  *patterns.Detector
	gate      *approval.Gate
	effects   skills.ToolEffects
	overrides *overrides
}

type options struct {
	clock    clock.Clock
	sink     notify.Sink
	dispatch executor.ToolDispatcher
	stdout   io.Writer
}

// Option configures an Assistant.
type Option func(*options)

// WithClock overrides the wall clock for every component.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithSink replaces the notification sinks built from configuration.
func WithSink(s notify.Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithToolDispatcher replaces the executable tool manager as the dispatcher
// behind the browser gate.
func WithToolDispatcher(d executor.ToolDispatcher) Option {
	return func(o *options) { o.dispatch = d }
}

// WithStdout sets where notify.stdout notices are written.
func WithStdout(w io.Writer) Option {
	return func(o *options) { o.stdout = w }
}

// New builds every component from cfg and loads the skill index.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Assistant, error) {
	o := &options{clock: clock.Real()}
	for _, opt := range opts {
		opt(o)
	}
	ctx = logger.WithComponent(ctx, "assistant")

	a := &Assistant{cfg: cfg, clock: o.clock}

	var err error
	a.discovery, err = skills.NewDiscovery(skills.WithSkillDirs(cfg.Skills.SearchDirs()...))
	if err != nil {
		return nil, err
	}
	a.registry = registry.New(registry.WithLoader(a.discovery), registry.WithClock(o.clock))

	a.overrides, err = newOverrides(cfg.Skills.OverridesPath)
	if err != nil {
		return nil, err
	}

	a.tools = tools.NewManager(
		tools.WithDirs(cfg.Tools.Dirs...),
		tools.WithAllowList(cfg.Tools.AllowList...),
		tools.WithTimeout(cfg.Tools.Timeout),
	)
	if err := a.tools.Discover(ctx); err != nil {
		logger.G(ctx).WithError(err).Warn("tool discovery failed, continuing without executable tools")
	}
	configured, err := tools.ParseEffects(cfg.Tools.Effects)
	if err != nil {
		return nil, errors.Wrap(err, "invalid tools.effects")
	}
	a.effects = tools.Catalog(a.tools.Effects(), configured)

	var dispatch executor.ToolDispatcher = a.tools
	if o.dispatch != nil {
		dispatch = o.dispatch
	}
	gated, err := tools.NewGated(dispatch, a.tools, cfg.Tools.BrowserPatterns)
	if err != nil {
		return nil, err
	}

	a.tasks, err = tasks.NewStore(cfg.Agents.TasksPath, tasks.WithClock(o.clock))
	if err != nil {
		return nil, err
	}

	a.executor = executor.New(a.registry,
		executor.WithTools(gated),
		executor.WithAgents(a.tasks),
		executor.WithEffects(a.effects),
		executor.WithClock(o.clock),
		executor.WithDefaultTimeout(cfg.Executor.DefaultTimeout),
		executor.WithRetryDelay(cfg.Executor.RetryDelay),
	)

	classifier, err := zones.New(cfg.Zones)
	if err != nil {
		return nil, errors.Wrap(err, "invalid zones configuration")
	}
	queue, err := approval.NewQueue(cfg.Approval.QueuePath, o.clock)
	if err != nil {
		return nil, err
	}
	deployer := approval.NewDeployer(cfg.Skills.GeneratedDir, cfg.Approval.RollbackWindow, &registrar{a: a}, queue)

	sink := o.sink
	if sink == nil {
		sink = sinksFromConfig(cfg.Notify, o.stdout)
	}
	a.gate = approval.NewGate(classifier, queue, deployer, sink)

	a.actions, err = actionlog.Open(ctx, cfg.ActionLog.Path, actionlog.WithClock(o.clock))
	if err != nil {
		return nil, err
	}

	a.detector = patterns.New(a.actions, a.registry, a.gate,
		patterns.WithConfig(cfg.Detector.Config),
		patterns.WithEffects(a.effects),
		patterns.WithClock(o.clock),
	)

	if err := a.Reload(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func sinksFromConfig(cfg config.NotifyConfig, stdout io.Writer) notify.Sink {
	var sinks notify.Multi
	if cfg.SlackWebhookURL != "" {
		sinks = append(sinks, notify.NewSlack(cfg.SlackWebhookURL))
	}
	if cfg.Stdout && stdout != nil {
		sinks = append(sinks, notify.NewWriter(stdout))
	}
	if len(sinks) == 0 {
		return notify.Discard{}
	}
	return sinks
}

// Close releases the action log.
func (a *Assistant) Close() error {
	if a.actions == nil {
		return nil
	}
	return a.actions.Close()
}

// Config returns the configuration the assistant was built from.
func (a *Assistant) Config() *config.Config { return a.cfg }

// Registry returns the skill registry.
func (a *Assistant) Registry() *registry.Registry { return a.registry }

// Executor returns the step executor.
func (a *Assistant) Executor() *executor.Executor { return a.executor }

// Tools returns the executable tool manager.
func (a *Assistant) Tools() *tools.Manager { return a.tools }

// Tasks returns the agent task store.
func (a *Assistant) Tasks() *tasks.Store { return a.tasks }

// Actions returns the action log.
func (a *Assistant) Actions() *actionlog.Store { return a.actions }

// Gate returns the approval gate.
func (a *Assistant) Gate() *approval.Gate { return a.gate }

// Effects returns the tool effect catalog.
func (a *Assistant) Effects() skills.ToolEffects { return a.effects }

// Reload rescans the skill directories and reapplies persisted overrides.
func (a *Assistant) Reload(ctx context.Context) error {
	if err := a.registry.Load(ctx); err != nil {
		return err
	}
	saved, err := a.overrides.load()
	if err != nil {
		logger.G(ctx).WithError(err).Warn("ignoring unreadable skill overrides")
		return nil
	}
	for name, ov := range saved {
		if err := a.registry.SetEnabled(name, ov.Enabled); err != nil {
			logger.G(ctx).WithField("skill", name).Debug("override for unknown skill")
		}
	}
	return nil
}

// Watch hot-reloads the skill directories until ctx is done.
func (a *Assistant) Watch(ctx context.Context) error {
	return a.registry.Watch(ctx, a.discovery.Dirs(), a.cfg.Skills.Debounce)
}

// Match returns every scored trigger for ev without running anything.
func (a *Assistant) Match(ev Event) []registry.Match {
	return a.registry.FindMatches(ev.Text, ev.matchContext())
}

// HandleEvent routes ev to the best matching skill and runs it. No match is a
// normal outcome, not an error; the event is still logged so the detector
// can learn from it.
func (a *Assistant) HandleEvent(ctx context.Context, ev Event) (*Outcome, error) {
	if ev.Text == "" {
		return nil, errors.New("event text is required")
	}
	out := &Outcome{Intent: intent.Normalize(ev.Text)}

	match, ok := a.registry.FindBestMatch(ev.Text, ev.matchContext(), a.cfg.Skills.MinScore)
	if !ok {
		out.Reason = "no skill matched"
		out.ActionID = a.record(ctx, out.Intent, ev, "", StatusUnmatched, nil)
		logger.G(ctx).WithField("fingerprint", out.Intent.Short).Debug("no skill matched event")
		return out, nil
	}
	out.Match = &match

	a.execute(ctx, match.Skill, ev, out)
	return out, nil
}

// RunSkill invokes the named skill directly, bypassing trigger matching.
func (a *Assistant) RunSkill(ctx context.Context, name string, ev Event) (*Outcome, error) {
	def, ok := a.registry.Get(name)
	if !ok {
		return nil, errors.Wrapf(registry.ErrNotFound, "%s", name)
	}
	out := &Outcome{Intent: intent.Normalize(ev.Text)}
	a.execute(ctx, def, ev, out)
	return out, nil
}

// Stop requests a cooperative stop of an in-flight execution.
func (a *Assistant) Stop(executionID string) bool {
	return a.executor.Stop(executionID)
}

func (a *Assistant) execute(ctx context.Context, def *skills.Definition, ev Event, out *Outcome) {
	res := a.executor.Execute(ctx, def, &executor.ExecContext{
		UserID:      ev.UserID,
		Text:        ev.Text,
		Pillar:      ev.Pillar,
		Inputs:      ev.Inputs,
		Extra:       ev.Extra,
		ExecutionID: ev.ExecutionID,
		Approved:    ev.Approved,
	})
	out.Result = res
	out.Reason = res.Reason
	out.ActionID = a.record(ctx, out.Intent, ev, def.Name, string(res.Status), res.ToolsUsed)

	// Blocked and stopped runs say nothing about the skill's health.
	if res.Status != executor.StatusSucceeded && res.Status != executor.StatusFailed {
		return
	}
	m := a.registry.RecordExecution(def.Name, res.Success, res.Duration)
	out.Metrics = &m

	limit := a.cfg.Executor.AutoDisableAfter
	if res.Success || limit <= 0 || m.ConsecutiveFailures < limit {
		return
	}
	if err := a.autoDisable(ctx, def.Name, m, res.Reason); err != nil {
		logger.G(ctx).WithError(err).WithField("skill", def.Name).Error("failed to auto-disable skill")
		return
	}
	out.AutoDisabled = true
}

func (a *Assistant) autoDisable(ctx context.Context, name string, m skills.Metrics, lastReason string) error {
	reason := fmt.Sprintf("disabled after %d consecutive failures", m.ConsecutiveFailures)
	if err := a.SetEnabled(ctx, name, false, reason); err != nil {
		return err
	}
	logger.G(ctx).WithFields(logrus.Fields{
		"skill":                name,
		"consecutive_failures": m.ConsecutiveFailures,
	}).Warn("skill auto-disabled")

	notify.Send(ctx, a.gate.Sink(), notify.Notice{
		Kind:  notify.KindAutoDisabled,
		Title: fmt.Sprintf("Skill %s was disabled", name),
		Body:  lastReason,
		Fields: map[string]string{
			"consecutive_failures": fmt.Sprint(m.ConsecutiveFailures),
			"executions":           fmt.Sprint(m.Executions),
			"commands":             "autoskill skill enable " + name,
		},
	})
	return nil
}

// SetEnabled enables or disables a skill and persists the decision.
func (a *Assistant) SetEnabled(ctx context.Context, name string, enabled bool, reason string) error {
	if err := a.registry.SetEnabled(name, enabled); err != nil {
		return err
	}
	return a.overrides.set(ctx, name, Override{Enabled: enabled, Reason: reason, UpdatedAt: a.clock.Now()})
}

// Overrides returns the persisted enable/disable decisions.
func (a *Assistant) Overrides() (map[string]Override, error) {
	return a.overrides.load()
}

// RecordAction appends an externally completed action to the log, deriving
// its fingerprints from the text.
func (a *Assistant) RecordAction(ctx context.Context, act actionlog.Action) (int64, error) {
	if act.Text == "" {
		return 0, errors.New("action text is required")
	}
	norm := intent.Normalize(act.Text)
	act.Fingerprint = norm.Fingerprint
	act.ShortFingerprint = norm.Short
	return a.actions.Append(ctx, act)
}

func (a *Assistant) record(ctx context.Context, norm intent.Result, ev Event, skill, status string, toolsUsed []string) int64 {
	id, err := a.actions.Append(ctx, actionlog.Action{
		Fingerprint:      norm.Fingerprint,
		ShortFingerprint: norm.Short,
		Pillar:           ev.Pillar,
		Tools:            toolsUsed,
		Text:             ev.Text,
		Skill:            skill,
		Status:           status,
	})
	if err != nil {
		logger.G(ctx).WithError(err).Warn("failed to append to action log")
		return 0
	}
	return id
}

// Detect runs one pattern detection cycle. Proposals go to the gate.
func (a *Assistant) Detect(ctx context.Context) (*patterns.Report, error) {
	return a.detector.Run(ctx)
}

// Submit classifies an ad-hoc operation and disposes of it through the gate.
func (a *Assistant) Submit(ctx context.Context, op zones.Operation, def *skills.Definition) (*approval.Decision, error) {
	return a.gate.Submit(ctx, a.derivedTier(op, def), def)
}

// Classify reports the zone an operation would land in without acting.
func (a *Assistant) Classify(ctx context.Context, op zones.Operation, def *skills.Definition) (zones.Result, error) {
	return a.gate.Classify(ctx, a.derivedTier(op, def), def)
}

// derivedTier raises op's tier to what the skill's steps actually do.
func (a *Assistant) derivedTier(op zones.Operation, def *skills.Definition) zones.Operation {
	if def != nil {
		if derived := def.EffectiveTier(a.effects); derived > op.Tier {
			op.Tier = derived
		}
	}
	return op
}

// Cleanup expires stale queue items and prunes old actions.
func (a *Assistant) Cleanup(ctx context.Context) (CleanupReport, error) {
	var report CleanupReport
	q, err := a.gate.Queue().Cleanup(ctx, a.cfg.Detector.ProposalTTL, a.cfg.Detector.Retention)
	if err != nil {
		return report, err
	}
	report.Queue = q

	if a.cfg.Detector.Retention > 0 {
		pruned, err := a.actions.Prune(ctx, a.clock.Now().Add(-a.cfg.Detector.Retention))
		if err != nil {
			return report, err
		}
		report.ActionsPruned = pruned
	}
	return report, nil
}

// registrar keeps persisted overrides consistent with deployments: a freshly
// deployed skill starts from its own enabled flag, and a removed skill
// leaves no override behind.
type registrar struct {
	a *Assistant
}

var _ approval.Registrar = &registrar{}

func (r *registrar) Register(def *skills.Definition) error {
	if err := r.a.registry.Register(def); err != nil {
		return err
	}
	return r.a.overrides.clear(context.Background(), def.Name)
}

func (r *registrar) Unregister(name string) error {
	if err := r.a.registry.Unregister(name); err != nil {
		return err
	}
	return r.a.overrides.clear(context.Background(), name)
}

// DetectEvery runs a detection cycle every interval until ctx is done and
// hands each report to fn. Cycles run back to back on one goroutine, so they
// never overlap.
func (a *Assistant) DetectEvery(ctx context.Context, interval time.Duration, fn func(*patterns.Report, error)) {
	for {
		report, err := a.Detect(ctx)
		fn(report, err)
		if ctx.Err() != nil {
			return
		}

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// SkillInfo is the listing view of a registered skill.
type SkillInfo struct {
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	Description string            `json:"description"`
	Tier        skills.Tier       `json:"tier"`
	Enabled     bool              `json:"enabled"`
	Draft       bool              `json:"draft,omitempty"`
	Provenance  skills.Provenance `json:"provenance,omitempty"`
	Priority    int               `json:"priority"`
	Source      string            `json:"source,omitempty"`
	Metrics     skills.Metrics    `json:"metrics"`
}

// Skills lists every registered skill by name.
func (a *Assistant) Skills() []SkillInfo {
	defs := a.registry.List()
	out := make([]SkillInfo, 0, len(defs))
	for _, def := range defs {
		out = append(out, a.Info(def))
	}
	return out
}

// Info summarises def with its effective tier and metrics.
func (a *Assistant) Info(def *skills.Definition) SkillInfo {
	return SkillInfo{
		Name:        def.Name,
		Version:     def.Version,
		Description: def.Description,
		Tier:        def.EffectiveTier(a.effects),
		Enabled:     def.Enabled,
		Draft:       def.Draft,
		Provenance:  def.Provenance,
		Priority:    def.Priority,
		Source:      def.Source,
		Metrics:     a.registry.Metrics(def.Name),
	}
}
