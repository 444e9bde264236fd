package assistant

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jingkaihe/autoskill/pkg/actionlog"
	"github.com/jingkaihe/autoskill/pkg/clock"
	"github.com/jingkaihe/autoskill/pkg/config"
	"github.com/jingkaihe/autoskill/pkg/db"
	"github.com/jingkaihe/autoskill/pkg/executor"
	"github.com/jingkaihe/autoskill/pkg/notify"
	"github.com/jingkaihe/autoskill/pkg/patterns"
	"github.com/jingkaihe/autoskill/pkg/registry"
	"github.com/jingkaihe/autoskill/pkg/skills"
	"github.com/jingkaihe/autoskill/pkg/zones"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

const findNotesYAML = `name: find-notes
version: 1.0.0
description: Search my notes
triggers:
  - type: phrase
    phrase: find my notes
process:
  steps:
    - id: search
      tool: notion_search
      inputs:
        query: "{{context.text}}"
`

const syncInboxYAML = `name: sync-inbox
version: 1.0.0
description: Pull new mail into the work queue
triggers:
  - type: phrase
    phrase: sync my inbox
process:
  steps:
    - id: pull
      tool: flaky_fetch
`

type fakeTools struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]bool
}

func newFakeTools() *fakeTools {
	return &fakeTools{calls: map[string]int{}, fail: map[string]bool{}}
}

func (f *fakeTools) ExecuteTool(_ context.Context, name string, inputs map[string]any) executor.ToolResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
	if f.fail[name] {
		return executor.ToolResult{Success: false, Error: name + " is unreachable"}
	}
	return executor.ToolResult{Success: true, Result: map[string]any{"tool": name, "inputs": inputs}}
}

func (f *fakeTools) called(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

type recordingSink struct {
	mu      sync.Mutex
	notices []notify.Notice
}

func (s *recordingSink) Notify(_ context.Context, n notify.Notice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, n)
	return nil
}

func (s *recordingSink) byKind(kind notify.Kind) []notify.Notice {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notify.Notice
	for _, n := range s.notices {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

type fixture struct {
	cfg   *config.Config
	clock *clock.Fake
	tools *fakeTools
	sink  *recordingSink
	base  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	t.Setenv(db.BasePathEnv, base)

	v := viper.New()
	config.SetDefaults(v)
	cfg, err := config.Load(v)
	require.NoError(t, err)

	cfg.Skills.Dirs = []string{filepath.Join(base, "skills", "local")}
	cfg.Tools.Dirs = []string{filepath.Join(base, "tools")}
	cfg.Executor.RetryDelay = time.Millisecond
	cfg.Executor.AutoDisableAfter = 2

	writeSkill(t, base, "find-notes", findNotesYAML)
	writeSkill(t, base, "sync-inbox", syncInboxYAML)

	return &fixture{
		cfg:   cfg,
		clock: clock.NewFake(now),
		tools: newFakeTools(),
		sink:  &recordingSink{},
		base:  base,
	}
}

func writeSkill(t *testing.T, base, name, content string) {
	t.Helper()
	dir := filepath.Join(base, "skills", "local", name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skill.yaml"), []byte(content), 0o644))
}

func (f *fixture) open(t *testing.T) *Assistant {
	t.Helper()
	a, err := New(context.Background(), f.cfg,
		WithClock(f.clock),
		WithSink(f.sink),
		WithToolDispatcher(f.tools),
	)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestHandleEvent_RunsMatchedSkill(t *testing.T) {
	f := newFixture(t)
	a := f.open(t)
	ctx := context.Background()

	out, err := a.HandleEvent(ctx, Event{Text: "Find my notes", Pillar: "knowledge"})
	require.NoError(t, err)
	require.NotNil(t, out.Match)
	assert.Equal(t, "find-notes", out.Match.Skill.Name)
	require.NotNil(t, out.Result)
	assert.Equal(t, executor.StatusSucceeded, out.Result.Status)
	assert.NotEmpty(t, out.Reason)
	assert.Equal(t, 1, f.tools.called("notion_search"))

	require.NotNil(t, out.Metrics)
	assert.EqualValues(t, 1, out.Metrics.Executions)

	actions, err := a.Actions().Query(ctx, actionlog.Query{})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, out.ActionID, actions[0].ID)
	assert.Equal(t, "find-notes", actions[0].Skill)
	assert.Equal(t, string(executor.StatusSucceeded), actions[0].Status)
	assert.Equal(t, []string{"notion_search"}, actions[0].Tools)
	assert.Equal(t, out.Intent.Fingerprint, actions[0].Fingerprint)
}

func TestHandleEvent_NoMatchIsLogged(t *testing.T) {
	f := newFixture(t)
	a := f.open(t)
	ctx := context.Background()

	out, err := a.HandleEvent(ctx, Event{Text: "water the plants"})
	require.NoError(t, err)
	assert.Nil(t, out.Match)
	assert.Nil(t, out.Result)
	assert.Equal(t, "no skill matched", out.Reason)

	actions, err := a.Actions().Query(ctx, actionlog.Query{})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, StatusUnmatched, actions[0].Status)
	assert.Empty(t, actions[0].Skill)

	_, err = a.HandleEvent(ctx, Event{})
	require.Error(t, err)
}

func TestHandleEvent_AutoDisablesAfterConsecutiveFailures(t *testing.T) {
	f := newFixture(t)
	f.tools.fail["flaky_fetch"] = true
	a := f.open(t)
	ctx := context.Background()

	first, err := a.HandleEvent(ctx, Event{Text: "sync my inbox"})
	require.NoError(t, err)
	assert.Equal(t, executor.StatusFailed, first.Result.Status)
	assert.False(t, first.AutoDisabled)

	second, err := a.HandleEvent(ctx, Event{Text: "sync my inbox"})
	require.NoError(t, err)
	assert.True(t, second.AutoDisabled)
	assert.Equal(t, 2, second.Metrics.ConsecutiveFailures)

	def, ok := a.Registry().Get("sync-inbox")
	require.True(t, ok)
	assert.False(t, def.Enabled)

	notices := f.sink.byKind(notify.KindAutoDisabled)
	require.Len(t, notices, 1)
	assert.Equal(t, "2", notices[0].Fields["consecutive_failures"])

	third, err := a.HandleEvent(ctx, Event{Text: "sync my inbox"})
	require.NoError(t, err)
	assert.Nil(t, third.Result, "disabled skills are not matched")

	// The decision outlives the process.
	require.NoError(t, a.Close())
	reopened := f.open(t)
	def, ok = reopened.Registry().Get("sync-inbox")
	require.True(t, ok)
	assert.False(t, def.Enabled)

	saved, err := reopened.Overrides()
	require.NoError(t, err)
	assert.Contains(t, saved["sync-inbox"].Reason, "2 consecutive failures")

	require.NoError(t, reopened.SetEnabled(ctx, "sync-inbox", true, "fixed upstream"))
	def, _ = reopened.Registry().Get("sync-inbox")
	assert.True(t, def.Enabled)
}

func TestStop_FinishedExecution(t *testing.T) {
	f := newFixture(t)
	a := f.open(t)

	out, err := a.HandleEvent(context.Background(), Event{Text: "find my notes", ExecutionID: "exec-1"})
	require.NoError(t, err)
	assert.Equal(t, "exec-1", out.Result.ExecutionID)
	assert.False(t, a.Stop("exec-1"), "finished executions are no longer tracked")
}

func TestRunSkill(t *testing.T) {
	f := newFixture(t)
	a := f.open(t)
	ctx := context.Background()

	out, err := a.RunSkill(ctx, "find-notes", Event{Text: "anything"})
	require.NoError(t, err)
	assert.True(t, out.Result.Success)
	assert.Nil(t, out.Match)

	_, err = a.RunSkill(ctx, "missing-skill", Event{Text: "anything"})
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestMatch_DryRun(t *testing.T) {
	f := newFixture(t)
	a := f.open(t)

	matches := a.Match(Event{Text: "find my notes please"})
	require.NotEmpty(t, matches)
	assert.Equal(t, "find-notes", matches[0].Skill.Name)
	assert.Equal(t, 0, f.tools.called("notion_search"))
}

func TestSubmit_DeploysAndRollsBack(t *testing.T) {
	f := newFixture(t)
	a := f.open(t)
	ctx := context.Background()

	def := skills.NewDefinition()
	def.Name = "quick-lookup"
	def.Description = "Look something up"
	def.Triggers = []skills.Trigger{{Type: skills.TriggerPhrase, Phrase: "quick lookup"}}
	def.Process.Steps = []skills.Step{{ID: "search", Tool: "notion_search"}}

	decision, err := a.Submit(ctx, zones.Operation{Type: zones.OpSkillCreate}, def)
	require.NoError(t, err)
	assert.Equal(t, zones.ZoneAutoExecute, decision.Classification.Zone)
	require.True(t, decision.Applied)

	out, err := a.HandleEvent(ctx, Event{Text: "quick lookup"})
	require.NoError(t, err)
	require.NotNil(t, out.Result)
	assert.True(t, out.Result.Success)

	res, err := a.Gate().Rollback(ctx, "quick-lookup")
	require.NoError(t, err)
	assert.True(t, res.Success, res.Reason)
	_, ok := a.Registry().Get("quick-lookup")
	assert.False(t, ok)
}

func TestSubmit_DerivesTierFromDefinition(t *testing.T) {
	f := newFixture(t)
	a := f.open(t)

	def := skills.NewDefinition()
	def.Name = "post-digest"
	def.Description = "Post a digest"
	def.Triggers = []skills.Trigger{{Type: skills.TriggerPhrase, Phrase: "post the digest"}}
	def.Process.Steps = []skills.Step{{ID: "post", Tool: "slack_post"}}

	decision, err := a.Submit(context.Background(), zones.Operation{Type: zones.OpSkillCreate}, def)
	require.NoError(t, err)
	assert.Equal(t, zones.ZoneApprove, decision.Classification.Zone)
	assert.True(t, decision.Queued)
	assert.False(t, decision.Applied)
}

func TestDetectAndCleanup(t *testing.T) {
	f := newFixture(t)
	a := f.open(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := a.RecordAction(ctx, actionlog.Action{
			Text:  "Add a bug to the work queue",
			Tools: []string{"workqueue_add"},
		})
		require.NoError(t, err)
		f.clock.Advance(time.Hour)
	}

	report, err := a.Detect(ctx)
	require.NoError(t, err)
	require.Len(t, report.Proposals, 1)
	assert.Equal(t, skills.TierInternal, report.Proposals[0].Tier)

	pending, err := a.Gate().Queue().Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, patterns.StatusPending, pending[0].Status)

	f.clock.Advance(15 * 24 * time.Hour)
	cleanup, err := a.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cleanup.Queue.Expired)
	assert.EqualValues(t, 0, cleanup.ActionsPruned)

	f.clock.Advance(20 * 24 * time.Hour)
	cleanup, err = a.Cleanup(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, cleanup.ActionsPruned)
}

func TestDetectEvery_StopsWithContext(t *testing.T) {
	f := newFixture(t)
	a := f.open(t)

	ctx, cancel := context.WithCancel(context.Background())
	cycles := 0
	a.DetectEvery(ctx, time.Millisecond, func(r *patterns.Report, err error) {
		require.NoError(t, err)
		require.NotNil(t, r)
		cycles++
		if cycles == 2 {
			cancel()
		}
	})
	assert.Equal(t, 2, cycles)
}

func TestRecordAction_RequiresText(t *testing.T) {
	f := newFixture(t)
	a := f.open(t)

	_, err := a.RecordAction(context.Background(), actionlog.Action{})
	require.Error(t, err)
}
