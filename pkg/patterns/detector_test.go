package patterns

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jingkaihe/autoskill/pkg/actionlog"
	"github.com/jingkaihe/autoskill/pkg/clock"
	"github.com/jingkaihe/autoskill/pkg/intent"
	"github.com/jingkaihe/autoskill/pkg/registry"
	"github.com/jingkaihe/autoskill/pkg/skills"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

type staticSource struct {
	actions []actionlog.Action
	err     error
	queries []actionlog.Query
}

func (s *staticSource) Query(_ context.Context, q actionlog.Query) ([]actionlog.Action, error) {
	s.queries = append(s.queries, q)
	if s.err != nil {
		return nil, s.err
	}
	return s.actions, nil
}

type memoryStore struct {
	proposals []Proposal
	submitErr error
}

func (m *memoryStore) Proposals(context.Context) ([]Proposal, error) {
	return append([]Proposal(nil), m.proposals...), nil
}

func (m *memoryStore) SubmitProposal(_ context.Context, p Proposal) error {
	if m.submitErr != nil {
		return m.submitErr
	}
	m.proposals = append(m.proposals, p)
	return nil
}

func action(text, pillar string, age time.Duration, tools ...string) actionlog.Action {
	norm := intent.Normalize(text)
	return actionlog.Action{
		Fingerprint:      norm.Fingerprint,
		ShortFingerprint: norm.Short,
		Pillar:           pillar,
		Tools:            tools,
		Text:             text,
		CreatedAt:        now.Add(-age),
	}
}

func repeated(text, pillar string, n int, tools ...string) []actionlog.Action {
	out := make([]actionlog.Action, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, action(text, pillar, time.Duration(n-i)*time.Hour, tools...))
	}
	return out
}

func newTestDetector(src actionlog.Source, store ProposalStore, opts ...Option) (*Detector, *clock.Fake) {
	fake := clock.NewFake(now)
	opts = append([]Option{WithClock(fake)}, opts...)
	return New(src, registry.New(), store, opts...), fake
}

func reasons(r *Report) []string {
	out := make([]string, len(r.Skipped))
	for i, s := range r.Skipped {
		out[i] = s.Reason
	}
	return out
}

func TestDetector_ProposesRepeatedIntent(t *testing.T) {
	const text = "Add a bug to the work queue"
	actions := repeated(text, "work", 3, "workqueue_add")
	actions = append(actions,
		action(text, "work", 2*time.Hour, "workqueue_add", "slack_post"),
		action(text, "work", time.Hour, "workqueue_add"),
		action("summarize this article", "reading", 3*time.Hour, "web_fetch"),
		action("summarize this article", "reading", 2*time.Hour, "web_fetch"),
	)
	src := &staticSource{actions: actions}
	store := &memoryStore{}
	d, _ := newTestDetector(src, store)

	report, err := d.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, src.queries, 1)
	assert.Equal(t, now.Add(-14*24*time.Hour), src.queries[0].Since)
	assert.True(t, src.queries[0].RequireFingerprint)
	assert.Equal(t, 500, src.queries[0].Limit)

	assert.Equal(t, 7, report.ActionsScanned)
	assert.Equal(t, 2, report.Groups)
	require.Len(t, report.Proposals, 1)
	assert.Equal(t, []string{"below minimum frequency"}, reasons(report))

	norm := intent.Normalize(text)
	p := report.Proposals[0]
	assert.Equal(t, StatusPending, p.Status)
	assert.Equal(t, norm.Fingerprint, p.Pattern.Fingerprint)
	assert.Equal(t, 5, p.Pattern.Frequency)
	assert.Equal(t, []string{"workqueue_add", "slack_post"}, p.Pattern.Tools)
	assert.Equal(t, []string{"bug", "workqueue"}, p.Pattern.Keywords)
	assert.Equal(t, skills.TierExternal, p.Tier, "tier comes from the union of tools")

	def := p.Skill
	assert.Equal(t, "work-create-bug-"+norm.Short, def.Name)
	assert.False(t, def.Enabled)
	assert.True(t, def.Draft)
	assert.Equal(t, skills.ProvenanceGenerated, def.Provenance)
	require.Len(t, def.Process.Steps, 2)
	assert.Equal(t, "workqueue-add", def.Process.Steps[0].ID)
	assert.Empty(t, def.Process.Steps[0].Inputs)
	require.NoError(t, skills.Validate(def))

	require.Len(t, def.Triggers, 3)
	assert.Equal(t, skills.TriggerIntent, def.Triggers[0].Type)
	assert.Equal(t, norm.Fingerprint, def.Triggers[0].Fingerprint)
	assert.Equal(t, skills.TriggerPillar, def.Triggers[1].Type)
	assert.Equal(t, skills.TriggerKeywords, def.Triggers[2].Type)
	assert.Equal(t, 2, def.Triggers[2].MinKeywords)

	assert.Equal(t, store.proposals, report.Proposals)
}

func TestDetector_DoesNotReproposePending(t *testing.T) {
	src := &staticSource{actions: repeated("add a bug to the work queue", "work", 4, "workqueue_add")}
	store := &memoryStore{}
	d, _ := newTestDetector(src, store)

	first, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, first.Proposals, 1)

	second, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, second.Proposals)
	require.Len(t, second.Skipped, 1)
	assert.Contains(t, second.Skipped[0].Reason, "already proposed")
}

func TestDetector_RejectionCooldown(t *testing.T) {
	src := &staticSource{actions: repeated("add a bug to the work queue", "work", 5, "workqueue_add")}
	store := &memoryStore{}
	d, fake := newTestDetector(src, store)

	first, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, first.Proposals, 1)

	store.proposals[0].Status = StatusRejected
	store.proposals[0].ResolvedAt = now
	store.proposals[0].Reason = "not useful"

	fake.Advance(24 * time.Hour)
	blocked, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, blocked.Proposals)
	assert.Equal(t, []string{"rejection cooldown active"}, reasons(blocked))

	fake.Advance(7 * 24 * time.Hour)
	again, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, again.Proposals, 1)
}

func TestDetector_SkipsExistingSkill(t *testing.T) {
	reg := registry.New()
	existing := skills.NewDefinition()
	existing.Name = "file-bug"
	existing.Triggers = []skills.Trigger{{Type: skills.TriggerPhrase, Phrase: "add a bug to the work queue"}}
	existing.Process.Steps = []skills.Step{{ID: "add", Tool: "workqueue_add"}}
	require.NoError(t, reg.Register(existing))

	src := &staticSource{actions: repeated("add a bug to the work queue", "work", 3, "workqueue_add")}
	d := New(src, reg, &memoryStore{}, WithClock(clock.NewFake(now)))

	report, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Proposals)
	assert.Equal(t, []string{"matches existing skill file-bug"}, reasons(report))
}

func TestDetector_ClustersBySimilarity(t *testing.T) {
	actions := []actionlog.Action{
		action("add a bug to the work queue", "work", 3*time.Hour),
		action("add a bug to the work queue", "work", 2*time.Hour),
		action("add a bug to the work queue today", "work", time.Hour),
	}
	require.NotEqual(t, actions[0].Fingerprint, actions[2].Fingerprint)

	d, _ := newTestDetector(&staticSource{actions: actions}, &memoryStore{})
	report, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Groups)
	require.Len(t, report.Proposals, 1)
	assert.Equal(t, 3, report.Proposals[0].Pattern.Frequency)
	assert.Equal(t, skills.TierReadOnly, report.Proposals[0].Tier)
	assert.Empty(t, report.Proposals[0].Skill.Process.Steps)
}

func TestDetector_WeeklyCaps(t *testing.T) {
	t.Run("total cap", func(t *testing.T) {
		var actions []actionlog.Action
		for _, text := range []string{
			"water the plants", "book flight tickets", "renew passport application",
			"pay electricity bill", "walk the dog", "call grandma tonight", "clean garage shelves",
		} {
			actions = append(actions, repeated(text, "", 3, "memory_store")...)
		}

		store := &memoryStore{}
		d, _ := newTestDetector(&staticSource{actions: actions}, store)
		report, err := d.Run(context.Background())
		require.NoError(t, err)

		assert.Len(t, report.Proposals, 5)
		assert.Equal(t, []string{"weekly proposal cap reached", "weekly proposal cap reached"}, reasons(report))
		assert.Len(t, store.proposals, 5)
	})

	t.Run("tier-2 cap", func(t *testing.T) {
		var actions []actionlog.Action
		for _, text := range []string{"water the plants", "book flight tickets", "renew passport application"} {
			actions = append(actions, repeated(text, "", 3, "slack_post")...)
		}

		d, _ := newTestDetector(&staticSource{actions: actions}, &memoryStore{})
		report, err := d.Run(context.Background())
		require.NoError(t, err)

		assert.Len(t, report.Proposals, 2)
		assert.Equal(t, []string{"weekly tier-2 proposal cap reached"}, reasons(report))
	})

	t.Run("recent history counts toward the cap", func(t *testing.T) {
		store := &memoryStore{}
		for i := 0; i < 5; i++ {
			store.proposals = append(store.proposals, Proposal{
				ID:        fmt.Sprintf("old-%d", i),
				Status:    StatusApproved,
				Pattern:   Pattern{Fingerprint: fmt.Sprintf("fp-%d", i)},
				Skill:     &skills.Definition{Name: fmt.Sprintf("old-%d", i)},
				CreatedAt: now.Add(-time.Duration(i+1) * 24 * time.Hour),
			})
		}
		src := &staticSource{actions: repeated("water the plants", "", 3)}

		d, _ := newTestDetector(src, store)
		report, err := d.Run(context.Background())
		require.NoError(t, err)
		assert.Empty(t, report.Proposals)
		assert.Equal(t, []string{"weekly proposal cap reached"}, reasons(report))
	})
}

func TestDetector_QueryFailureIsZeroActions(t *testing.T) {
	d, _ := newTestDetector(&staticSource{err: errors.New("database is locked")}, &memoryStore{})

	report, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.ActionsScanned)
	assert.Empty(t, report.Proposals)
	assert.Equal(t, "database is locked", report.QueryError)
}

func TestDetector_SubmitFailureIsReported(t *testing.T) {
	src := &staticSource{actions: repeated("water the plants", "", 3)}
	d, _ := newTestDetector(src, &memoryStore{submitErr: errors.New("disk full")})

	report, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Proposals)
	assert.Equal(t, []string{"submit failed: disk full"}, reasons(report))
}

func TestDetector_CyclesDoNotOverlap(t *testing.T) {
	d, _ := newTestDetector(&staticSource{}, &memoryStore{})

	d.running.Lock()
	_, err := d.Run(context.Background())
	assert.True(t, errors.Is(err, ErrCycleInProgress))
	d.running.Unlock()

	_, err = d.Run(context.Background())
	assert.NoError(t, err)
}

func TestProposalName(t *testing.T) {
	assert.Equal(t, "work-create-bug-1a2b3c4d", proposalName(Pattern{
		Pillar: "Work", LeadVerb: "create", Keywords: []string{"bug"}, ShortFingerprint: "1a2b3c4d",
	}))
	assert.Equal(t, "general-handle-task-deadbeef", proposalName(Pattern{ShortFingerprint: "deadbeef"}))
}

func TestToolSteps_UniqueIDs(t *testing.T) {
	steps := toolSteps([]string{"notion_create", "notion-create", "web_fetch"})
	ids := []string{steps[0].ID, steps[1].ID, steps[2].ID}
	assert.Equal(t, []string{"notion-create", "notion-create-2", "web-fetch"}, ids)
}
