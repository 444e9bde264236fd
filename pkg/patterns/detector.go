// Package patterns mines the action log for repeated behaviour and proposes
// draft skills for it.
package patterns

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jingkaihe/autoskill/pkg/actionlog"
	"github.com/jingkaihe/autoskill/pkg/clock"
	"github.com/jingkaihe/autoskill/pkg/intent"
	"github.com/jingkaihe/autoskill/pkg/logger"
	"github.com/jingkaihe/autoskill/pkg/registry"
	"github.com/jingkaihe/autoskill/pkg/skills"
	"github.com/jingkaihe/autoskill/pkg/telemetry"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

// ErrCycleInProgress is returned when a detection cycle is already running.
var ErrCycleInProgress = errors.New("detection cycle already in progress")

// capWindow is the rolling period the proposal caps apply to.
const capWindow = 7 * 24 * time.Hour

// Config tunes a detection cycle.
type Config struct {
	Window                 time.Duration `mapstructure:"window"`
	MinFrequency           int           `mapstructure:"min_frequency"`
	SimilarityThreshold    float64       `mapstructure:"similarity_threshold"`
	ExistingMatchThreshold float64       `mapstructure:"existing_match_threshold"`
	RejectionCooldown      time.Duration `mapstructure:"rejection_cooldown"`
	WeeklyCap              int           `mapstructure:"weekly_cap"`
	WeeklyTier2Cap         int           `mapstructure:"weekly_tier2_cap"`
	MaxActions             int           `mapstructure:"max_actions"`
}

// DefaultConfig returns the default detector settings.
func DefaultConfig() Config {
	return Config{
		Window:                 14 * 24 * time.Hour,
		MinFrequency:           3,
		SimilarityThreshold:    intent.DefaultSameIntentThreshold,
		ExistingMatchThreshold: 0.9,
		RejectionCooldown:      7 * 24 * time.Hour,
		WeeklyCap:              5,
		WeeklyTier2Cap:         2,
		MaxActions:             500,
	}
}

// Matcher finds existing skills for a piece of text.
type Matcher interface {
	FindBestMatch(text string, mc registry.MatchContext, minScore float64) (registry.Match, bool)
}

// ProposalStore is where proposals are persisted and their history read back.
type ProposalStore interface {
	Proposals(ctx context.Context) ([]Proposal, error)
	SubmitProposal(ctx context.Context, p Proposal) error
}

// Skip explains why a group produced no proposal.
type Skip struct {
	Fingerprint string `json:"fingerprint"`
	Size        int    `json:"size"`
	Reason      string `json:"reason"`
}

// Report summarises one detection cycle.
type Report struct {
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     time.Time  `json:"finished_at"`
	ActionsScanned int        `json:"actions_scanned"`
	Groups         int        `json:"groups"`
	Proposals      []Proposal `json:"proposals"`
	Skipped        []Skip     `json:"skipped,omitempty"`
	QueryError     string     `json:"query_error,omitempty"`
}

// Detector runs detection cycles. Cycles never overlap.
type Detector struct {
	cfg     Config
	source  actionlog.Source
	matcher Matcher
	store   ProposalStore
	effects skills.EffectLookup
	clock   clock.Clock

	running sync.Mutex
}

// Option configures a Detector.
type Option func(*Detector)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(d *Detector) {
		d.cfg = cfg
	}
}

// WithEffects sets the tool effect catalog used to tier proposals.
func WithEffects(effects skills.EffectLookup) Option {
	return func(d *Detector) {
		d.effects = effects
	}
}

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option {
	return func(d *Detector) {
		d.clock = c
	}
}

// New creates a Detector.
func New(source actionlog.Source, matcher Matcher, store ProposalStore, opts ...Option) *Detector {
	d := &Detector{
		cfg:     DefaultConfig(),
		source:  source,
		matcher: matcher,
		store:   store,
		effects: skills.DefaultToolEffects(),
		clock:   clock.Real(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run executes one detection cycle. It returns ErrCycleInProgress rather than
// waiting when another cycle holds the detector.
func (d *Detector) Run(ctx context.Context) (*Report, error) {
	if !d.running.TryLock() {
		return nil, ErrCycleInProgress
	}
	defer d.running.Unlock()

	var report *Report
	err := telemetry.WithSpan(ctx, "patterns.detect", func(ctx context.Context) error {
		var err error
		report, err = d.run(ctx)
		if report != nil {
			telemetry.SetAttributes(ctx,
				attribute.Int("patterns.actions", report.ActionsScanned),
				attribute.Int("patterns.groups", report.Groups),
				attribute.Int("patterns.proposals", len(report.Proposals)),
			)
		}
		return err
	})
	return report, err
}

func (d *Detector) run(ctx context.Context) (*Report, error) {
	ctx = logger.WithComponent(ctx, "patterns")
	log := logger.G(ctx)
	now := d.clock.Now()
	report := &Report{StartedAt: now, Proposals: []Proposal{}}

	actions, err := d.source.Query(ctx, actionlog.Query{
		Since:              now.Add(-d.cfg.Window),
		Until:              now,
		RequireFingerprint: true,
		Limit:              d.cfg.MaxActions,
	})
	if err != nil {
		log.WithError(err).Warn("action log query failed, treating as zero actions")
		report.QueryError = err.Error()
		actions = nil
	}
	report.ActionsScanned = len(actions)

	groups := d.cluster(actions)
	report.Groups = len(groups)

	history, err := d.store.Proposals(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read proposal history")
	}
	weekly, weeklyTier2 := countRecent(history, now)

	for _, g := range groups {
		skip := func(reason string) {
			report.Skipped = append(report.Skipped, Skip{Fingerprint: g.fingerprint(), Size: len(g.members), Reason: reason})
			log.WithField("fingerprint", g.fingerprint()).WithField("size", len(g.members)).Debug(reason)
		}

		if len(g.members) < d.cfg.MinFrequency {
			skip("below minimum frequency")
			continue
		}
		if m, ok := d.matcher.FindBestMatch(g.rep.Text, registry.MatchContext{Pillar: g.rep.Pillar}, d.cfg.ExistingMatchThreshold); ok {
			skip("matches existing skill " + m.Skill.Name)
			continue
		}
		if reason, blocked := d.blockedByHistory(g, history, now); blocked {
			skip(reason)
			continue
		}

		p := synthesize(g, d.effects, now)
		if weekly >= d.cfg.WeeklyCap {
			skip("weekly proposal cap reached")
			continue
		}
		if p.Tier == skills.TierExternal && weeklyTier2 >= d.cfg.WeeklyTier2Cap {
			skip("weekly tier-2 proposal cap reached")
			continue
		}

		if err := d.store.SubmitProposal(ctx, p); err != nil {
			log.WithError(err).WithField("skill", p.Skill.Name).Error("failed to submit proposal")
			skip("submit failed: " + err.Error())
			continue
		}
		weekly++
		if p.Tier == skills.TierExternal {
			weeklyTier2++
		}
		history = append(history, p)
		report.Proposals = append(report.Proposals, p)
		log.WithField("skill", p.Skill.Name).WithField("tier", int(p.Tier)).Info("proposed skill")
	}

	report.FinishedAt = d.clock.Now()
	return report, nil
}

// cluster groups actions by intent similarity against each group's first
// member. Groups are ordered by size, then by most recent activity.
func (d *Detector) cluster(actions []actionlog.Action) []*group {
	var groups []*group
	for _, a := range actions {
		norm := normalizeAction(a)
		placed := false
		for _, g := range groups {
			if g.accepts(a, norm, d.cfg.SimilarityThreshold) {
				g.add(a)
				placed = true
				break
			}
		}
		if !placed {
			g := &group{rep: a, repIntent: norm, fingerprints: map[string]struct{}{}}
			g.add(a)
			groups = append(groups, g)
		}
	}

	sort.SliceStable(groups, func(i, j int) bool {
		if len(groups[i].members) != len(groups[j].members) {
			return len(groups[i].members) > len(groups[j].members)
		}
		return groups[i].lastSeen.After(groups[j].lastSeen)
	})
	return groups
}

func (d *Detector) blockedByHistory(g *group, history []Proposal, now time.Time) (string, bool) {
	for _, p := range history {
		if !g.hasFingerprint(p.Pattern.Fingerprint) {
			continue
		}
		switch p.Status {
		case StatusPending, StatusApproved:
			return "already proposed as " + p.Skill.Name, true
		case StatusRejected:
			if now.Sub(p.ResolvedAt) < d.cfg.RejectionCooldown {
				return "rejection cooldown active", true
			}
		}
	}
	return "", false
}

func countRecent(history []Proposal, now time.Time) (total, tier2 int) {
	for _, p := range history {
		if now.Sub(p.CreatedAt) >= capWindow {
			continue
		}
		total++
		if p.Tier == skills.TierExternal {
			tier2++
		}
	}
	return total, tier2
}

func normalizeAction(a actionlog.Action) intent.Result {
	if a.Text == "" {
		return intent.Result{Fingerprint: a.Fingerprint, Short: a.ShortFingerprint}
	}
	return intent.Normalize(a.Text)
}

type group struct {
	rep          actionlog.Action
	repIntent    intent.Result
	members      []actionlog.Action
	fingerprints map[string]struct{}
	lastSeen     time.Time
}

func (g *group) accepts(a actionlog.Action, norm intent.Result, threshold float64) bool {
	if a.Fingerprint == g.rep.Fingerprint {
		return true
	}
	return intent.SameIntent(g.repIntent, norm, threshold)
}

func (g *group) add(a actionlog.Action) {
	g.members = append(g.members, a)
	g.fingerprints[a.Fingerprint] = struct{}{}
	if a.CreatedAt.After(g.lastSeen) {
		g.lastSeen = a.CreatedAt
	}
}

func (g *group) fingerprint() string {
	return g.rep.Fingerprint
}

func (g *group) hasFingerprint(fp string) bool {
	_, ok := g.fingerprints[fp]
	return ok
}
