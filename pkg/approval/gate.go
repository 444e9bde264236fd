package approval

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/jingkaihe/autoskill/pkg/logger"
	"github.com/jingkaihe/autoskill/pkg/notify"
	"github.com/jingkaihe/autoskill/pkg/patterns"
	"github.com/jingkaihe/autoskill/pkg/skills"
	"github.com/jingkaihe/autoskill/pkg/telemetry"
	"github.com/jingkaihe/autoskill/pkg/zones"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

// Decision is what the gate did with a submitted operation.
type Decision struct {
	ID             string         `json:"id"`
	Classification zones.Result   `json:"classification"`
	Applied        bool           `json:"applied"`
	Queued         bool           `json:"queued"`
	Deployment     *Deployment    `json:"deployment,omitempty"`
	Notice         *notify.Notice `json:"notice,omitempty"`
}

// Gate classifies changes and disposes of them by zone.
type Gate struct {
	classifier *zones.Classifier
	queue      *Queue
	deployer   *Deployer
	sink       notify.Sink
}

var _ patterns.ProposalStore = &Gate{}

// NewGate creates a gate. A nil sink discards notices.
func NewGate(classifier *zones.Classifier, queue *Queue, deployer *Deployer, sink notify.Sink) *Gate {
	if sink == nil {
		sink = notify.Discard{}
	}
	return &Gate{classifier: classifier, queue: queue, deployer: deployer, sink: sink}
}

// Queue returns the underlying queue.
func (g *Gate) Queue() *Queue {
	return g.queue
}

// Deployer returns the underlying deployer.
func (g *Gate) Deployer() *Deployer {
	return g.deployer
}

// Sink returns the notification sink.
func (g *Gate) Sink() notify.Sink {
	return g.sink
}

// Proposals implements patterns.ProposalStore.
func (g *Gate) Proposals(ctx context.Context) ([]patterns.Proposal, error) {
	return g.queue.Proposals(ctx)
}

// SubmitProposal implements patterns.ProposalStore. Proposals are drafts and
// always wait for a human; the classification is stored for the audit trail.
func (g *Gate) SubmitProposal(ctx context.Context, p patterns.Proposal) error {
	if p.Skill == nil {
		return errors.New("proposal has no skill")
	}
	return telemetry.WithSpan(ctx, "approval.submit", func(ctx context.Context) error {
		res := g.classify(ctx, zones.Operation{
			Type:        zones.OpSkillCreate,
			Tier:        p.Tier,
			TargetFiles: []string{g.deployer.Path(p.Skill.Name)},
			Description: p.Skill.Description,
		})
		if err := g.queue.addProposal(ctx, Proposal{Proposal: p, Classification: res}); err != nil {
			return err
		}

		notify.Send(ctx, g.sink, notify.Notice{
			Kind:  notify.KindProposal,
			Title: fmt.Sprintf("New skill proposal %s", p.Skill.Name),
			Body:  p.Skill.Description,
			Fields: map[string]string{
				"id":        p.ID,
				"tier":      p.Tier.String(),
				"frequency": fmt.Sprint(p.Pattern.Frequency),
				"commands":  fmt.Sprintf("approve %s | reject %s <reason>", p.ID, p.ID),
			},
		})
		return nil
	}, attribute.String("approval.kind", string(KindProposal)), attribute.String("skill.name", p.Skill.Name))
}

// Submit classifies op and disposes of it: auto-execute applies silently,
// auto-notify applies and sends a notice, approve queues it. Skill
// operations carry the definition to deploy, or the skill to delete.
func (g *Gate) Submit(ctx context.Context, op zones.Operation, def *skills.Definition) (*Decision, error) {
	op, err := g.prepare(op, def)
	if err != nil {
		return nil, err
	}

	var decision *Decision
	err = telemetry.WithSpan(ctx, "approval.submit", func(ctx context.Context) error {
		decision = &Decision{ID: uuid.NewString(), Classification: g.classify(ctx, op)}
		telemetry.SetAttributes(ctx,
			attribute.String("zone", string(decision.Classification.Zone)),
			attribute.String("rule", decision.Classification.Rule),
		)

		switch decision.Classification.Zone {
		case zones.ZoneAutoExecute, zones.ZoneAutoNotify:
			dep, err := g.apply(ctx, op, def, decision.Classification.Zone, decision.ID)
			if err != nil {
				return err
			}
			decision.Applied = true
			decision.Deployment = dep
			if decision.Classification.Zone == zones.ZoneAutoNotify {
				n := appliedNotice(op, def, decision)
				decision.Notice = &n
				notify.Send(ctx, g.sink, n)
			}
		default:
			queued := Operation{
				ID:             decision.ID,
				Status:         patterns.StatusPending,
				Operation:      op,
				Skill:          def.Clone(),
				Classification: decision.Classification,
				CreatedAt:      g.queue.clock.Now(),
			}
			if err := g.queue.addOperation(ctx, queued); err != nil {
				return err
			}
			decision.Queued = true
			n := queuedNotice(queued)
			decision.Notice = &n
			notify.Send(ctx, g.sink, n)
		}
		return nil
	}, attribute.String("approval.kind", string(KindOperation)), attribute.String("operation.type", string(op.Type)))
	if err != nil {
		return nil, err
	}
	return decision, nil
}

// Approve resolves a pending item by applying it. Approving a proposal
// enables its skill and deploys it.
func (g *Gate) Approve(ctx context.Context, id string) (Item, error) {
	doc, err := g.queue.read()
	if err != nil {
		return Item{}, err
	}
	item, err := doc.lookup(id)
	if err != nil {
		return Item{}, err
	}
	if item.Status.Resolved() {
		return item, errors.Wrapf(ErrResolved, "%s is %s", item.ID, item.Status)
	}

	switch item.Kind {
	case KindProposal:
		p := doc.proposal(item.ID)
		if p.Skill == nil {
			return item, errors.Errorf("proposal %s has no skill", item.ID)
		}
		def := p.Skill.Clone()
		def.Enabled = true
		def.Draft = false
		if _, err := g.deployer.Deploy(ctx, def, zones.ZoneApprove, item.ID); err != nil {
			return item, err
		}
	case KindOperation:
		o := doc.operation(item.ID)
		if _, err := g.apply(ctx, o.Operation, o.Skill, zones.ZoneApprove, item.ID); err != nil {
			return item, err
		}
	}

	if err := g.queue.resolve(ctx, item.ID, patterns.StatusApproved, "approved"); err != nil {
		return item, err
	}
	item.Status = patterns.StatusApproved
	logger.G(ctx).WithField("id", item.ID).WithField("kind", item.Kind).Info("queue item approved")
	notify.Send(ctx, g.sink, notify.Notice{
		Kind:   notify.KindResolved,
		Title:  fmt.Sprintf("Approved %s %s", item.Kind, displayName(item)),
		Fields: map[string]string{"id": item.ID},
	})
	return item, nil
}

// Reject resolves a pending item without applying it. A rejected proposal
// starts the detector's cooldown for its fingerprint.
func (g *Gate) Reject(ctx context.Context, id, reason string) (Item, error) {
	if reason == "" {
		return Item{}, errors.New("a rejection reason is required")
	}
	item, err := g.queue.Lookup(ctx, id)
	if err != nil {
		return Item{}, err
	}
	if err := g.queue.resolve(ctx, item.ID, patterns.StatusRejected, reason); err != nil {
		return item, err
	}
	item.Status = patterns.StatusRejected
	item.Reason = reason
	logger.G(ctx).WithField("id", item.ID).WithField("kind", item.Kind).WithField("reason", reason).Info("queue item rejected")
	notify.Send(ctx, g.sink, notify.Notice{
		Kind:   notify.KindResolved,
		Title:  fmt.Sprintf("Rejected %s %s", item.Kind, displayName(item)),
		Body:   reason,
		Fields: map[string]string{"id": item.ID},
	})
	return item, nil
}

// Rollback undoes a deployment and announces it.
func (g *Gate) Rollback(ctx context.Context, name string) (RollbackResult, error) {
	res, err := g.deployer.Rollback(ctx, name)
	if err != nil {
		return res, err
	}
	if res.Success {
		notify.Send(ctx, g.sink, notify.Notice{Kind: notify.KindRolledBack, Title: res.Reason})
	} else {
		logger.G(ctx).WithField("skill", name).WithField("reason", res.Reason).Info("rollback refused")
	}
	return res, nil
}

// Classify reports the zone op would land in without acting on it.
func (g *Gate) Classify(ctx context.Context, op zones.Operation, def *skills.Definition) (zones.Result, error) {
	op, err := g.prepare(op, def)
	if err != nil {
		return zones.Result{}, err
	}
	return g.classify(ctx, op), nil
}

// prepare checks that skill operations carry a skill and adds the skill's
// deployed document to the target files, so the zone is decided by where
// the write actually lands.
func (g *Gate) prepare(op zones.Operation, def *skills.Definition) (zones.Operation, error) {
	if requiresSkill(op.Type) && def == nil {
		return op, errors.Errorf("%s operation requires a skill", op.Type)
	}
	if def == nil {
		return op, nil
	}
	path := g.deployer.Path(def.Name)
	targets := make([]string, 0, len(op.TargetFiles)+1)
	for _, f := range op.TargetFiles {
		if filepath.Clean(f) != path {
			targets = append(targets, f)
		}
	}
	op.TargetFiles = append(targets, path)
	return op, nil
}

func (g *Gate) classify(ctx context.Context, op zones.Operation) zones.Result {
	res := g.classifier.Classify(op)
	log := logger.G(ctx).WithField("operation", op.Type).
		WithField("tier", int(op.Tier)).
		WithField("zone", res.Zone).
		WithField("rule", res.Rule).
		WithField("reason", res.Reason)
	if res.Rule == "default" {
		log.Info("no rule allowed the operation, defaulting to approval")
	} else {
		log.Debug("operation classified")
	}
	return res
}

// apply carries out an operation. Non-skill operations have nothing to
// deploy here; the caller performs them once the gate has allowed them.
func (g *Gate) apply(ctx context.Context, op zones.Operation, def *skills.Definition, zone zones.Zone, source string) (*Deployment, error) {
	switch op.Type {
	case zones.OpSkillCreate, zones.OpSkillEdit, zones.OpSkillFix:
		dep, err := g.deployer.Deploy(ctx, def, zone, source)
		if err != nil {
			return nil, err
		}
		return &dep, nil
	case zones.OpSkillDelete:
		return nil, g.deployer.Remove(ctx, def.Name)
	default:
		return nil, nil
	}
}

func requiresSkill(t zones.OperationType) bool {
	switch t {
	case zones.OpSkillCreate, zones.OpSkillEdit, zones.OpSkillFix, zones.OpSkillDelete:
		return true
	}
	return false
}

func appliedNotice(op zones.Operation, def *skills.Definition, d *Decision) notify.Notice {
	title := fmt.Sprintf("Applied %s", op.Type)
	if def != nil {
		title += " " + def.Name
	}
	fields := map[string]string{
		"id":   d.ID,
		"zone": string(d.Classification.Zone),
		"rule": d.Classification.Rule,
		"tier": op.Tier.String(),
	}
	body := d.Classification.Reason
	if d.Deployment != nil {
		fields["rollback"] = fmt.Sprintf("rollback %s (until %s)", d.Deployment.Name, d.Deployment.ExpiresAt.Format("2006-01-02 15:04"))
		if d.Deployment.Diff != "" {
			body += "\n```\n" + d.Deployment.Diff + "```"
		}
	}
	return notify.Notice{Kind: notify.KindDeployed, Title: title, Body: body, Fields: fields}
}

func queuedNotice(o Operation) notify.Notice {
	title := fmt.Sprintf("Approval needed for %s", o.Operation.Type)
	if o.Skill != nil {
		title += " " + o.Skill.Name
	}
	return notify.Notice{
		Kind:  notify.KindQueued,
		Title: title,
		Body:  o.Classification.Reason,
		Fields: map[string]string{
			"id":       o.ID,
			"rule":     o.Classification.Rule,
			"tier":     o.Operation.Tier.String(),
			"commands": fmt.Sprintf("approve %s | reject %s <reason>", o.ID, o.ID),
		},
	}
}

func displayName(item Item) string {
	if item.Name != "" {
		return item.Name
	}
	return item.ID
}
