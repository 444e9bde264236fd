// Package approval holds changes that wait for a human. Proposals from the
// pattern detector and ad-hoc operations live in one durable, versioned queue
// document; the Gate classifies incoming changes and either deploys them or
// parks them there.
package approval

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jingkaihe/autoskill/pkg/clock"
	"github.com/jingkaihe/autoskill/pkg/logger"
	"github.com/jingkaihe/autoskill/pkg/patterns"
	"github.com/jingkaihe/autoskill/pkg/skills"
	"github.com/jingkaihe/autoskill/pkg/zones"
	"github.com/pkg/errors"
	"github.com/rogpeppe/go-internal/lockedfile"
)

// DocumentVersion is the queue document format version.
const DocumentVersion = 1

// minPrefix is the shortest id prefix accepted in commands.
const minPrefix = 4

var (
	// ErrNotFound is returned for ids that match no queue item.
	ErrNotFound = errors.New("queue item not found")
	// ErrResolved is returned when acting on an item that is no longer pending.
	ErrResolved = errors.New("queue item already resolved")
	// ErrUnsupportedVersion is returned for documents written by a newer format.
	ErrUnsupportedVersion = errors.New("unsupported queue document version")
)

// Kind distinguishes the two queue item types.
type Kind string

// Kind constants
const (
	KindProposal  Kind = "proposal"
	KindOperation Kind = "operation"
)

// Proposal is a detector proposal plus the classification computed when it
// was queued.
type Proposal struct {
	patterns.Proposal
	Classification zones.Result `json:"classification"`
}

// Operation is an ad-hoc change waiting for approval.
type Operation struct {
	ID             string             `json:"id"`
	Status         patterns.Status    `json:"status"`
	Operation      zones.Operation    `json:"operation"`
	Skill          *skills.Definition `json:"skill,omitempty"`
	Classification zones.Result       `json:"classification"`
	CreatedAt      time.Time          `json:"created_at"`
	ResolvedAt     time.Time          `json:"resolved_at,omitempty"`
	Reason         string             `json:"reason,omitempty"`
}

// Deployment tracks a deployed skill for its rollback window.
type Deployment struct {
	Name       string     `json:"name"`
	Version    string     `json:"version"`
	Path       string     `json:"path"`
	Zone       zones.Zone `json:"zone"`
	Source     string     `json:"source,omitempty"`
	DeployedAt time.Time  `json:"deployed_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	// Diff is set on redeployments and never persisted.
	Diff string `json:"diff,omitempty"`
}

// Rollbackable reports whether the rollback window is still open at now.
func (d Deployment) Rollbackable(now time.Time) bool {
	return !now.After(d.ExpiresAt)
}

// Document is the on-disk queue.
type Document struct {
	Version     int          `json:"version"`
	Revision    int64        `json:"revision"`
	UpdatedAt   time.Time    `json:"updated_at"`
	Proposals   []Proposal   `json:"proposals"`
	Operations  []Operation  `json:"operations"`
	Deployments []Deployment `json:"deployments"`
}

// Item is a flattened view of a queue entry.
type Item struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Status     patterns.Status `json:"status"`
	Name       string          `json:"name"`
	Tier       skills.Tier     `json:"tier"`
	Zone       zones.Zone      `json:"zone"`
	Rule       string          `json:"rule"`
	Summary    string          `json:"summary"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt time.Time       `json:"resolved_at,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

// Items lists every entry in the document, oldest first.
func (d *Document) Items() []Item {
	items := make([]Item, 0, len(d.Proposals)+len(d.Operations))
	for _, p := range d.Proposals {
		item := Item{
			ID:         p.ID,
			Kind:       KindProposal,
			Status:     p.Status,
			Tier:       p.Tier,
			Zone:       p.Classification.Zone,
			Rule:       p.Classification.Rule,
			Summary:    strings.Join(p.Pattern.Examples, " | "),
			CreatedAt:  p.CreatedAt,
			ResolvedAt: p.ResolvedAt,
			Reason:     p.Reason,
		}
		if p.Skill != nil {
			item.Name = p.Skill.Name
		}
		items = append(items, item)
	}
	for _, o := range d.Operations {
		item := Item{
			ID:         o.ID,
			Kind:       KindOperation,
			Status:     o.Status,
			Tier:       o.Operation.Tier,
			Zone:       o.Classification.Zone,
			Rule:       o.Classification.Rule,
			Summary:    string(o.Operation.Type),
			CreatedAt:  o.CreatedAt,
			ResolvedAt: o.ResolvedAt,
			Reason:     o.Reason,
		}
		if o.Operation.Description != "" {
			item.Summary += ": " + o.Operation.Description
		}
		if o.Skill != nil {
			item.Name = o.Skill.Name
		}
		items = append(items, item)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items
}

// lookup resolves an exact id or a unique prefix of at least minPrefix
// characters.
func (d *Document) lookup(id string) (Item, error) {
	var matches []Item
	for _, item := range d.Items() {
		if item.ID == id {
			return item, nil
		}
		if len(id) >= minPrefix && strings.HasPrefix(item.ID, id) {
			matches = append(matches, item)
		}
	}
	switch len(matches) {
	case 0:
		return Item{}, errors.Wrapf(ErrNotFound, "%s", id)
	case 1:
		return matches[0], nil
	default:
		return Item{}, errors.Errorf("id prefix %s is ambiguous (%d matches)", id, len(matches))
	}
}

func (d *Document) proposal(id string) *Proposal {
	for i := range d.Proposals {
		if d.Proposals[i].ID == id {
			return &d.Proposals[i]
		}
	}
	return nil
}

func (d *Document) operation(id string) *Operation {
	for i := range d.Operations {
		if d.Operations[i].ID == id {
			return &d.Operations[i]
		}
	}
	return nil
}

// Queue persists the document with lockedfile. Writes are read-modify-write
// under the file lock, last writer wins.
type Queue struct {
	path  string
	clock clock.Clock
	mu    sync.RWMutex
}

// NewQueue creates a queue backed by path. A nil clock uses wall time.
func NewQueue(path string, c clock.Clock) (*Queue, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create queue directory")
	}
	if c == nil {
		c = clock.Real()
	}
	return &Queue{path: path, clock: c}, nil
}

// Path returns the document path.
func (q *Queue) Path() string {
	return q.path
}

// Snapshot returns the current document.
func (q *Queue) Snapshot(_ context.Context) (*Document, error) {
	return q.read()
}

// Proposals returns every proposal ever queued and not yet removed by
// retention, for cooldown and cap accounting.
func (q *Queue) Proposals(_ context.Context) ([]patterns.Proposal, error) {
	doc, err := q.read()
	if err != nil {
		return nil, err
	}
	out := make([]patterns.Proposal, len(doc.Proposals))
	for i, p := range doc.Proposals {
		out[i] = p.Proposal
	}
	return out, nil
}

// Pending returns the items waiting for a decision.
func (q *Queue) Pending(_ context.Context) ([]Item, error) {
	doc, err := q.read()
	if err != nil {
		return nil, err
	}
	var out []Item
	for _, item := range doc.Items() {
		if item.Status == patterns.StatusPending {
			out = append(out, item)
		}
	}
	return out, nil
}

// Lookup resolves an id or unique id prefix.
func (q *Queue) Lookup(_ context.Context, id string) (Item, error) {
	doc, err := q.read()
	if err != nil {
		return Item{}, err
	}
	return doc.lookup(id)
}

// Deployments returns the tracked deployments, newest first.
func (q *Queue) Deployments(_ context.Context) ([]Deployment, error) {
	doc, err := q.read()
	if err != nil {
		return nil, err
	}
	out := append([]Deployment(nil), doc.Deployments...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].DeployedAt.After(out[j].DeployedAt) })
	return out, nil
}

func (q *Queue) addProposal(ctx context.Context, p Proposal) error {
	return q.transform(ctx, func(doc *Document) error {
		if doc.proposal(p.ID) != nil {
			return errors.Errorf("proposal %s already queued", p.ID)
		}
		doc.Proposals = append(doc.Proposals, p)
		return nil
	})
}

func (q *Queue) addOperation(ctx context.Context, op Operation) error {
	return q.transform(ctx, func(doc *Document) error {
		if doc.operation(op.ID) != nil {
			return errors.Errorf("operation %s already queued", op.ID)
		}
		doc.Operations = append(doc.Operations, op)
		return nil
	})
}

// resolve moves a pending item to status. It fails when the item is gone or
// was resolved by someone else in the meantime.
func (q *Queue) resolve(ctx context.Context, id string, status patterns.Status, reason string) error {
	now := q.clock.Now()
	return q.transform(ctx, func(doc *Document) error {
		if p := doc.proposal(id); p != nil {
			if p.Status.Resolved() {
				return errors.Wrapf(ErrResolved, "%s is %s", id, p.Status)
			}
			p.Status, p.ResolvedAt, p.Reason = status, now, reason
			return nil
		}
		if o := doc.operation(id); o != nil {
			if o.Status.Resolved() {
				return errors.Wrapf(ErrResolved, "%s is %s", id, o.Status)
			}
			o.Status, o.ResolvedAt, o.Reason = status, now, reason
			return nil
		}
		return errors.Wrapf(ErrNotFound, "%s", id)
	})
}

func (q *Queue) track(ctx context.Context, d Deployment) error {
	return q.transform(ctx, func(doc *Document) error {
		kept := doc.Deployments[:0]
		for _, existing := range doc.Deployments {
			if existing.Name != d.Name {
				kept = append(kept, existing)
			}
		}
		doc.Deployments = append(kept, d)
		return nil
	})
}

func (q *Queue) untrack(ctx context.Context, name string) error {
	return q.transform(ctx, func(doc *Document) error {
		kept := doc.Deployments[:0]
		for _, d := range doc.Deployments {
			if d.Name != name {
				kept = append(kept, d)
			}
		}
		doc.Deployments = kept
		return nil
	})
}

func (q *Queue) deployment(name string) (Deployment, bool, error) {
	doc, err := q.read()
	if err != nil {
		return Deployment{}, false, err
	}
	for _, d := range doc.Deployments {
		if d.Name == name {
			return d, true, nil
		}
	}
	return Deployment{}, false, nil
}

// CleanupReport counts what a cleanup pass changed.
type CleanupReport struct {
	Expired     int `json:"expired"`
	Removed     int `json:"removed"`
	Deployments int `json:"deployments"`
}

// Cleanup expires pending items older than ttl and removes resolved items
// resolved more than retention ago. Tracking records whose rollback window
// closed more than retention ago are dropped too. Zero durations disable the
// corresponding step.
func (q *Queue) Cleanup(ctx context.Context, ttl, retention time.Duration) (CleanupReport, error) {
	now := q.clock.Now()
	var report CleanupReport

	err := q.transform(ctx, func(doc *Document) error {
		report = CleanupReport{}
		expire := func(status *patterns.Status, created time.Time, resolvedAt *time.Time, reason *string) {
			if ttl > 0 && *status == patterns.StatusPending && now.Sub(created) >= ttl {
				*status, *resolvedAt, *reason = patterns.StatusExpired, now, "expired after "+ttl.String()
				report.Expired++
			}
		}
		stale := func(status patterns.Status, resolvedAt time.Time) bool {
			return retention > 0 && status.Resolved() && now.Sub(resolvedAt) >= retention
		}

		proposals := doc.Proposals[:0]
		for _, p := range doc.Proposals {
			expire(&p.Status, p.CreatedAt, &p.ResolvedAt, &p.Reason)
			if stale(p.Status, p.ResolvedAt) {
				report.Removed++
				continue
			}
			proposals = append(proposals, p)
		}
		doc.Proposals = proposals

		operations := doc.Operations[:0]
		for _, o := range doc.Operations {
			expire(&o.Status, o.CreatedAt, &o.ResolvedAt, &o.Reason)
			if stale(o.Status, o.ResolvedAt) {
				report.Removed++
				continue
			}
			operations = append(operations, o)
		}
		doc.Operations = operations

		deployments := doc.Deployments[:0]
		for _, d := range doc.Deployments {
			if retention > 0 && now.Sub(d.ExpiresAt) >= retention {
				report.Deployments++
				continue
			}
			deployments = append(deployments, d)
		}
		doc.Deployments = deployments
		return nil
	})
	if err != nil {
		return CleanupReport{}, err
	}

	logger.G(ctx).WithField("expired", report.Expired).
		WithField("removed", report.Removed).
		WithField("deployments", report.Deployments).
		Info("approval queue cleaned up")
	return report, nil
}

func (q *Queue) read() (*Document, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if _, err := os.Stat(q.path); os.IsNotExist(err) {
		return &Document{Version: DocumentVersion}, nil
	}
	raw, err := lockedfile.Read(q.path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read queue file")
	}
	return decode(raw)
}

func decode(raw []byte) (*Document, error) {
	doc := &Document{Version: DocumentVersion}
	if len(raw) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal queue")
	}
	if doc.Version > DocumentVersion {
		return nil, errors.Wrapf(ErrUnsupportedVersion, "version %d", doc.Version)
	}
	return doc, nil
}

func (q *Queue) transform(ctx context.Context, fn func(*Document) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return lockedfile.Transform(q.path, func(raw []byte) ([]byte, error) {
		doc, err := decode(raw)
		if err != nil {
			if errors.Is(err, ErrUnsupportedVersion) {
				return nil, err
			}
			backup, berr := q.backupCorrupt(raw)
			if berr != nil {
				return nil, errors.Wrap(berr, "refusing to replace unreadable queue")
			}
			logger.G(ctx).WithError(err).WithField("backup", backup).
				Warn("failed to unmarshal existing queue, saved a copy and starting fresh")
			doc = &Document{}
		}
		if err := fn(doc); err != nil {
			return nil, err
		}
		doc.Version = DocumentVersion
		doc.Revision++
		doc.UpdatedAt = q.clock.Now()

		out, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal queue")
		}
		return out, nil
	})
}

// backupCorrupt copies an unreadable queue document next to the queue so
// its pending items can be recovered by hand.
func (q *Queue) backupCorrupt(raw []byte) (string, error) {
	path := q.path + ".corrupt-" + q.clock.Now().UTC().Format("20060102T150405Z")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return "", errors.Wrapf(err, "failed to back up corrupt queue to %s", path)
	}
	return path, nil
}
