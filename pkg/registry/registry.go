// Package registry holds the in-memory skill index. The index is immutable
// once built; every write (reload, registration, enable/disable) builds a
// replacement and swaps it in atomically, so readers never observe a
// partially updated index.
package registry

import (
	"context"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jingkaihe/autoskill/pkg/clock"
	"github.com/jingkaihe/autoskill/pkg/intent"
	"github.com/jingkaihe/autoskill/pkg/logger"
	"github.com/jingkaihe/autoskill/pkg/skills"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a named skill is not registered.
var ErrNotFound = errors.New("skill not found")

// Loader produces the on-disk skill set.
type Loader interface {
	DiscoverSkills() (*skills.LoadResult, error)
}

// Registry is the skill index. Construct one per process (or per test) with New.
type Registry struct {
	loader Loader
	clock  clock.Clock

	index atomic.Pointer[index]

	writeMu   sync.Mutex
	disk      map[string]*skills.Definition
	overlay   map[string]*skills.Definition
	overrides map[string]bool

	metricsMu sync.Mutex
	metrics   map[string]*skills.Metrics
}

// Option configures a Registry.
type Option func(*Registry)

// WithLoader sets the on-disk loader used by Load and hot reload.
func WithLoader(loader Loader) Option {
	return func(r *Registry) {
		r.loader = loader
	}
}

// WithClock sets the clock used for metrics timestamps.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		r.clock = c
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		clock:     clock.Real(),
		disk:      make(map[string]*skills.Definition),
		overlay:   make(map[string]*skills.Definition),
		overrides: make(map[string]bool),
		metrics:   make(map[string]*skills.Metrics),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.index.Store(emptyIndex())
	return r
}

// Load scans the loader's directories and swaps in the result. When the scan
// itself fails the current index is left untouched.
func (r *Registry) Load(ctx context.Context) error {
	if r.loader == nil {
		return nil
	}
	result, err := r.loader.DiscoverSkills()
	if err != nil {
		logger.G(ctx).WithError(err).Error("skill reload failed, keeping previous index")
		return errors.Wrap(err, "failed to load skills")
	}
	r.applyDisk(ctx, result)
	return nil
}

func (r *Registry) applyDisk(ctx context.Context, result *skills.LoadResult) {
	if result.Skipped != nil {
		for _, err := range result.Skipped.Errors {
			logger.G(ctx).WithError(err).Warn("skipped skill document")
		}
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.disk = result.Skills
	ix := r.rebuildLocked()

	logger.G(ctx).WithField("skills", len(ix.entries)).
		WithField("skipped", result.SkippedCount()).
		Info("skill index loaded")
}

// rebuildLocked composes disk, overlay and enable overrides into a fresh
// index and publishes it. writeMu must be held.
func (r *Registry) rebuildLocked() *index {
	merged := make(map[string]*skills.Definition, len(r.disk)+len(r.overlay))
	for name, def := range r.disk {
		merged[name] = def
	}
	for name, def := range r.overlay {
		merged[name] = def
	}

	ix := newIndex(len(merged))
	for name, def := range merged {
		def = def.Clone()
		if enabled, ok := r.overrides[name]; ok {
			def.Enabled = enabled
		}
		ix.add(newEntry(def))
	}
	ix.sort()
	r.index.Store(ix)
	return ix
}

// Register adds or replaces a skill at runtime. Runtime registrations win
// over on-disk definitions of the same name and survive reloads until
// unregistered.
func (r *Registry) Register(def *skills.Definition) error {
	if def == nil {
		return errors.New("nil skill definition")
	}
	if err := skills.Validate(def); err != nil {
		return errors.Wrapf(err, "cannot register skill %q", def.Name)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.overlay[def.Name] = def.Clone()
	delete(r.overrides, def.Name)
	r.rebuildLocked()
	return nil
}

// Unregister removes a skill from the index.
func (r *Registry) Unregister(name string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	_, inOverlay := r.overlay[name]
	_, onDisk := r.disk[name]
	if !inOverlay && !onDisk {
		return errors.Wrapf(ErrNotFound, "%s", name)
	}

	delete(r.overlay, name)
	if onDisk {
		disk := make(map[string]*skills.Definition, len(r.disk))
		for k, v := range r.disk {
			if k != name {
				disk[k] = v
			}
		}
		r.disk = disk
	}
	delete(r.overrides, name)
	r.rebuildLocked()

	r.metricsMu.Lock()
	delete(r.metrics, name)
	r.metricsMu.Unlock()
	return nil
}

// SetEnabled flips a skill's enabled flag. The override survives reloads.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if _, ok := r.index.Load().entries[name]; !ok {
		return errors.Wrapf(ErrNotFound, "%s", name)
	}
	r.overrides[name] = enabled
	r.rebuildLocked()
	return nil
}

// Get returns a copy of the named skill.
func (r *Registry) Get(name string) (*skills.Definition, bool) {
	e, ok := r.index.Load().entries[name]
	if !ok {
		return nil, false
	}
	return e.def.Clone(), true
}

// List returns copies of every skill, ordered by name.
func (r *Registry) List() []*skills.Definition {
	ix := r.index.Load()
	out := make([]*skills.Definition, 0, len(ix.ordered))
	for _, e := range ix.ordered {
		out = append(out, e.def.Clone())
	}
	return out
}

// Len returns the number of indexed skills.
func (r *Registry) Len() int {
	return len(r.index.Load().entries)
}

// RecordExecution folds one execution into the skill's metrics and returns
// a snapshot.
func (r *Registry) RecordExecution(name string, success bool, latency time.Duration) skills.Metrics {
	r.metricsMu.Lock()
	defer r.metricsMu.Unlock()

	m, ok := r.metrics[name]
	if !ok {
		m = &skills.Metrics{}
		r.metrics[name] = m
	}
	m.Record(success, latency, r.clock.Now())
	return *m
}

// Metrics returns a snapshot of the skill's metrics.
func (r *Registry) Metrics(name string) skills.Metrics {
	r.metricsMu.Lock()
	defer r.metricsMu.Unlock()

	if m, ok := r.metrics[name]; ok {
		return *m
	}
	return skills.Metrics{}
}

type index struct {
	entries map[string]*entry
	ordered []*entry
}

func emptyIndex() *index {
	return newIndex(0)
}

func newIndex(size int) *index {
	return &index{
		entries: make(map[string]*entry, size),
		ordered: make([]*entry, 0, size),
	}
}

func (ix *index) add(e *entry) {
	ix.entries[e.def.Name] = e
	ix.ordered = append(ix.ordered, e)
}

func (ix *index) sort() {
	sort.Slice(ix.ordered, func(i, j int) bool {
		return ix.ordered[i].def.Name < ix.ordered[j].def.Name
	})
}

// entry is an indexed skill with its triggers precompiled.
type entry struct {
	def      *skills.Definition
	regexes  []*regexp.Regexp
	examples []*intent.Result
}

func newEntry(def *skills.Definition) *entry {
	e := &entry{
		def:      def,
		regexes:  make([]*regexp.Regexp, len(def.Triggers)),
		examples: make([]*intent.Result, len(def.Triggers)),
	}
	for i, t := range def.Triggers {
		switch t.Type {
		case skills.TriggerRegex:
			// Definitions are validated before indexing; a bad pattern only
			// disables this trigger.
			if re, err := regexp.Compile("(?i)" + t.Pattern); err == nil {
				e.regexes[i] = re
			}
		case skills.TriggerIntent:
			if t.Example != "" {
				res := intent.Normalize(t.Example)
				e.examples[i] = &res
			}
		}
	}
	return e
}
