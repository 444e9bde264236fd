package approval

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aymanbagabas/go-udiff"
	"github.com/jingkaihe/autoskill/pkg/clock"
	"github.com/jingkaihe/autoskill/pkg/logger"
	"github.com/jingkaihe/autoskill/pkg/registry"
	"github.com/jingkaihe/autoskill/pkg/skills"
	"github.com/jingkaihe/autoskill/pkg/zones"
	"github.com/pkg/errors"
)

// DefaultRollbackWindow is how long a deployment stays reversible.
const DefaultRollbackWindow = 24 * time.Hour

// documentName is the file written for each deployed skill.
const documentName = "skill.yaml"

// Registrar is the registry write side the deployer needs.
type Registrar interface {
	Register(def *skills.Definition) error
	Unregister(name string) error
}

// RollbackResult is the outcome of a rollback request. Refusals are not
// errors: Success is false and Reason says why.
type RollbackResult struct {
	Name    string `json:"name"`
	Success bool   `json:"success"`
	Reason  string `json:"reason"`
}

// Deployer writes skills into the generated directory, registers them and
// tracks them in the queue document for the rollback window.
type Deployer struct {
	dir      string
	window   time.Duration
	registry Registrar
	queue    *Queue
	clock    clock.Clock
}

// NewDeployer creates a deployer writing under dir. A non-positive window
// uses DefaultRollbackWindow.
func NewDeployer(dir string, window time.Duration, reg Registrar, queue *Queue) *Deployer {
	if window <= 0 {
		window = DefaultRollbackWindow
	}
	return &Deployer{dir: dir, window: window, registry: reg, queue: queue, clock: queue.clock}
}

// Dir returns the generated skills directory.
func (d *Deployer) Dir() string {
	return d.dir
}

// Path returns where the named skill's document is written.
func (d *Deployer) Path(name string) string {
	return filepath.Join(d.dir, name, documentName)
}

// Deploy writes def, registers it and starts its rollback window. A previous
// deployment of the same name is replaced and the returned Diff shows what
// changed in its document.
func (d *Deployer) Deploy(ctx context.Context, def *skills.Definition, zone zones.Zone, source string) (Deployment, error) {
	if def == nil {
		return Deployment{}, errors.New("nil skill definition")
	}
	if err := skills.Validate(def); err != nil {
		return Deployment{}, errors.Wrapf(err, "cannot deploy skill %q", def.Name)
	}
	if def.Enabled && len(def.Process.Steps) == 0 {
		return Deployment{}, errors.Errorf("cannot deploy skill %q: an enabled skill needs at least one step", def.Name)
	}

	path := d.Path(def.Name)
	content, err := skills.MarshalYAML(def)
	if err != nil {
		return Deployment{}, err
	}
	previous, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return Deployment{}, errors.Wrapf(err, "failed to read deployed skill %s", def.Name)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Deployment{}, errors.Wrapf(err, "failed to create directory for skill %s", def.Name)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return Deployment{}, errors.Wrapf(err, "failed to write skill %s", def.Name)
	}

	deployed := def.Clone()
	deployed.Source = path
	if err := d.registry.Register(deployed); err != nil {
		d.restoreDocument(ctx, def.Name, previous)
		return Deployment{}, err
	}

	now := d.clock.Now()
	dep := Deployment{
		Name:       def.Name,
		Version:    def.Version,
		Path:       path,
		Zone:       zone,
		Source:     source,
		DeployedAt: now,
		ExpiresAt:  now.Add(d.window),
	}
	if err := d.queue.track(ctx, dep); err != nil {
		return Deployment{}, errors.Wrapf(err, "skill %s deployed but not tracked", def.Name)
	}
	if len(previous) > 0 {
		dep.Diff = udiff.Unified(path, path, string(previous), string(content))
	}

	logger.G(ctx).WithField("skill", def.Name).
		WithField("zone", zone).
		WithField("path", path).
		Info("skill deployed")
	return dep, nil
}

// Rollback undoes a tracked deployment while its window is open.
func (d *Deployer) Rollback(ctx context.Context, name string) (RollbackResult, error) {
	res := RollbackResult{Name: name}

	dep, ok, err := d.queue.deployment(name)
	if err != nil {
		return res, err
	}
	if !ok {
		res.Reason = fmt.Sprintf("no tracked deployment named %s", name)
		return res, nil
	}
	now := d.clock.Now()
	if !dep.Rollbackable(now) {
		res.Reason = fmt.Sprintf("rollback window for %s closed at %s", name, dep.ExpiresAt.Format(time.RFC3339))
		return res, nil
	}

	if err := d.registry.Unregister(name); err != nil && !errors.Is(err, registry.ErrNotFound) {
		res.Reason = fmt.Sprintf("failed to unregister %s: %s", name, err)
		return res, nil
	}
	d.removeDocument(ctx, name)
	if err := d.queue.untrack(ctx, name); err != nil {
		return res, errors.Wrapf(err, "skill %s unregistered but still tracked", name)
	}

	logger.G(ctx).WithField("skill", name).Info("deployment rolled back")
	res.Success = true
	res.Reason = fmt.Sprintf("rolled back %s %s deployed at %s", name, dep.Version, dep.DeployedAt.Format(time.RFC3339))
	return res, nil
}

// Remove unregisters a skill and deletes its generated document, if any.
func (d *Deployer) Remove(ctx context.Context, name string) error {
	if err := d.registry.Unregister(name); err != nil {
		return err
	}
	d.removeDocument(ctx, name)
	if err := d.queue.untrack(ctx, name); err != nil {
		return err
	}
	logger.G(ctx).WithField("skill", name).Info("skill removed")
	return nil
}

// restoreDocument puts back the document a failed deploy overwrote, or
// removes it when there was none.
func (d *Deployer) restoreDocument(ctx context.Context, name string, previous []byte) {
	if len(previous) == 0 {
		d.removeDocument(ctx, name)
		return
	}
	path := d.Path(name)
	if err := os.WriteFile(path, previous, 0o644); err != nil {
		logger.G(ctx).WithError(err).WithField("path", path).Warn("failed to restore previous skill document")
	}
}

func (d *Deployer) removeDocument(ctx context.Context, name string) {
	dir := filepath.Dir(d.Path(name))
	if !skills.ValidName(name) || !zones.Contains(d.dir, dir) || dir == filepath.Clean(d.dir) {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		logger.G(ctx).WithError(err).WithField("path", dir).Warn("failed to remove skill document")
	}
}
