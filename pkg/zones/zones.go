// Package zones decides whether an automated change may run unattended. Rules
// are an explicit allow-list evaluated in order; anything they do not
// recognise requires human approval.
package zones

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/jingkaihe/autoskill/pkg/skills"
	"github.com/pkg/errors"
)

// Zone is a permission zone.
type Zone string

// Zone constants, least to most restrictive.
const (
	ZoneAutoExecute Zone = "auto-execute"
	ZoneAutoNotify  Zone = "auto-notify"
	ZoneApprove     Zone = "approve"
)

// OperationType names the kind of change.
type OperationType string

// OperationType constants
const (
	OpSkillCreate   OperationType = "skill-create"
	OpSkillEdit     OperationType = "skill-edit"
	OpSkillFix      OperationType = "skill-fix"
	OpSkillDelete   OperationType = "skill-delete"
	OpConfigChange  OperationType = "config-change"
	OpSchemaChange  OperationType = "schema-change"
	OpDependencyAdd OperationType = "dependency-add"
)

// Operation describes a proposed code or config change.
type Operation struct {
	Type                  OperationType `json:"type" yaml:"type"`
	Tier                  skills.Tier   `json:"tier" yaml:"tier"`
	TargetFiles           []string      `json:"target_files" yaml:"target_files"`
	TouchesCore           bool          `json:"touches_core,omitempty" yaml:"touches_core,omitempty"`
	TouchesCredentials    bool          `json:"touches_credentials,omitempty" yaml:"touches_credentials,omitempty"`
	TouchesExternalConfig bool          `json:"touches_external_config,omitempty" yaml:"touches_external_config,omitempty"`
	Description           string        `json:"description,omitempty" yaml:"description,omitempty"`
}

// Result records the zone and which rule decided it.
type Result struct {
	Zone   Zone   `json:"zone"`
	Reason string `json:"reason"`
	Rule   string `json:"rule"`
}

// Config holds the allow-list and sensitive path patterns. Patterns are
// doublestar globs matched against paths relative to Root.
type Config struct {
	Root               string   `mapstructure:"root"`
	AllowedDirs        []string `mapstructure:"allowed_dirs"`
	CorePatterns       []string `mapstructure:"core_patterns"`
	CredentialPatterns []string `mapstructure:"credential_patterns"`
	ExternalPatterns   []string `mapstructure:"external_patterns"`
	SchemaPatterns     []string `mapstructure:"schema_patterns"`
	DependencyPatterns []string `mapstructure:"dependency_patterns"`
}

// DefaultConfig returns the default allow-list. The first allowed directory
// is the most trusted.
func DefaultConfig() Config {
	return Config{
		Root:               ".",
		AllowedDirs:        []string{"skills", "templates", "config"},
		CorePatterns:       []string{"cmd/**", "pkg/**", "internal/**", "**/router*", "**/routing*"},
		CredentialPatterns: []string{"**/.env", "**/.env.*", "**/*secret*", "**/*credential*", "**/*token*", "**/*.pem", "**/*.key"},
		ExternalPatterns:   []string{"**/webhook*", "**/integrations/**", "**/*oauth*"},
		SchemaPatterns:     []string{"**/migrations/**", "**/*.sql", "**/schema.*"},
		DependencyPatterns: []string{"**/go.mod", "**/go.sum", "**/package.json", "**/requirements*.txt"},
	}
}

// Classifier evaluates operations against a Config.
type Classifier struct {
	cfg     Config
	root    string
	allowed []string
	rules   []rule
}

// New validates the patterns and resolves the allowed directories.
func New(cfg Config) (*Classifier, error) {
	if len(cfg.AllowedDirs) == 0 {
		return nil, errors.New("at least one allowed directory is required")
	}
	for _, group := range [][]string{cfg.CorePatterns, cfg.CredentialPatterns, cfg.ExternalPatterns, cfg.SchemaPatterns, cfg.DependencyPatterns} {
		for _, p := range group {
			if !doublestar.ValidatePattern(p) {
				return nil, errors.Errorf("invalid path pattern %q", p)
			}
		}
	}

	root := cfg.Root
	if root == "" {
		root = "."
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve zone root")
	}

	c := &Classifier{cfg: cfg, root: resolve(absRoot)}
	for _, dir := range cfg.AllowedDirs {
		c.allowed = append(c.allowed, c.resolveTarget(dir))
	}
	c.rules = c.buildRules()
	return c, nil
}

// AllowedDirs returns the resolved allow-listed directories.
func (c *Classifier) AllowedDirs() []string {
	return append([]string(nil), c.allowed...)
}

// Classify returns the zone for op. The first matching rule wins; an
// operation no rule accepts lands in ZoneApprove, as does one with an
// unknown tier.
func (c *Classifier) Classify(op Operation) Result {
	if !op.Tier.Valid() {
		return Result{
			Zone:   ZoneApprove,
			Rule:   "invalid-tier",
			Reason: fmt.Sprintf("%s declares unknown tier %d; requires approval", op.Type, op.Tier),
		}
	}

	targets := make([]target, len(op.TargetFiles))
	for i, f := range op.TargetFiles {
		targets[i] = c.newTarget(f)
	}

	for _, r := range c.rules {
		if res, ok := r.match(op, targets); ok {
			res.Rule = r.name
			return res
		}
	}
	return Result{
		Zone:   ZoneApprove,
		Rule:   "default",
		Reason: fmt.Sprintf("no rule allows %s at tier %d; requires approval", op.Type, op.Tier),
	}
}

// Contains reports whether path resolves inside dir.
func Contains(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

type target struct {
	raw      string
	resolved string
	// rel is the slash-separated path relative to the root, used for
	// pattern matching. Empty when the target escapes the root.
	rel string
}

func (c *Classifier) newTarget(path string) target {
	resolved := c.resolveTarget(path)
	t := target{raw: path, resolved: resolved}
	if Contains(c.root, resolved) {
		if rel, err := filepath.Rel(c.root, resolved); err == nil {
			t.rel = filepath.ToSlash(rel)
		}
	}
	return t
}

func (c *Classifier) resolveTarget(path string) string {
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.root, path)
	}
	return resolve(filepath.Clean(path))
}

// resolve follows symlinks on the longest existing ancestor of path and
// re-attaches the remainder, so paths that do not exist yet still resolve.
func resolve(path string) string {
	existing := path
	var rest []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return path
		}
		rest = append([]string{filepath.Base(existing)}, rest...)
		existing = parent
	}
	evaluated, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return path
	}
	return filepath.Join(append([]string{evaluated}, rest...)...)
}

func (t target) matchesAny(patterns []string) bool {
	cand := t.rel
	if cand == "" {
		cand = filepath.ToSlash(t.resolved)
	}
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, cand); ok {
			return true
		}
	}
	return false
}

func (c *Classifier) insideAny(t target) bool {
	for _, dir := range c.allowed {
		if Contains(dir, t.resolved) {
			return true
		}
	}
	return false
}
