package zones

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jingkaihe/autoskill/pkg/skills"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClassifier(t *testing.T) (*Classifier, string) {
	t.Helper()
	root := t.TempDir()
	for _, dir := range []string{"skills", "templates", "config", "outside"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0o755))
	}

	cfg := DefaultConfig()
	cfg.Root = root
	c, err := New(cfg)
	require.NoError(t, err)
	return c, root
}

func TestClassify_SkillCreateByTier(t *testing.T) {
	c, _ := newTestClassifier(t)
	op := Operation{Type: OpSkillCreate, TargetFiles: []string{"skills/x/definition"}}

	op.Tier = skills.TierReadOnly
	res := c.Classify(op)
	assert.Equal(t, ZoneAutoExecute, res.Zone)
	assert.Equal(t, "trusted-tier-0", res.Rule)

	op.Tier = skills.TierInternal
	res = c.Classify(op)
	assert.Equal(t, ZoneAutoNotify, res.Zone)
	assert.Equal(t, "allowlisted-change", res.Rule)

	op.Tier = skills.TierExternal
	res = c.Classify(op)
	assert.Equal(t, ZoneApprove, res.Zone)
	assert.Equal(t, "tier-2", res.Rule)
}

func TestClassify_UnknownTierRequiresApproval(t *testing.T) {
	c, _ := newTestClassifier(t)

	for _, tier := range []skills.Tier{-1, -100, skills.TierExternal + 1} {
		for _, typ := range []OperationType{OpSkillCreate, OpConfigChange} {
			res := c.Classify(Operation{Type: typ, Tier: tier, TargetFiles: []string{"skills/x/definition"}})
			assert.Equal(t, ZoneApprove, res.Zone, "tier %d %s", tier, typ)
			assert.Equal(t, "invalid-tier", res.Rule)
		}
	}
}

func TestClassify_TraversalEscapesAllowlist(t *testing.T) {
	c, root := newTestClassifier(t)

	for _, path := range []string{
		"skills/../outside/definition",
		"skills/x/../../outside/definition",
		"./skills/../../elsewhere/definition",
		filepath.Join(root, "skills", "..", "outside", "definition"),
	} {
		t.Run(path, func(t *testing.T) {
			res := c.Classify(Operation{Type: OpSkillCreate, Tier: skills.TierReadOnly, TargetFiles: []string{path}})
			assert.Equal(t, ZoneApprove, res.Zone)
			assert.Equal(t, "outside-allowlist", res.Rule)
			assert.Contains(t, res.Reason, path)
		})
	}

	// Dot segments that stay inside are fine.
	res := c.Classify(Operation{Type: OpSkillCreate, TargetFiles: []string{"skills/./x/../y/definition"}})
	assert.Equal(t, ZoneAutoExecute, res.Zone)
}

func TestClassify_SymlinkEscape(t *testing.T) {
	c, root := newTestClassifier(t)
	require.NoError(t, os.Symlink(filepath.Join(root, "outside"), filepath.Join(root, "skills", "link")))

	res := c.Classify(Operation{Type: OpSkillCreate, TargetFiles: []string{"skills/link/definition"}})
	assert.Equal(t, ZoneApprove, res.Zone)
	assert.Equal(t, "outside-allowlist", res.Rule)
}

func TestClassify_Rules(t *testing.T) {
	c, _ := newTestClassifier(t)

	tests := []struct {
		name string
		op   Operation
		zone Zone
		rule string
	}{
		{
			name: "core flag",
			op:   Operation{Type: OpSkillEdit, TargetFiles: []string{"skills/a/skill.yaml"}, TouchesCore: true},
			zone: ZoneApprove, rule: "sensitive-target",
		},
		{
			name: "credential flag",
			op:   Operation{Type: OpConfigChange, TargetFiles: []string{"config/app.yaml"}, TouchesCredentials: true},
			zone: ZoneApprove, rule: "sensitive-target",
		},
		{
			name: "external config flag",
			op:   Operation{Type: OpConfigChange, TargetFiles: []string{"config/app.yaml"}, TouchesExternalConfig: true},
			zone: ZoneApprove, rule: "sensitive-target",
		},
		{
			name: "credential file inside allow-list",
			op:   Operation{Type: OpConfigChange, TargetFiles: []string{"config/.env"}},
			zone: ZoneApprove, rule: "sensitive-target",
		},
		{
			name: "core routing file",
			op:   Operation{Type: OpSkillFix, TargetFiles: []string{"pkg/registry/match.go"}},
			zone: ZoneApprove, rule: "sensitive-target",
		},
		{
			name: "schema change type",
			op:   Operation{Type: OpSchemaChange, TargetFiles: []string{"skills/a/skill.yaml"}},
			zone: ZoneApprove, rule: "schema-or-dependency",
		},
		{
			name: "dependency file",
			op:   Operation{Type: OpSkillEdit, TargetFiles: []string{"skills/a/package.json"}},
			zone: ZoneApprove, rule: "schema-or-dependency",
		},
		{
			name: "no targets",
			op:   Operation{Type: OpSkillCreate},
			zone: ZoneApprove, rule: "outside-allowlist",
		},
		{
			name: "tier 0 in secondary allowed dir",
			op:   Operation{Type: OpSkillEdit, TargetFiles: []string{"templates/brief.md"}},
			zone: ZoneAutoNotify, rule: "allowlisted-change",
		},
		{
			name: "tier 0 fix in trusted dir",
			op:   Operation{Type: OpSkillFix, TargetFiles: []string{"skills/a/skill.yaml"}},
			zone: ZoneAutoNotify, rule: "allowlisted-change",
		},
		{
			name: "skill delete",
			op:   Operation{Type: OpSkillDelete, Tier: skills.TierInternal, TargetFiles: []string{"skills/a"}},
			zone: ZoneAutoNotify, rule: "skill-delete",
		},
		{
			name: "tier 2 delete still needs approval",
			op:   Operation{Type: OpSkillDelete, Tier: skills.TierExternal, TargetFiles: []string{"skills/a"}},
			zone: ZoneApprove, rule: "tier-2",
		},
		{
			name: "safe config change",
			op:   Operation{Type: OpConfigChange, Tier: skills.TierInternal, TargetFiles: []string{"config/limits.yaml"}},
			zone: ZoneAutoNotify, rule: "safe-config",
		},
		{
			name: "unknown operation type",
			op:   Operation{Type: "rewrite-everything", TargetFiles: []string{"skills/a/skill.yaml"}},
			zone: ZoneApprove, rule: "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := c.Classify(tt.op)
			assert.Equal(t, tt.zone, res.Zone, res.Reason)
			assert.Equal(t, tt.rule, res.Rule)
			assert.NotEmpty(t, res.Reason)
		})
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	cfg := DefaultConfig()
	cfg.CorePatterns = []string{"pkg/[a"}
	_, err = New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid path pattern")
}

func TestContains(t *testing.T) {
	assert.True(t, Contains("/srv/skills", "/srv/skills"))
	assert.True(t, Contains("/srv/skills", "/srv/skills/a/b"))
	assert.True(t, Contains("/srv/skills", "/srv/skills/..hidden"))
	assert.False(t, Contains("/srv/skills", "/srv/skills-evil/a"))
	assert.False(t, Contains("/srv/skills", "/srv/other"))
	assert.False(t, Contains("/srv/skills", "/srv"))
}
