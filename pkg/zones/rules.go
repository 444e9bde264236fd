package zones

import (
	"fmt"
	"strings"

	"github.com/jingkaihe/autoskill/pkg/skills"
)

type rule struct {
	name  string
	match func(op Operation, targets []target) (Result, bool)
}

func approve(reason string) (Result, bool) {
	return Result{Zone: ZoneApprove, Reason: reason}, true
}

func notify(reason string) (Result, bool) {
	return Result{Zone: ZoneAutoNotify, Reason: reason}, true
}

func (c *Classifier) buildRules() []rule {
	return []rule{
		{name: "sensitive-target", match: c.sensitiveTarget},
		{name: "schema-or-dependency", match: c.schemaOrDependency},
		{name: "tier-2", match: func(op Operation, _ []target) (Result, bool) {
			if op.Tier >= skills.TierExternal {
				return approve("tier-2 operations touch external systems")
			}
			return Result{}, false
		}},
		{name: "outside-allowlist", match: c.outsideAllowlist},
		{name: "trusted-tier-0", match: c.trustedTier0},
		{name: "allowlisted-change", match: func(op Operation, _ []target) (Result, bool) {
			switch op.Type {
			case OpSkillCreate, OpSkillEdit, OpSkillFix:
				if op.Tier <= skills.TierInternal {
					return notify(fmt.Sprintf("tier %d %s inside the allow-listed directories", op.Tier, op.Type))
				}
			}
			return Result{}, false
		}},
		{name: "skill-delete", match: func(op Operation, _ []target) (Result, bool) {
			if op.Type == OpSkillDelete {
				return notify("skill deletion is reported after it runs")
			}
			return Result{}, false
		}},
		{name: "safe-config", match: func(op Operation, _ []target) (Result, bool) {
			if op.Type == OpConfigChange && op.Tier <= skills.TierInternal {
				return notify("config change inside the allow-listed directories")
			}
			return Result{}, false
		}},
	}
}

func (c *Classifier) sensitiveTarget(op Operation, targets []target) (Result, bool) {
	var flags []string
	if op.TouchesCore {
		flags = append(flags, "core routing")
	}
	if op.TouchesCredentials {
		flags = append(flags, "credentials")
	}
	if op.TouchesExternalConfig {
		flags = append(flags, "external config")
	}
	if len(flags) > 0 {
		return approve("operation touches " + strings.Join(flags, " and "))
	}

	for _, t := range targets {
		switch {
		case t.matchesAny(c.cfg.CorePatterns):
			return approve(fmt.Sprintf("%s is core routing code", t.raw))
		case t.matchesAny(c.cfg.CredentialPatterns):
			return approve(fmt.Sprintf("%s may hold credentials", t.raw))
		case t.matchesAny(c.cfg.ExternalPatterns):
			return approve(fmt.Sprintf("%s configures an external system", t.raw))
		}
	}
	return Result{}, false
}

func (c *Classifier) schemaOrDependency(op Operation, targets []target) (Result, bool) {
	switch op.Type {
	case OpSchemaChange:
		return approve("schema changes require approval")
	case OpDependencyAdd:
		return approve("dependency additions require approval")
	}
	for _, t := range targets {
		if t.matchesAny(c.cfg.SchemaPatterns) {
			return approve(fmt.Sprintf("%s changes a schema", t.raw))
		}
		if t.matchesAny(c.cfg.DependencyPatterns) {
			return approve(fmt.Sprintf("%s changes dependencies", t.raw))
		}
	}
	return Result{}, false
}

func (c *Classifier) outsideAllowlist(_ Operation, targets []target) (Result, bool) {
	if len(targets) == 0 {
		return approve("operation names no target files")
	}
	for _, t := range targets {
		if !c.insideAny(t) {
			return approve(fmt.Sprintf("%s resolves outside the allow-listed directories", t.raw))
		}
	}
	return Result{}, false
}

func (c *Classifier) trustedTier0(op Operation, targets []target) (Result, bool) {
	if op.Tier != skills.TierReadOnly || (op.Type != OpSkillCreate && op.Type != OpSkillEdit) {
		return Result{}, false
	}
	trusted := c.allowed[0]
	for _, t := range targets {
		if !Contains(trusted, t.resolved) {
			return Result{}, false
		}
	}
	return Result{
		Zone:   ZoneAutoExecute,
		Reason: fmt.Sprintf("tier 0 %s inside %s", op.Type, c.cfg.AllowedDirs[0]),
	}, true
}
