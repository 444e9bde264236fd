package tools

import (
	"sort"

	"github.com/hashicorp/go-multierror"
	"github.com/jingkaihe/autoskill/pkg/skills"
	"github.com/pkg/errors"
)

// ParseEffects converts a configured name to effect map.
func ParseEffects(raw map[string]string) (skills.ToolEffects, error) {
	out := make(skills.ToolEffects, len(raw))
	var result *multierror.Error

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		effect, err := skills.ParseEffect(raw[name])
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "tool %s", name))
			continue
		}
		out[name] = effect
	}
	return out, result.ErrorOrNil()
}

// Catalog layers effect sources: built-in defaults, then discovered tools,
// then configured overrides.
func Catalog(discovered, configured skills.ToolEffects) skills.ToolEffects {
	return skills.DefaultToolEffects().Merge(discovered).Merge(configured)
}
