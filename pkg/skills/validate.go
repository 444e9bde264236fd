package skills

import (
	"regexp"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

var (
	namePattern    = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
	versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?$`)
)

// ValidName reports whether name is a stable kebab-case skill name.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// Kebab converts free text into a kebab-case name fragment.
func Kebab(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if b.Len() > 0 && !dash {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

// Validate checks a definition for structural problems. All problems are
// reported together.
func Validate(d *Definition) error {
	var result *multierror.Error

	if !ValidName(d.Name) {
		result = multierror.Append(result, errors.Errorf("name %q must be kebab-case", d.Name))
	}
	if !versionPattern.MatchString(d.Version) {
		result = multierror.Append(result, errors.Errorf("version %q is not a semantic version", d.Version))
	}
	if declared, ok := d.DeclaredTier(); ok && !declared.Valid() {
		result = multierror.Append(result, errors.Errorf("declared tier %d out of range", int(declared)))
	}
	if d.Priority < 0 || d.Priority > 100 {
		result = multierror.Append(result, errors.Errorf("priority %d out of range 0..100", d.Priority))
	}
	if _, err := d.Process.TimeoutDuration(); err != nil {
		result = multierror.Append(result, err)
	}

	for i, trigger := range d.Triggers {
		if err := validateTrigger(trigger); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "trigger %d", i))
		}
	}

	for field, input := range d.Inputs {
		switch input.Type {
		case "string", "number", "integer", "boolean", "object", "array":
		default:
			result = multierror.Append(result, errors.Errorf("input %q has unsupported type %q", field, input.Type))
		}
	}

	seen := make(map[string]struct{})
	if err := validateSteps(d.Process.Steps, seen); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

func validateTrigger(t Trigger) error {
	switch t.Type {
	case TriggerPhrase:
		if strings.TrimSpace(t.Phrase) == "" {
			return errors.New("phrase trigger requires a phrase")
		}
	case TriggerRegex:
		if t.Pattern == "" {
			return errors.New("regex trigger requires a pattern")
		}
		if _, err := regexp.Compile("(?i)" + t.Pattern); err != nil {
			return errors.Wrap(err, "regex trigger pattern does not compile")
		}
	case TriggerKeywords:
		if len(t.Keywords) == 0 {
			return errors.New("keywords trigger requires keywords")
		}
		if t.MinKeywords > len(t.Keywords) {
			return errors.Errorf("min_keywords %d exceeds %d keywords", t.MinKeywords, len(t.Keywords))
		}
	case TriggerPillar:
		if t.Pillar == "" {
			return errors.New("pillar trigger requires a pillar")
		}
	case TriggerIntent:
		if t.Fingerprint == "" && t.Example == "" {
			return errors.New("intent trigger requires a fingerprint or an example")
		}
	case TriggerContent:
		if len(t.Categories) == 0 {
			return errors.New("content trigger requires categories")
		}
	default:
		return errors.Errorf("unknown trigger type %q", t.Type)
	}
	return nil
}

func validateSteps(steps []Step, seen map[string]struct{}) error {
	var result *multierror.Error
	for i, step := range steps {
		if step.ID == "" {
			result = multierror.Append(result, errors.Errorf("step %d has no id", i))
		} else if _, dup := seen[step.ID]; dup {
			result = multierror.Append(result, errors.Errorf("duplicate step id %q", step.ID))
		} else {
			seen[step.ID] = struct{}{}
		}

		kind := step.Kind()
		if kind == StepKindInvalid {
			result = multierror.Append(result, errors.Errorf("step %q must set exactly one of tool, skill, agent or if", step.ID))
		}
		if kind != StepKindConditional && (len(step.Then) > 0 || len(step.Else) > 0) {
			result = multierror.Append(result, errors.Errorf("step %q has branches but no condition", step.ID))
		}

		switch step.Policy() {
		case OnErrorFail, OnErrorContinue:
		case OnErrorRetry:
			if step.RetryCount < 1 {
				result = multierror.Append(result, errors.Errorf("step %q uses retry without a retry_count", step.ID))
			}
		default:
			result = multierror.Append(result, errors.Errorf("step %q has unknown on_error %q", step.ID, step.OnError))
		}

		if err := validateSteps(step.Then, seen); err != nil {
			result = multierror.Append(result, err)
		}
		if err := validateSteps(step.Else, seen); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
