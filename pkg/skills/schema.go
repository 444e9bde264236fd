package skills

import (
	"sort"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
)

// DocumentSchema returns the JSON Schema of a structured skill document,
// for editors and authoring tools. Recursive step branches are emitted as
// references.
func DocumentSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
	}
	schema := reflector.Reflect(&Definition{})
	schema.Title = "autoskill skill definition"
	return schema
}

// InputSchema builds the JSON Schema of the definition's input bag.
func (d *Definition) InputSchema() map[string]any {
	properties := make(map[string]any, len(d.Inputs))
	var required []string
	for name, field := range d.Inputs {
		prop := map[string]any{"type": field.Type}
		if field.Description != "" {
			prop["description"] = field.Description
		}
		if len(field.Enum) > 0 {
			prop["enum"] = field.Enum
		}
		properties[name] = prop
		if field.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// PrepareInputs applies declared defaults and validates the result against
// the input schema. The returned map is a copy.
func (d *Definition) PrepareInputs(inputs map[string]any) (map[string]any, error) {
	prepared := make(map[string]any, len(inputs)+len(d.Inputs))
	for k, v := range inputs {
		prepared[k] = v
	}
	for name, field := range d.Inputs {
		if _, ok := prepared[name]; !ok && field.Default != nil {
			prepared[name] = field.Default
		}
	}
	if len(d.Inputs) == 0 {
		return prepared, nil
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(d.InputSchema()),
		gojsonschema.NewGoLoader(prepared),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to validate inputs")
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return nil, errors.Errorf("invalid inputs: %s", strings.Join(problems, "; "))
	}
	return prepared, nil
}
