package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapLookup map[string]any

func (m mapLookup) Lookup(ref Ref) (any, bool) {
	root, ok := m[ref.Scope]
	if !ok {
		return nil, false
	}
	return walk(root, ref.Path)
}

func testLookup() mapLookup {
	return mapLookup{
		"input": map[string]any{
			"title":  "Broken login",
			"count":  3,
			"labels": []any{"bug", "p1"},
			"meta":   map[string]any{"owner": "sam"},
		},
		"context": map[string]any{"pillar": "work"},
	}
}

func TestParseTemplate(t *testing.T) {
	tmpl, err := ParseTemplate("{{ input.title }}")
	require.NoError(t, err)
	ref, ok := tmpl.Single()
	require.True(t, ok)
	assert.Equal(t, Ref{Scope: "input", Path: []string{"title"}}, ref)

	tmpl, err = ParseTemplate("  {{step.fetch.output.url}}\n")
	require.NoError(t, err)
	ref, ok = tmpl.Single()
	require.True(t, ok)
	assert.Equal(t, "step.fetch.output.url", ref.String())

	tmpl, err = ParseTemplate("Bug: {{input.title}}")
	require.NoError(t, err)
	_, ok = tmpl.Single()
	assert.False(t, ok)

	for _, bad := range []string{
		"{{input.title",
		"{{}}",
		"{{ secrets.key }}",
		"{{input}}",
		"{{step.only}}",
		"{{input..x}}",
	} {
		_, err := ParseTemplate(bad)
		assert.Error(t, err, bad)
	}
}

func TestResolveValue_NativePassthrough(t *testing.T) {
	l := testLookup()

	v, err := ResolveValue("{{input.count}}", l)
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	v, err = ResolveValue("{{input.meta}}", l)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"owner": "sam"}, v)

	v, err = ResolveValue("{{input.labels.1}}", l)
	require.NoError(t, err)
	assert.Equal(t, "p1", v)

	v, err = ResolveValue("{{input.missing}}", l)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestResolveValue_Embedded(t *testing.T) {
	l := testLookup()

	v, err := ResolveValue("[{{context.pillar}}] {{input.title}} x{{input.count}}", l)
	require.NoError(t, err)
	assert.Equal(t, "[work] Broken login x3", v)

	v, err = ResolveValue("meta={{input.meta}} labels={{input.labels}} none={{input.missing}}", l)
	require.NoError(t, err)
	assert.Equal(t, `meta={"owner":"sam"} labels=["bug","p1"] none=`, v)
}

func TestResolveInputs_Nested(t *testing.T) {
	inputs := map[string]any{
		"title":  "{{input.title}}",
		"labels": []any{"{{input.labels.0}}", "static"},
		"extra":  map[string]any{"owner": "{{input.meta.owner}}", "n": 5},
	}
	resolved, err := ResolveInputs(inputs, testLookup())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"title":  "Broken login",
		"labels": []any{"bug", "static"},
		"extra":  map[string]any{"owner": "sam", "n": 5},
	}, resolved)
	assert.Equal(t, "{{input.title}}", inputs["title"], "source map untouched")

	_, err = ResolveInputs(map[string]any{"x": "{{bogus.field}}"}, testLookup())
	assert.Error(t, err)

	empty, err := ResolveInputs(nil, testLookup())
	require.NoError(t, err)
	assert.Empty(t, empty)
}
