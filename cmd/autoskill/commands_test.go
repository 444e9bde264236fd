package main

import (
	"strings"
	"testing"

	"github.com/jingkaihe/autoskill/pkg/approval"
	"github.com/jingkaihe/autoskill/pkg/patterns"
	"github.com/jingkaihe/autoskill/pkg/skills"
	"github.com/jingkaihe/autoskill/pkg/zones"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInputs(t *testing.T) {
	inputs, err := parseInputs(nil)
	require.NoError(t, err)
	assert.Nil(t, inputs)

	inputs, err = parseInputs([]string{"channel=general", "query=a=b", " spaced =x"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"channel": "general", "query": "a=b", "spaced": "x"}, inputs)

	_, err = parseInputs([]string{"novalue"})
	assert.ErrorContains(t, err, "must be key=value")

	_, err = parseInputs([]string{"=value"})
	assert.Error(t, err)
}

func TestCommandText(t *testing.T) {
	text, err := commandText([]string{"approve abcd"}, strings.NewReader("ignored"))
	require.NoError(t, err)
	assert.Equal(t, "approve abcd", text)

	text, err = commandText(nil, strings.NewReader("reject all noisy\n"))
	require.NoError(t, err)
	assert.Equal(t, "reject all noisy\n", text)
}

func TestFilterItems(t *testing.T) {
	items := []approval.Item{
		{ID: "a", Status: patterns.StatusPending},
		{ID: "b", Status: patterns.StatusRejected},
		{ID: "c", Status: patterns.StatusPending},
	}

	assert.Len(t, filterItems(items, "all"), 3)
	assert.Len(t, filterItems(items, ""), 3)

	pending := filterItems(items, "pending")
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].ID)
	assert.Equal(t, "c", pending[1].ID)

	assert.Empty(t, filterItems(items, "expired"))
}

func TestClassifyConfig_Operation(t *testing.T) {
	config := NewClassifyConfig()
	config.Tier = 1
	config.Targets = []string{"skills/x.yaml"}
	config.TouchesCore = true

	op, err := config.operation()
	require.NoError(t, err)
	assert.Equal(t, zones.OpSkillCreate, op.Type)
	assert.Equal(t, skills.TierInternal, op.Tier)
	assert.Equal(t, []string{"skills/x.yaml"}, op.TargetFiles)
	assert.True(t, op.TouchesCore)

	config.Tier = 3
	_, err = config.operation()
	assert.ErrorContains(t, err, "tier must be 0, 1 or 2")

	config.Tier = 0
	config.Type = ""
	_, err = config.operation()
	assert.ErrorContains(t, err, "operation type is required")
}

func TestShortIDAndExample(t *testing.T) {
	assert.Equal(t, "3f2a9b1c", shortID("3f2a9b1c-0000-4000-8000-000000000000"))
	assert.Equal(t, "abc", shortID("abc"))

	assert.Equal(t, "", firstExample(nil))
	assert.Equal(t, "short", firstExample([]string{"short", "other"}))
	long := strings.Repeat("é", 70)
	got := firstExample([]string{long})
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.Len(t, []rune(got), 60)
}
