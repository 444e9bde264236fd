package skills

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentSchema(t *testing.T) {
	schema := DocumentSchema()
	data, err := json.Marshal(schema)
	require.NoError(t, err)
	assert.Contains(t, string(data), "autoskill skill definition")
	assert.Contains(t, string(data), "retry_count")
	assert.Contains(t, string(data), "min_keywords")
}

func TestPrepareInputs(t *testing.T) {
	def := validDefinition()
	def.Inputs = map[string]InputField{
		"url":      {Type: "string", Required: true},
		"priority": {Type: "string", Enum: []any{"low", "high"}, Default: "low"},
		"count":    {Type: "integer"},
	}

	t.Run("applies defaults", func(t *testing.T) {
		inputs := map[string]any{"url": "https://example.com"}
		prepared, err := def.PrepareInputs(inputs)
		require.NoError(t, err)
		assert.Equal(t, "low", prepared["priority"])
		assert.NotContains(t, inputs, "priority", "caller map is not mutated")
	})

	t.Run("missing required field", func(t *testing.T) {
		_, err := def.PrepareInputs(map[string]any{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid inputs")
		assert.Contains(t, err.Error(), "url")
	})

	t.Run("enum violation", func(t *testing.T) {
		_, err := def.PrepareInputs(map[string]any{"url": "x", "priority": "urgent"})
		assert.Error(t, err)
	})

	t.Run("wrong type", func(t *testing.T) {
		_, err := def.PrepareInputs(map[string]any{"url": "x", "count": "three"})
		assert.Error(t, err)
	})

	t.Run("no declared inputs accepts anything", func(t *testing.T) {
		prepared, err := validDefinition().PrepareInputs(map[string]any{"anything": 1})
		require.NoError(t, err)
		assert.Equal(t, 1, prepared["anything"])
	})
}
