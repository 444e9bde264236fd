package tools

import (
	"context"
	"testing"

	"github.com/jingkaihe/autoskill/pkg/executor"
	"github.com/jingkaihe/autoskill/pkg/skills"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct {
	calls []string
}

func (r *recordingDispatcher) ExecuteTool(_ context.Context, name string, _ map[string]any) executor.ToolResult {
	r.calls = append(r.calls, name)
	return executor.ToolResult{Success: true, Result: name}
}

type stubProber map[string]error

func (s stubProber) Health(_ context.Context, name string) error {
	return s[name]
}

func TestGated_IsBrowserTool(t *testing.T) {
	g, err := NewGated(&recordingDispatcher{}, nil, nil)
	require.NoError(t, err)

	assert.True(t, g.IsBrowserTool("browser_open"))
	assert.True(t, g.IsBrowserTool("Browser_Navigate"))
	assert.True(t, g.IsBrowserTool("browser.click"))
	assert.True(t, g.IsBrowserTool("playwright_screenshot"))
	assert.False(t, g.IsBrowserTool("web_fetch"))
	assert.False(t, g.IsBrowserTool("notion_search"))
}

func TestGated_CustomPatterns(t *testing.T) {
	g, err := NewGated(&recordingDispatcher{}, nil, []string{"chrome_*", " "})
	require.NoError(t, err)
	assert.Equal(t, []string{"chrome_*"}, g.Patterns())
	assert.True(t, g.IsBrowserTool("chrome_tab"))
	assert.False(t, g.IsBrowserTool("browser_open"))
}

func TestGated_ExecuteTool(t *testing.T) {
	ctx := context.Background()

	t.Run("non-browser tools pass through", func(t *testing.T) {
		next := &recordingDispatcher{}
		g, err := NewGated(next, nil, nil)
		require.NoError(t, err)

		res := g.ExecuteTool(ctx, "web_fetch", nil)
		assert.True(t, res.Success)
		assert.Equal(t, []string{"web_fetch"}, next.calls)
	})

	t.Run("browser tool without backend fails fast", func(t *testing.T) {
		next := &recordingDispatcher{}
		g, err := NewGated(next, nil, nil)
		require.NoError(t, err)

		res := g.ExecuteTool(ctx, "browser_open", nil)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "no browser backend configured")
		assert.Empty(t, next.calls)
	})

	t.Run("unhealthy backend fails fast", func(t *testing.T) {
		next := &recordingDispatcher{}
		g, err := NewGated(next, stubProber{"browser_open": errors.New("connection refused")}, nil)
		require.NoError(t, err)

		res := g.ExecuteTool(ctx, "browser_open", nil)
		assert.False(t, res.Success)
		assert.Equal(t, "browser tool browser_open is unavailable: connection refused", res.Error)
		assert.Empty(t, next.calls)
	})

	t.Run("healthy backend dispatches", func(t *testing.T) {
		next := &recordingDispatcher{}
		g, err := NewGated(next, stubProber{}, nil)
		require.NoError(t, err)

		res := g.ExecuteTool(ctx, "browser_open", nil)
		assert.True(t, res.Success)
		assert.Equal(t, []string{"browser_open"}, next.calls)
	})
}

func TestParseEffects(t *testing.T) {
	effects, err := ParseEffects(map[string]string{
		"jira_create": "external",
		"memo_write":  "internal",
		"lookup":      "none",
	})
	require.NoError(t, err)
	assert.Equal(t, skills.ToolEffects{
		"jira_create": skills.EffectExternal,
		"memo_write":  skills.EffectInternal,
		"lookup":      skills.EffectNone,
	}, effects)

	_, err = ParseEffects(map[string]string{"a": "cosmic", "b": "loud"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tool a")
	assert.Contains(t, err.Error(), "tool b")
}

func TestCatalog(t *testing.T) {
	catalog := Catalog(
		skills.ToolEffects{"web_fetch": skills.EffectInternal, "custom": skills.EffectInternal},
		skills.ToolEffects{"custom": skills.EffectExternal},
	)
	assert.Equal(t, skills.EffectInternal, catalog.Effect("web_fetch"))
	assert.Equal(t, skills.EffectExternal, catalog.Effect("custom"))
	assert.Equal(t, skills.EffectExternal, catalog.Effect("email_send"))
	assert.Equal(t, skills.EffectNone, catalog.Effect("never-heard-of-it"))
}
