package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/gobwas/glob"
	"github.com/jingkaihe/autoskill/pkg/executor"
	"github.com/jingkaihe/autoskill/pkg/logger"
	"github.com/pkg/errors"
)

// DefaultBrowserPatterns match browser and UI automation tool names.
var DefaultBrowserPatterns = []string{"browser_*", "browser.*", "ui_*", "playwright_*"}

// Prober checks whether the collaborator backing a tool is reachable.
type Prober interface {
	Health(ctx context.Context, name string) error
}

// Gated fronts a dispatcher and fails browser-class tools fast when their
// backend is unavailable. Other tools pass straight through.
type Gated struct {
	next     executor.ToolDispatcher
	prober   Prober
	patterns []glob.Glob
	raw      []string
}

var _ executor.ToolDispatcher = &Gated{}

// NewGated compiles the browser-class name patterns. Patterns match tool
// names case-insensitively.
func NewGated(next executor.ToolDispatcher, prober Prober, patterns []string) (*Gated, error) {
	if len(patterns) == 0 {
		patterns = DefaultBrowserPatterns
	}
	g := &Gated{next: next, prober: prober}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		compiled, err := glob.Compile(p)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid browser tool pattern %q", p)
		}
		g.patterns = append(g.patterns, compiled)
		g.raw = append(g.raw, p)
	}
	return g, nil
}

// IsBrowserTool reports whether name is browser-class.
func (g *Gated) IsBrowserTool(name string) bool {
	name = strings.ToLower(name)
	for _, p := range g.patterns {
		if p.Match(name) {
			return true
		}
	}
	return false
}

// Patterns returns the compiled pattern sources.
func (g *Gated) Patterns() []string {
	return append([]string(nil), g.raw...)
}

// ExecuteTool implements executor.ToolDispatcher.
func (g *Gated) ExecuteTool(ctx context.Context, name string, inputs map[string]any) executor.ToolResult {
	if g.IsBrowserTool(name) {
		if g.prober == nil {
			return executor.ToolResult{Error: fmt.Sprintf("browser tool %s is unavailable: no browser backend configured", name)}
		}
		if err := g.prober.Health(ctx, name); err != nil {
			logger.G(ctx).WithError(err).WithField("tool", name).Warn("browser tool unavailable")
			return executor.ToolResult{Error: fmt.Sprintf("browser tool %s is unavailable: %s", name, err)}
		}
	}
	return g.next.ExecuteTool(ctx, name, inputs)
}
