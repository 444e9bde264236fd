package presenter

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBuffered() (*TerminalPresenter, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	return NewWithOptions(&out, &errOut, ColorNever), &out, &errOut
}

func TestDetectColorMode(t *testing.T) {
	tests := []struct {
		name           string
		noColor        string
		autoskillColor string
		expected       ColorMode
	}{
		{"NO_COLOR wins", "1", "always", ColorNever},
		{"always", "", "always", ColorAlways},
		{"force", "", "FORCE", ColorAlways},
		{"never", "", "never", ColorNever},
		{"off", "", "off", ColorNever},
		{"unset", "", "", ColorAuto},
		{"unknown value", "", "sometimes", ColorAuto},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("NO_COLOR", tt.noColor)
			t.Setenv("AUTOSKILL_COLOR", tt.autoskillColor)
			assert.Equal(t, tt.expected, detectColorMode())
		})
	}
}

func TestError(t *testing.T) {
	p, out, errOut := newBuffered()
	p.SetQuiet(true)

	p.Error(errors.New("queue file is locked"), "failed to approve")
	assert.Equal(t, "[ERROR] failed to approve: queue file is locked\n", errOut.String())

	errOut.Reset()
	p.Error(errors.New("boom"), "")
	assert.Equal(t, "[ERROR] boom\n", errOut.String())

	errOut.Reset()
	p.Error(nil, "ignored")
	assert.Empty(t, errOut.String())
	assert.Empty(t, out.String())
}

func TestMessages(t *testing.T) {
	tests := []struct {
		name  string
		write func(p *TerminalPresenter)
		want  string
	}{
		{"success", func(p *TerminalPresenter) { p.Success("Deployed quick-lookup") }, "✓ Deployed quick-lookup\n"},
		{"warning", func(p *TerminalPresenter) { p.Warning("Queued for approval") }, "⚠ Queued for approval\n"},
		{"info", func(p *TerminalPresenter) { p.Info("No actions recorded") }, "No actions recorded\n"},
		{"section", func(p *TerminalPresenter) { p.Section("Proposals") }, "Proposals\n---------\n"},
		{"separator", func(p *TerminalPresenter) { p.Separator() }, strings.Repeat("-", 60) + "\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, out, _ := newBuffered()
			tt.write(p)
			assert.Equal(t, tt.want, out.String())

			out.Reset()
			p.SetQuiet(true)
			tt.write(p)
			assert.Empty(t, out.String())
		})
	}
}

func TestSectionCountsRunes(t *testing.T) {
	p, out, _ := newBuffered()
	p.Section("Résumé")
	assert.Equal(t, "Résumé\n------\n", out.String())
}

func TestStats(t *testing.T) {
	p, out, _ := newBuffered()

	p.Stats(nil)
	assert.Empty(t, out.String())

	p.Stats(&RunStats{
		Skill:     "find-notes",
		Status:    "succeeded",
		Steps:     3,
		Failed:    1,
		ToolsUsed: []string{"notion_search", "slack_post"},
		Duration:  1234567 * time.Microsecond,
	})
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "[Run Stats] Skill: find-notes | Status: succeeded | Steps: 3 | Failed: 1 | Duration: 1.235s", lines[0])
	assert.Equal(t, "[Tools] notion_search, slack_post", lines[1])

	out.Reset()
	p.Stats(&RunStats{Skill: "noop", Status: "succeeded"})
	assert.NotContains(t, out.String(), "[Tools]")
}

func TestTable(t *testing.T) {
	p, out, _ := newBuffered()
	p.Table([]string{"NAME", "TIER"}, [][]string{
		{"find-notes", "0"},
		{"post-digest", "2"},
	})

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "NAME         TIER", lines[0])
	assert.Equal(t, "find-notes   0", lines[1])
	assert.Equal(t, "post-digest  2", lines[2])

	out.Reset()
	p.SetQuiet(true)
	p.Table([]string{"NAME"}, [][]string{{"x"}})
	assert.Empty(t, out.String())
}

func TestNotice(t *testing.T) {
	p, out, _ := newBuffered()

	p.Notice("Skill deployed: quick-lookup", "version 1.1.0\nrollback until 15:04\n")
	assert.Equal(t, "» Skill deployed: quick-lookup\n  version 1.1.0\n  rollback until 15:04\n", out.String())

	out.Reset()
	p.Notice("Approval needed", "")
	assert.Equal(t, "» Approval needed\n", out.String())
}
