// Package presenter writes the CLI's user-facing output: status lines,
// tables, run summaries and approval notices. Errors go to stderr, the rest to
// stdout unless quiet mode is on.
package presenter

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
)

// RunStats summarises one skill execution for display.
type RunStats struct {
	Skill     string
	Status    string
	Steps     int
	Failed    int
	ToolsUsed []string
	Duration  time.Duration
}

// ColorMode selects whether output is colored.
type ColorMode int

const (
	// ColorAuto leaves detection to the terminal.
	ColorAuto ColorMode = iota
	// ColorAlways forces color.
	ColorAlways
	// ColorNever disables color.
	ColorNever
)

// TerminalPresenter renders messages to a pair of writers.
type TerminalPresenter struct {
	mu          sync.Mutex
	output      io.Writer
	errorOutput io.Writer
	quiet       bool
}

// New creates a presenter on stdout and stderr, honouring NO_COLOR and
// AUTOSKILL_COLOR.
func New() *TerminalPresenter {
	return NewWithOptions(os.Stdout, os.Stderr, detectColorMode())
}

// NewWithOptions creates a presenter on the given writers.
func NewWithOptions(output, errorOutput io.Writer, colorMode ColorMode) *TerminalPresenter {
	switch colorMode {
	case ColorAlways:
		color.NoColor = false
	case ColorNever:
		color.NoColor = true
	}
	return &TerminalPresenter{output: output, errorOutput: errorOutput}
}

func detectColorMode() ColorMode {
	if os.Getenv("NO_COLOR") != "" {
		return ColorNever
	}
	switch strings.ToLower(os.Getenv("AUTOSKILL_COLOR")) {
	case "always", "force":
		return ColorAlways
	case "never", "off":
		return ColorNever
	default:
		return ColorAuto
	}
}

// Error prints err to stderr, prefixed with what was being attempted.
// Errors are printed even in quiet mode.
func (p *TerminalPresenter) Error(err error, context string) {
	if err == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	c := color.New(color.FgRed, color.Bold)
	if context != "" {
		c.Fprintf(p.errorOutput, "[ERROR] %s: %v\n", context, err)
		return
	}
	c.Fprintf(p.errorOutput, "[ERROR] %v\n", err)
}

// Success prints a completed action.
func (p *TerminalPresenter) Success(message string) {
	p.line(color.New(color.FgGreen, color.Bold), "✓ "+message)
}

// Warning prints something the user should look at.
func (p *TerminalPresenter) Warning(message string) {
	p.line(color.New(color.FgYellow, color.Bold), "⚠ "+message)
}

// Info prints a plain message.
func (p *TerminalPresenter) Info(message string) {
	p.line(nil, message)
}

// Section prints an underlined header.
func (p *TerminalPresenter) Section(title string) {
	bold := color.New(color.Bold)
	p.line(bold, title)
	p.line(bold, strings.Repeat("-", len([]rune(title))))
}

// Separator prints a faint horizontal rule.
func (p *TerminalPresenter) Separator() {
	p.line(color.New(color.Faint), strings.Repeat("-", 60))
}

// Stats prints a one-line run summary followed by the tools the run used.
func (p *TerminalPresenter) Stats(stats *RunStats) {
	if stats == nil {
		return
	}
	c := color.New(color.FgCyan, color.Bold)
	p.line(c, fmt.Sprintf("[Run Stats] Skill: %s | Status: %s | Steps: %d | Failed: %d | Duration: %s",
		stats.Skill, stats.Status, stats.Steps, stats.Failed, stats.Duration.Round(time.Millisecond)))
	if len(stats.ToolsUsed) > 0 {
		p.line(c, "[Tools] "+strings.Join(stats.ToolsUsed, ", "))
	}
}

// Table prints rows aligned under bold headers.
func (p *TerminalPresenter) Table(headers []string, rows [][]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.quiet {
		return
	}

	w := tabwriter.NewWriter(p.output, 0, 0, 2, ' ', 0)
	color.New(color.Bold).Fprintln(w, strings.Join(headers, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
}

// Notice prints a titled block with its body indented by two spaces.
func (p *TerminalPresenter) Notice(title, body string) {
	p.line(color.New(color.FgMagenta, color.Bold), "» "+title)
	body = strings.TrimRight(body, "\n")
	if body == "" {
		return
	}
	for _, l := range strings.Split(body, "\n") {
		p.line(nil, "  "+l)
	}
}

// SetQuiet suppresses everything except errors.
func (p *TerminalPresenter) SetQuiet(quiet bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quiet = quiet
}

func (p *TerminalPresenter) line(c *color.Color, s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.quiet {
		return
	}
	if c == nil {
		fmt.Fprintln(p.output, s)
		return
	}
	c.Fprintln(p.output, s)
}

var defaultPresenter = New()

// Error prints an error with the default presenter.
func Error(err error, context string) { defaultPresenter.Error(err, context) }

// Success prints a success message with the default presenter.
func Success(message string) { defaultPresenter.Success(message) }

// Warning prints a warning with the default presenter.
func Warning(message string) { defaultPresenter.Warning(message) }

// Info prints a message with the default presenter.
func Info(message string) { defaultPresenter.Info(message) }

// Section prints a header with the default presenter.
func Section(title string) { defaultPresenter.Section(title) }

// Separator prints a rule with the default presenter.
func Separator() { defaultPresenter.Separator() }

// Stats prints a run summary with the default presenter.
func Stats(stats *RunStats) { defaultPresenter.Stats(stats) }

// Table prints a table with the default presenter.
func Table(headers []string, rows [][]string) { defaultPresenter.Table(headers, rows) }

// Notice prints a notice block with the default presenter.
func Notice(title, body string) { defaultPresenter.Notice(title, body) }

// SetQuiet toggles quiet mode on the default presenter.
func SetQuiet(quiet bool) { defaultPresenter.SetQuiet(quiet) }
