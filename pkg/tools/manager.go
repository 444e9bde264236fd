// Package tools dispatches skill tool steps to executables discovered in tool
// directories. Each executable answers `description` with a JSON document and
// `run` with the tool result, reading its inputs as JSON on stdin.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/jingkaihe/autoskill/pkg/executor"
	"github.com/jingkaihe/autoskill/pkg/logger"
	"github.com/jingkaihe/autoskill/pkg/osutil"
	"github.com/jingkaihe/autoskill/pkg/skills"
	"github.com/pkg/errors"
)

const (
	// DefaultTimeout bounds a single tool run.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxOutputSize truncates tool output beyond 100KB.
	DefaultMaxOutputSize = 100 * 1024

	describeTimeout = 5 * time.Second
)

var _ executor.ToolDispatcher = &Manager{}

// Description is the JSON document a tool prints for `description`.
type Description struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Effect      string         `json:"effect,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// Tool is a discovered executable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Effect      skills.Effect  `json:"-"`
	ExecPath    string         `json:"exec_path"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// Manager discovers executable tools and dispatches calls to them.
type Manager struct {
	dirs      []string
	allow     []string
	timeout   time.Duration
	maxOutput int

	mu    sync.RWMutex
	tools map[string]*Tool
}

// Option configures a Manager.
type Option func(*Manager)

// WithDirs sets the tool directories. Later directories override earlier ones.
func WithDirs(dirs ...string) Option {
	return func(m *Manager) {
		m.dirs = dirs
	}
}

// WithAllowList restricts discovery to the named tools. Empty allows all.
func WithAllowList(names ...string) Option {
	return func(m *Manager) {
		m.allow = names
	}
}

// WithTimeout bounds each tool run.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithMaxOutputSize truncates tool output beyond n bytes.
func WithMaxOutputSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxOutput = n
		}
	}
}

// NewManager creates a Manager. Call Discover before dispatching.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		timeout:   DefaultTimeout,
		maxOutput: DefaultMaxOutputSize,
		tools:     make(map[string]*Tool),
	}
	for _, opt := range opts {
		opt(m)
	}
	for i, dir := range m.dirs {
		m.dirs[i] = expandHomePath(dir)
	}
	return m
}

// Discover rescans the tool directories. Missing directories are ignored and
// tools that fail to describe themselves are skipped.
func (m *Manager) Discover(ctx context.Context) error {
	found := make(map[string]*Tool)
	for _, dir := range m.dirs {
		if err := m.discoverInDir(ctx, dir, found); err != nil {
			logger.G(ctx).WithError(err).WithField("dir", dir).Warn("failed to discover tools")
		}
	}

	m.mu.Lock()
	m.tools = found
	m.mu.Unlock()

	logger.G(ctx).WithField("count", len(found)).Debug("discovered tools")
	return nil
}

func (m *Manager) discoverInDir(ctx context.Context, dir string, found map[string]*Tool) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to read directory")
	}

	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.Mode()&0o111 == 0 {
			continue
		}

		execPath := filepath.Join(dir, entry.Name())
		tool, err := m.describe(ctx, execPath)
		if err != nil {
			logger.G(ctx).WithError(err).WithField("path", execPath).Warn("skipping tool")
			continue
		}
		if len(m.allow) > 0 && !slices.Contains(m.allow, tool.Name) {
			logger.G(ctx).WithField("name", tool.Name).Debug("skipping tool, not in allow list")
			continue
		}
		if prev, ok := found[tool.Name]; ok {
			logger.G(ctx).WithField("name", tool.Name).WithField("previous", prev.ExecPath).Debug("overriding tool")
		}
		found[tool.Name] = tool
	}
	return nil
}

func (m *Manager) describe(ctx context.Context, execPath string) (*Tool, error) {
	ctx, cancel := context.WithTimeout(ctx, describeTimeout)
	defer cancel()

	cmd := m.command(ctx, execPath, "description")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "failed to run description command: %s", strings.TrimSpace(stderr.String()))
	}

	var desc Description
	if err := json.Unmarshal(stdout.Bytes(), &desc); err != nil {
		return nil, errors.Wrap(err, "failed to parse tool description")
	}
	if desc.Name == "" {
		return nil, errors.New("tool name is required")
	}
	effect, err := skills.ParseEffect(desc.Effect)
	if err != nil {
		return nil, err
	}

	return &Tool{
		Name:        desc.Name,
		Description: desc.Description,
		Effect:      effect,
		ExecPath:    execPath,
		InputSchema: desc.InputSchema,
	}, nil
}

// List returns the discovered tools sorted by name.
func (m *Manager) List() []*Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Tool, 0, len(m.tools))
	for _, t := range m.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns a discovered tool by name.
func (m *Manager) Get(name string) (*Tool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tools[name]
	return t, ok
}

// Effects reports the effect class each discovered tool declared.
func (m *Manager) Effects() skills.ToolEffects {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(skills.ToolEffects, len(m.tools))
	for name, t := range m.tools {
		out[name] = t.Effect
	}
	return out
}

// Health runs the tool's `health` command. A zero exit status means the
// backing service is reachable.
func (m *Manager) Health(ctx context.Context, name string) error {
	t, ok := m.Get(name)
	if !ok {
		return errors.Errorf("tool %s is not installed", name)
	}

	ctx, cancel := context.WithTimeout(ctx, describeTimeout)
	defer cancel()

	out, err := m.command(ctx, t.ExecPath, "health").CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		return errors.Errorf("tool %s is unavailable: %s", name, msg)
	}
	return nil
}

// ExecuteTool runs a discovered tool with inputs encoded as JSON on stdin.
// Output that decodes as JSON is returned as its native value; a JSON object
// carrying an "error" string is a failure. HTML documents are converted to
// markdown.
func (m *Manager) ExecuteTool(ctx context.Context, name string, inputs map[string]any) executor.ToolResult {
	t, ok := m.Get(name)
	if !ok {
		return executor.ToolResult{Error: fmt.Sprintf("unknown tool %s", name)}
	}

	payload, err := json.Marshal(inputs)
	if err != nil {
		return executor.ToolResult{Error: errors.Wrap(err, "failed to encode tool inputs").Error()}
	}

	execCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	cmd := m.command(execCtx, t.ExecPath, "run")
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	log := logger.G(ctx).WithField("tool", name).WithField("duration", time.Since(start))

	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			log.Warn("tool timed out")
			return executor.ToolResult{Error: fmt.Sprintf("tool %s timed out after %v", name, m.timeout)}
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		if msg == "" {
			msg = err.Error()
		}
		log.WithError(err).Debug("tool failed")
		return executor.ToolResult{Error: msg}
	}

	out := stdout.Bytes()
	if len(out) > m.maxOutput {
		log.WithField("size", len(out)).Warn("tool output truncated")
		return executor.ToolResult{Success: true, Result: string(out[:m.maxOutput]) + "\n[TRUNCATED]"}
	}

	var decoded any
	if err := json.Unmarshal(out, &decoded); err != nil {
		return executor.ToolResult{Success: true, Result: textResult(ctx, string(out))}
	}
	if obj, ok := decoded.(map[string]any); ok {
		if msg, ok := obj["error"].(string); ok && msg != "" {
			return executor.ToolResult{Error: msg}
		}
	}
	log.Debug("tool succeeded")
	return executor.ToolResult{Success: true, Result: decoded}
}

// textResult trims plain output and converts HTML documents to markdown so
// later steps and notices see readable text.
func textResult(ctx context.Context, out string) string {
	text := strings.TrimRight(out, "\r\n")
	head := strings.ToLower(strings.TrimSpace(text))
	if !strings.HasPrefix(head, "<!doctype html") && !strings.HasPrefix(head, "<html") {
		return text
	}
	converter := md.NewConverter("", true, nil)
	markdown, err := converter.ConvertString(text)
	if err != nil {
		logger.G(ctx).WithError(err).Debug("failed to convert HTML output, keeping it as is")
		return text
	}
	return markdown
}

func (m *Manager) command(ctx context.Context, path string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, path, args...)
	osutil.SetProcessGroup(cmd)
	osutil.SetProcessGroupKill(cmd)
	cmd.WaitDelay = osutil.GracefulShutdownDelay + time.Second
	return cmd
}

func expandHomePath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
