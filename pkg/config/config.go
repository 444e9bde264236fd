// Package config resolves autoskill settings from viper (flags, AUTOSKILL_*
// environment variables and config.yaml) into a typed Config.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jingkaihe/autoskill/pkg/approval"
	"github.com/jingkaihe/autoskill/pkg/db"
	"github.com/jingkaihe/autoskill/pkg/executor"
	"github.com/jingkaihe/autoskill/pkg/patterns"
	"github.com/jingkaihe/autoskill/pkg/registry"
	"github.com/jingkaihe/autoskill/pkg/telemetry"
	"github.com/jingkaihe/autoskill/pkg/tools"
	"github.com/jingkaihe/autoskill/pkg/zones"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variable overrides.
const EnvPrefix = "AUTOSKILL"

// Config is the fully resolved configuration.
type Config struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	Skills    SkillsConfig     `mapstructure:"skills"`
	Executor  ExecutorConfig   `mapstructure:"executor"`
	Detector  DetectorConfig   `mapstructure:"detector"`
	Zones     zones.Config     `mapstructure:"zones"`
	Approval  ApprovalConfig   `mapstructure:"approval"`
	ActionLog ActionLogConfig  `mapstructure:"actionlog"`
	Tools     ToolsConfig      `mapstructure:"tools"`
	Agents    AgentsConfig     `mapstructure:"agents"`
	Notify    NotifyConfig     `mapstructure:"notify"`
	Tracing   telemetry.Config `mapstructure:"tracing"`
}

// SkillsConfig locates skill documents. Dirs are searched highest
// precedence first; GeneratedDir receives deployed skills and is always
// searched last.
type SkillsConfig struct {
	Dirs         []string      `mapstructure:"dirs"`
	GeneratedDir string        `mapstructure:"generated_dir"`
	HotReload    bool          `mapstructure:"hot_reload"`
	Debounce     time.Duration `mapstructure:"debounce"`
	MinScore     float64       `mapstructure:"min_score"`
	// OverridesPath persists enable/disable decisions across processes.
	OverridesPath string `mapstructure:"overrides_path"`
}

// SearchDirs returns Dirs followed by GeneratedDir, without duplicates.
func (s SkillsConfig) SearchDirs() []string {
	seen := make(map[string]struct{}, len(s.Dirs)+1)
	var dirs []string
	for _, dir := range append(append([]string(nil), s.Dirs...), s.GeneratedDir) {
		if dir == "" {
			continue
		}
		if _, ok := seen[dir]; ok {
			continue
		}
		seen[dir] = struct{}{}
		dirs = append(dirs, dir)
	}
	return dirs
}

// ExecutorConfig tunes skill execution.
type ExecutorConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	// AutoDisableAfter disables a skill after this many consecutive
	// failures. Zero turns auto-disable off.
	AutoDisableAfter int `mapstructure:"auto_disable_after"`
}

// DetectorConfig extends the detector settings with queue housekeeping.
type DetectorConfig struct {
	patterns.Config `mapstructure:",squash"`

	ProposalTTL time.Duration `mapstructure:"proposal_ttl"`
	Retention   time.Duration `mapstructure:"retention"`
}

// ApprovalConfig locates the queue document and sets the rollback window.
type ApprovalConfig struct {
	QueuePath      string        `mapstructure:"queue_path"`
	RollbackWindow time.Duration `mapstructure:"rollback_window"`
}

// ActionLogConfig locates the action log database.
type ActionLogConfig struct {
	Path string `mapstructure:"path"`
}

// ToolsConfig configures executable tool discovery and the tool catalog.
type ToolsConfig struct {
	Dirs            []string          `mapstructure:"dirs"`
	AllowList       []string          `mapstructure:"allow_list"`
	Timeout         time.Duration     `mapstructure:"timeout"`
	Effects         map[string]string `mapstructure:"effects"`
	BrowserPatterns []string          `mapstructure:"browser_patterns"`
}

// AgentsConfig locates the agent task store.
type AgentsConfig struct {
	TasksPath string `mapstructure:"tasks_path"`
}

// NotifyConfig selects notification sinks.
type NotifyConfig struct {
	SlackWebhookURL string `mapstructure:"slack_webhook_url"`
	// Stdout echoes notices to standard output.
	Stdout bool `mapstructure:"stdout"`
}

// BaseDir returns the directory that holds autoskill state: $AUTOSKILL_BASE_PATH
// when set, otherwise ~/.autoskill.
func BaseDir() string {
	if base := os.Getenv(db.BasePathEnv); base != "" {
		return base
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".autoskill"
	}
	return filepath.Join(home, ".autoskill")
}

// SetDefaults registers every key with its default so that environment
// variables can override keys absent from the config file.
func SetDefaults(v *viper.Viper) {
	base := BaseDir()
	detector := patterns.DefaultConfig()
	zone := zones.DefaultConfig()
	tracing := telemetry.DefaultConfig()

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "fmt")

	v.SetDefault("skills.dirs", []string{"./.autoskill/skills", filepath.Join(base, "skills")})
	v.SetDefault("skills.generated_dir", filepath.Join(base, "skills", "generated"))
	v.SetDefault("skills.hot_reload", false)
	v.SetDefault("skills.debounce", registry.DefaultDebounce)
	v.SetDefault("skills.min_score", registry.DefaultMinScore)
	v.SetDefault("skills.overrides_path", filepath.Join(base, "overrides.json"))

	v.SetDefault("executor.default_timeout", executor.DefaultTimeout)
	v.SetDefault("executor.retry_delay", executor.DefaultRetryDelay)
	v.SetDefault("executor.auto_disable_after", 5)

	v.SetDefault("detector.window", detector.Window)
	v.SetDefault("detector.min_frequency", detector.MinFrequency)
	v.SetDefault("detector.similarity_threshold", detector.SimilarityThreshold)
	v.SetDefault("detector.existing_match_threshold", detector.ExistingMatchThreshold)
	v.SetDefault("detector.rejection_cooldown", detector.RejectionCooldown)
	v.SetDefault("detector.weekly_cap", detector.WeeklyCap)
	v.SetDefault("detector.weekly_tier2_cap", detector.WeeklyTier2Cap)
	v.SetDefault("detector.max_actions", detector.MaxActions)
	v.SetDefault("detector.proposal_ttl", 14*24*time.Hour)
	v.SetDefault("detector.retention", 30*24*time.Hour)

	v.SetDefault("zones.root", base)
	v.SetDefault("zones.allowed_dirs", zone.AllowedDirs)
	v.SetDefault("zones.core_patterns", zone.CorePatterns)
	v.SetDefault("zones.credential_patterns", zone.CredentialPatterns)
	v.SetDefault("zones.external_patterns", zone.ExternalPatterns)
	v.SetDefault("zones.schema_patterns", zone.SchemaPatterns)
	v.SetDefault("zones.dependency_patterns", zone.DependencyPatterns)

	v.SetDefault("approval.queue_path", filepath.Join(base, "queue.json"))
	v.SetDefault("approval.rollback_window", approval.DefaultRollbackWindow)

	v.SetDefault("actionlog.path", filepath.Join(base, "actions.db"))

	v.SetDefault("tools.dirs", []string{"./.autoskill/tools", filepath.Join(base, "tools")})
	v.SetDefault("tools.allow_list", []string{})
	v.SetDefault("tools.timeout", tools.DefaultTimeout)
	v.SetDefault("tools.effects", map[string]string{})
	v.SetDefault("tools.browser_patterns", tools.DefaultBrowserPatterns)

	v.SetDefault("agents.tasks_path", filepath.Join(base, "tasks.json"))

	v.SetDefault("notify.slack_webhook_url", "")
	v.SetDefault("notify.stdout", false)

	v.SetDefault("tracing.enabled", tracing.Enabled)
	v.SetDefault("tracing.sampler", tracing.Sampler)
	v.SetDefault("tracing.ratio", tracing.Ratio)
	v.SetDefault("tracing.endpoint", tracing.Endpoint)
}

// Setup wires v for autoskill: defaults, the AUTOSKILL environment prefix and
// config.yaml in ~/.autoskill or the working directory. A missing config file
// is not an error.
func Setup(v *viper.Viper) error {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(BaseDir())
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return errors.Wrap(err, "failed to read config file")
	}
	return nil
}

// Load decodes the settings held by v into a Config.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create config decoder")
	}
	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, errors.Wrap(err, "failed to decode configuration")
	}

	cfg.expandPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	switch {
	case c.Detector.MinFrequency < 1:
		return errors.New("detector.min_frequency must be at least 1")
	case c.Detector.Window <= 0:
		return errors.New("detector.window must be positive")
	case c.Detector.SimilarityThreshold <= 0 || c.Detector.SimilarityThreshold > 1:
		return errors.New("detector.similarity_threshold must be in (0, 1]")
	case c.Skills.MinScore < 0 || c.Skills.MinScore > 1:
		return errors.New("skills.min_score must be in [0, 1]")
	case c.Executor.AutoDisableAfter < 0:
		return errors.New("executor.auto_disable_after cannot be negative")
	case c.Approval.RollbackWindow < 0:
		return errors.New("approval.rollback_window cannot be negative")
	case c.Skills.GeneratedDir == "":
		return errors.New("skills.generated_dir is required")
	}
	return c.Tracing.Validate()
}

func (c *Config) expandPaths() {
	for i, dir := range c.Skills.Dirs {
		c.Skills.Dirs[i] = ExpandHome(dir)
	}
	for i, dir := range c.Tools.Dirs {
		c.Tools.Dirs[i] = ExpandHome(dir)
	}
	c.Skills.GeneratedDir = ExpandHome(c.Skills.GeneratedDir)
	c.Skills.OverridesPath = ExpandHome(c.Skills.OverridesPath)
	c.Zones.Root = ExpandHome(c.Zones.Root)
	c.Approval.QueuePath = ExpandHome(c.Approval.QueuePath)
	c.ActionLog.Path = ExpandHome(c.ActionLog.Path)
	c.Agents.TasksPath = ExpandHome(c.Agents.TasksPath)
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
