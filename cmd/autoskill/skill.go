package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jingkaihe/autoskill/pkg/assistant"
	"github.com/jingkaihe/autoskill/pkg/presenter"
	"github.com/jingkaihe/autoskill/pkg/registry"
	"github.com/jingkaihe/autoskill/pkg/skills"
	"github.com/jingkaihe/autoskill/pkg/tools"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// SkillListConfig holds configuration for the skill list command
type SkillListConfig struct {
	All  bool
	JSON bool
}

// NewSkillListConfig creates a new SkillListConfig with default values
func NewSkillListConfig() *SkillListConfig {
	return &SkillListConfig{
		All:  false,
		JSON: false,
	}
}

// SkillMatchConfig holds configuration for the skill match command
type SkillMatchConfig struct {
	Pillar          string
	Confidence      float64
	ContentCategory string
}

// NewSkillMatchConfig creates a new SkillMatchConfig with default values
func NewSkillMatchConfig() *SkillMatchConfig {
	return &SkillMatchConfig{
		Pillar:          "",
		Confidence:      0,
		ContentCategory: "",
	}
}

var skillCmd = &cobra.Command{
	Use:   "skill",
	Short: "Inspect and manage skills",
	Long:  `List, inspect, dry-run match, validate, enable and disable skills.`,
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Help()
	},
}

var skillListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered skills",
	Long:  `List registered skills with their tier, state and execution metrics. Disabled skills are hidden unless --all is set.`,
	Run: func(cmd *cobra.Command, _ []string) {
		config := getSkillListConfigFromFlags(cmd)
		listSkillsCmd(cmd.Context(), config)
	},
}

var skillShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show a skill definition",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		showSkillCmd(cmd.Context(), args[0])
	},
}

var skillMatchCmd = &cobra.Command{
	Use:   "match <text...>",
	Short: "Show which skills would handle some text, without running them",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		config := getSkillMatchConfigFromFlags(cmd)
		matchSkillCmd(cmd.Context(), strings.Join(args, " "), config)
	},
}

var skillValidateCmd = &cobra.Command{
	Use:   "validate <file...>",
	Short: "Validate skill documents",
	Long: `Parse and validate skill documents (YAML, JSON or JSONC) and report the
tier each one would run at.

Examples:
  autoskill skill validate ./skills/find-notes/skill.yaml
  autoskill skill validate ./skills/*.skill.jsonc`,
	Args: cobra.MinimumNArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		validateSkillsCmd(args)
	},
}

var skillSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON Schema of skill documents",
	Run: func(_ *cobra.Command, _ []string) {
		printJSON(skills.DocumentSchema())
	},
}

var skillEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a skill",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		setSkillEnabledCmd(cmd.Context(), args[0], true, "")
	},
}

var skillDisableCmd = &cobra.Command{
	Use:   "disable <name> [reason...]",
	Short: "Disable a skill",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		setSkillEnabledCmd(cmd.Context(), args[0], false, strings.Join(args[1:], " "))
	},
}

func init() {
	listDefaults := NewSkillListConfig()
	skillListCmd.Flags().BoolP("all", "a", listDefaults.All, "Include disabled skills")
	skillListCmd.Flags().Bool("json", listDefaults.JSON, "Print skills as JSON")

	matchDefaults := NewSkillMatchConfig()
	skillMatchCmd.Flags().String("pillar", matchDefaults.Pillar, "Life pillar of the activity")
	skillMatchCmd.Flags().Float64("confidence", matchDefaults.Confidence, "Upstream classifier confidence")
	skillMatchCmd.Flags().String("category", matchDefaults.ContentCategory, "Content category of the activity")

	skillCmd.AddCommand(skillListCmd)
	skillCmd.AddCommand(skillShowCmd)
	skillCmd.AddCommand(skillMatchCmd)
	skillCmd.AddCommand(skillValidateCmd)
	skillCmd.AddCommand(skillSchemaCmd)
	skillCmd.AddCommand(skillEnableCmd)
	skillCmd.AddCommand(skillDisableCmd)
	rootCmd.AddCommand(skillCmd)
}

func getSkillListConfigFromFlags(cmd *cobra.Command) *SkillListConfig {
	config := NewSkillListConfig()
	if all, err := cmd.Flags().GetBool("all"); err == nil {
		config.All = all
	}
	if asJSON, err := cmd.Flags().GetBool("json"); err == nil {
		config.JSON = asJSON
	}
	return config
}

func getSkillMatchConfigFromFlags(cmd *cobra.Command) *SkillMatchConfig {
	config := NewSkillMatchConfig()
	if pillar, err := cmd.Flags().GetString("pillar"); err == nil {
		config.Pillar = pillar
	}
	if confidence, err := cmd.Flags().GetFloat64("confidence"); err == nil {
		config.Confidence = confidence
	}
	if category, err := cmd.Flags().GetString("category"); err == nil {
		config.ContentCategory = category
	}
	return config
}

func listSkillsCmd(ctx context.Context, config *SkillListConfig) {
	a := openAssistant(ctx)
	defer a.Close()

	var infos []assistant.SkillInfo
	for _, info := range a.Skills() {
		if config.All || info.Enabled {
			infos = append(infos, info)
		}
	}

	if config.JSON {
		printJSON(infos)
		return
	}
	if len(infos) == 0 {
		presenter.Info("No skills registered. Add skill documents to one of: " + strings.Join(a.Config().Skills.SearchDirs(), ", "))
		return
	}

	rows := make([][]string, 0, len(infos))
	for _, info := range infos {
		rows = append(rows, []string{
			info.Name,
			info.Version,
			info.Tier.String(),
			skillState(info),
			strconv.FormatInt(info.Metrics.Executions, 10),
			successRate(info.Metrics),
			lastRun(info.Metrics.LastRun),
		})
	}
	presenter.Table([]string{"NAME", "VERSION", "TIER", "STATE", "RUNS", "SUCCESS", "LAST RUN"}, rows)
}

func skillState(info assistant.SkillInfo) string {
	switch {
	case !info.Enabled:
		return "disabled"
	case info.Draft:
		return "draft"
	default:
		return "enabled"
	}
}

func successRate(m skills.Metrics) string {
	if m.Executions == 0 {
		return "-"
	}
	return fmt.Sprintf("%.0f%%", 100*float64(m.Successes)/float64(m.Executions))
}

func lastRun(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}

func showSkillCmd(ctx context.Context, name string) {
	a := openAssistant(ctx)
	defer a.Close()

	def, ok := a.Registry().Get(name)
	if !ok {
		presenter.Error(errors.Wrapf(registry.ErrNotFound, "%s", name), "unknown skill")
		os.Exit(1)
	}

	info := a.Info(def)
	presenter.Section(fmt.Sprintf("%s %s", def.Name, def.Version))
	fmt.Println(def.Description)
	fmt.Printf("Tier: %s  State: %s  Priority: %d\n", info.Tier, skillState(info), def.Priority)
	if def.Source != "" {
		fmt.Printf("Source: %s\n", def.Source)
	}
	if used := skills.ToolsUsed(def.Process); len(used) > 0 {
		fmt.Printf("Tools: %s\n", strings.Join(used, ", "))
	}
	if composed := skills.SkillsComposed(def.Process); len(composed) > 0 {
		fmt.Printf("Composes: %s\n", strings.Join(composed, ", "))
	}
	presenter.Separator()

	doc, err := skills.MarshalYAML(def)
	if err != nil {
		presenter.Error(err, "failed to render skill")
		os.Exit(1)
	}
	fmt.Print(string(doc))
}

func matchSkillCmd(ctx context.Context, text string, config *SkillMatchConfig) {
	a := openAssistant(ctx)
	defer a.Close()

	matches := a.Match(assistant.Event{
		Text:            text,
		Pillar:          config.Pillar,
		Confidence:      config.Confidence,
		ContentCategory: config.ContentCategory,
	})
	if len(matches) == 0 {
		presenter.Info("No skill matches")
		return
	}

	minScore := a.Config().Skills.MinScore
	rows := make([][]string, 0, len(matches))
	for _, m := range matches {
		selected := ""
		if m.Score >= minScore {
			selected = "yes"
		}
		rows = append(rows, []string{
			m.Skill.Name,
			string(m.Trigger.Type),
			fmt.Sprintf("%.2f", m.Score),
			selected,
		})
	}
	presenter.Table([]string{"SKILL", "TRIGGER", "SCORE", "ABOVE THRESHOLD"}, rows)
}

func validateSkillsCmd(paths []string) {
	effects := skills.DefaultToolEffects()
	if cfg := loadConfig(); len(cfg.Tools.Effects) > 0 {
		configured, err := tools.ParseEffects(cfg.Tools.Effects)
		if err != nil {
			presenter.Warning(fmt.Sprintf("ignoring tools.effects: %s", err))
		} else {
			effects = tools.Catalog(nil, configured)
		}
	}

	failed := 0
	for _, path := range paths {
		def, err := skills.LoadFile(path)
		if err != nil {
			presenter.Error(err, path)
			failed++
			continue
		}
		presenter.Success(fmt.Sprintf("%s: %s %s (%s)", path, def.Name, def.Version, def.EffectiveTier(effects)))
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func setSkillEnabledCmd(ctx context.Context, name string, enabled bool, reason string) {
	a := openAssistant(ctx)
	defer a.Close()

	if err := a.SetEnabled(ctx, name, enabled, reason); err != nil {
		presenter.Error(err, "failed to update skill")
		os.Exit(1)
	}
	if enabled {
		presenter.Success(fmt.Sprintf("Enabled %s", name))
	} else {
		presenter.Success(fmt.Sprintf("Disabled %s", name))
	}
}
