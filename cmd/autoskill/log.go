package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jingkaihe/autoskill/pkg/actionlog"
	"github.com/jingkaihe/autoskill/pkg/presenter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// LogAddConfig holds configuration for the log add command
type LogAddConfig struct {
	Pillar    string
	Tools     []string
	Skill     string
	Status    string
	Confirmed bool
	Adjusted  bool
}

// NewLogAddConfig creates a new LogAddConfig with default values
func NewLogAddConfig() *LogAddConfig {
	return &LogAddConfig{
		Tools: []string{},
	}
}

// LogListConfig holds configuration for the log list command
type LogListConfig struct {
	Since  time.Duration
	Pillar string
	Limit  int
	JSON   bool
}

// NewLogListConfig creates a new LogListConfig with default values
func NewLogListConfig() *LogListConfig {
	return &LogListConfig{
		Since: 7 * 24 * time.Hour,
		Limit: 50,
	}
}

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Record and inspect the action log",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Help()
	},
}

var logAddCmd = &cobra.Command{
	Use:   "add <text...>",
	Short: "Record an action performed outside autoskill",
	Long: `Record an action so the pattern detector can learn from it.

Examples:
  autoskill log add --pillar work --tools gmail_search,notion_create "file the invoice from acme"`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		config := getLogAddConfigFromFlags(cmd)
		addLogCmd(cmd.Context(), strings.Join(args, " "), config)
	},
}

var logListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent actions",
	Run: func(cmd *cobra.Command, _ []string) {
		config := getLogListConfigFromFlags(cmd)
		listLogCmd(cmd.Context(), config)
	},
}

func init() {
	addDefaults := NewLogAddConfig()
	logAddCmd.Flags().String("pillar", addDefaults.Pillar, "Life pillar of the action")
	logAddCmd.Flags().StringSlice("tools", addDefaults.Tools, "Tools the action used")
	logAddCmd.Flags().String("skill", addDefaults.Skill, "Skill that handled the action, if any")
	logAddCmd.Flags().String("status", addDefaults.Status, "Outcome of the action")
	logAddCmd.Flags().Bool("confirmed", addDefaults.Confirmed, "The user confirmed the result")
	logAddCmd.Flags().Bool("adjusted", addDefaults.Adjusted, "The user adjusted the result")

	listDefaults := NewLogListConfig()
	logListCmd.Flags().Duration("since", listDefaults.Since, "Only list actions newer than this")
	logListCmd.Flags().String("pillar", listDefaults.Pillar, "Only list actions of this pillar")
	logListCmd.Flags().Int("limit", listDefaults.Limit, "Maximum number of actions to list")
	logListCmd.Flags().Bool("json", listDefaults.JSON, "Print actions as JSON")

	logCmd.AddCommand(logAddCmd)
	logCmd.AddCommand(logListCmd)
	rootCmd.AddCommand(logCmd)
}

func getLogAddConfigFromFlags(cmd *cobra.Command) *LogAddConfig {
	config := NewLogAddConfig()
	if pillar, err := cmd.Flags().GetString("pillar"); err == nil {
		config.Pillar = pillar
	}
	if tools, err := cmd.Flags().GetStringSlice("tools"); err == nil {
		config.Tools = tools
	}
	if skill, err := cmd.Flags().GetString("skill"); err == nil {
		config.Skill = skill
	}
	if status, err := cmd.Flags().GetString("status"); err == nil {
		config.Status = status
	}
	if cmd.Flags().Changed("confirmed") {
		config.Confirmed, _ = cmd.Flags().GetBool("confirmed")
	}
	if cmd.Flags().Changed("adjusted") {
		config.Adjusted, _ = cmd.Flags().GetBool("adjusted")
	}
	return config
}

func getLogListConfigFromFlags(cmd *cobra.Command) *LogListConfig {
	config := NewLogListConfig()
	if since, err := cmd.Flags().GetDuration("since"); err == nil {
		config.Since = since
	}
	if pillar, err := cmd.Flags().GetString("pillar"); err == nil {
		config.Pillar = pillar
	}
	if limit, err := cmd.Flags().GetInt("limit"); err == nil {
		config.Limit = limit
	}
	if asJSON, err := cmd.Flags().GetBool("json"); err == nil {
		config.JSON = asJSON
	}
	return config
}

func addLogCmd(ctx context.Context, text string, config *LogAddConfig) {
	a := openAssistant(ctx)
	defer a.Close()

	act := actionlog.Action{
		Text:   text,
		Pillar: config.Pillar,
		Tools:  config.Tools,
		Skill:  config.Skill,
		Status: config.Status,
	}
	if config.Confirmed {
		act.UserConfirmed = &config.Confirmed
	}
	if config.Adjusted {
		act.UserAdjusted = &config.Adjusted
	}

	id, err := a.RecordAction(ctx, act)
	if err != nil {
		presenter.Error(err, "failed to record action")
		os.Exit(1)
	}
	presenter.Success(fmt.Sprintf("Recorded action %d", id))
}

func listLogCmd(ctx context.Context, config *LogListConfig) {
	if config.Since < 0 || config.Limit < 0 {
		presenter.Error(errors.New("since and limit cannot be negative"), "invalid filter")
		os.Exit(1)
	}

	a := openAssistant(ctx)
	defer a.Close()

	q := actionlog.Query{Pillar: config.Pillar, Limit: config.Limit}
	if config.Since > 0 {
		q.Since = time.Now().Add(-config.Since)
	}
	actions, err := a.Actions().Query(ctx, q)
	if err != nil {
		presenter.Error(err, "failed to query action log")
		os.Exit(1)
	}

	if config.JSON {
		printJSON(actions)
		return
	}
	if len(actions) == 0 {
		presenter.Info("No actions recorded")
		return
	}

	rows := make([][]string, 0, len(actions))
	for _, act := range actions {
		rows = append(rows, []string{
			act.CreatedAt.Local().Format(time.DateTime),
			act.ShortFingerprint,
			act.Pillar,
			act.Skill,
			act.Status,
			strings.Join(act.Tools, ","),
			firstExample([]string{act.Text}),
		})
	}
	presenter.Table([]string{"TIME", "INTENT", "PILLAR", "SKILL", "STATUS", "TOOLS", "TEXT"}, rows)
}
