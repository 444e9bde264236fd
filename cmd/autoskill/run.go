package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jingkaihe/autoskill/pkg/assistant"
	"github.com/jingkaihe/autoskill/pkg/executor"
	"github.com/jingkaihe/autoskill/pkg/presenter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// RunConfig holds configuration for the run command
type RunConfig struct {
	Skill    string
	UserID   string
	Pillar   string
	Inputs   []string
	Approved bool
	JSON     bool
}

// NewRunConfig creates a new RunConfig with default values
func NewRunConfig() *RunConfig {
	return &RunConfig{
		Skill:    "",
		UserID:   "",
		Pillar:   "",
		Inputs:   []string{},
		Approved: false,
		JSON:     false,
	}
}

var runCmd = &cobra.Command{
	Use:   "run [text...]",
	Short: "Handle a piece of activity with the best matching skill",
	Long: `Match the given text against registered skills and run the best match.
The event is recorded in the action log either way, so repeated unmatched
work becomes a candidate for a new skill.

Use --skill to run a named skill directly and skip matching.

Examples:
  autoskill run "find my notes about the offsite"
  autoskill run --skill weekly-digest --input channel=general
  autoskill run --pillar work --approved "post the digest"`,
	Run: func(cmd *cobra.Command, args []string) {
		config := getRunConfigFromFlags(cmd)
		runRunCommand(cmd.Context(), strings.Join(args, " "), config)
	},
}

func init() {
	defaults := NewRunConfig()
	runCmd.Flags().StringP("skill", "s", defaults.Skill, "Run this skill instead of matching")
	runCmd.Flags().String("user", defaults.UserID, "User the activity belongs to")
	runCmd.Flags().String("pillar", defaults.Pillar, "Life pillar of the activity")
	runCmd.Flags().StringArrayP("input", "i", defaults.Inputs, "Skill input as key=value (repeatable)")
	runCmd.Flags().Bool("approved", defaults.Approved, "Authorise skills that require confirmation")
	runCmd.Flags().Bool("json", defaults.JSON, "Print the full outcome as JSON")
	rootCmd.AddCommand(withTracing(runCmd))
}

// getRunConfigFromFlags extracts run configuration from command flags
func getRunConfigFromFlags(cmd *cobra.Command) *RunConfig {
	config := NewRunConfig()

	if skill, err := cmd.Flags().GetString("skill"); err == nil {
		config.Skill = skill
	}
	if user, err := cmd.Flags().GetString("user"); err == nil {
		config.UserID = user
	}
	if pillar, err := cmd.Flags().GetString("pillar"); err == nil {
		config.Pillar = pillar
	}
	if inputs, err := cmd.Flags().GetStringArray("input"); err == nil {
		config.Inputs = inputs
	}
	if approved, err := cmd.Flags().GetBool("approved"); err == nil {
		config.Approved = approved
	}
	if asJSON, err := cmd.Flags().GetBool("json"); err == nil {
		config.JSON = asJSON
	}

	return config
}

// parseInputs turns key=value pairs into an input bag.
func parseInputs(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	inputs := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, errors.Errorf("input %q must be key=value", pair)
		}
		inputs[key] = value
	}
	return inputs, nil
}

func runRunCommand(ctx context.Context, text string, config *RunConfig) {
	if text == "" && config.Skill == "" {
		presenter.Error(errors.New("nothing to run"), "provide activity text or --skill")
		os.Exit(1)
	}
	inputs, err := parseInputs(config.Inputs)
	if err != nil {
		presenter.Error(err, "invalid input")
		os.Exit(1)
	}

	a := openAssistant(ctx)
	defer a.Close()

	ev := assistant.Event{
		Text:     text,
		UserID:   config.UserID,
		Pillar:   config.Pillar,
		Inputs:   inputs,
		Approved: config.Approved,
	}

	var out *assistant.Outcome
	if config.Skill != "" {
		out, err = a.RunSkill(ctx, config.Skill, ev)
	} else {
		out, err = a.HandleEvent(ctx, ev)
	}
	if err != nil {
		presenter.Error(err, "failed to handle activity")
		os.Exit(1)
	}

	if config.JSON {
		printJSON(out)
	} else {
		printOutcome(out)
	}
	if out.Result != nil && !out.Result.Success {
		os.Exit(1)
	}
}

func printOutcome(out *assistant.Outcome) {
	if out.Result == nil {
		presenter.Info(fmt.Sprintf("%s (fingerprint %s)", out.Reason, out.Intent.Short))
		return
	}

	res := out.Result
	failed := 0
	for _, step := range res.Steps {
		if step.Status == executor.StepFailed || step.Status == executor.StepContinued {
			failed++
		}
	}
	presenter.Stats(&presenter.RunStats{
		Skill:     res.Skill,
		Status:    string(res.Status),
		Steps:     len(res.Steps),
		Failed:    failed,
		ToolsUsed: res.ToolsUsed,
		Duration:  res.Duration,
	})

	switch res.Status {
	case executor.StatusSucceeded:
		presenter.Success(out.Reason)
		if res.Output != nil {
			printJSON(res.Output)
		}
	case executor.StatusBlocked, executor.StatusStopped:
		presenter.Warning(out.Reason)
	default:
		presenter.Error(errors.New(res.Error), out.Reason)
	}
	if out.AutoDisabled {
		presenter.Warning(fmt.Sprintf("%s was disabled after repeated failures", res.Skill))
	}
}
